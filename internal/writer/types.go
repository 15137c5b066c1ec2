package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/sitestream/internal/model"
)

// Config contains configuration for the message writer.
type Config struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize caps the pending queue; beyond it the oldest message is dropped.
	BufferSize int

	// Kinds restricts archiving to these message kinds. Empty archives every
	// kind except control frames.
	Kinds []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		BufferSize:    50_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// Metrics holds writer counters.
type Metrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
	Dropped   int64 `json:"dropped"`
	Skipped   int64 `json:"skipped"`
}

// BatchSender sends a batch of queries. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// messageRow represents a row for the stream_messages table.
type messageRow struct {
	ForUser    int64
	Kind       string
	StatusID   *int64 // NULL unless the message refers to a status
	Body       string // JSON
	ReceivedAt int64  // Microseconds
}

func toRow(msg model.Message) messageRow {
	row := messageRow{
		ForUser:    msg.ForUserID(),
		Kind:       msg.Kind,
		Body:       string(msg.Raw),
		ReceivedAt: msg.ReceivedAt,
	}
	if msg.StatusID != 0 {
		id := msg.StatusID
		row.StatusID = &id
	}
	if row.Body == "" {
		row.Body = "null"
	}
	return row
}

const insertMessageSQL = `
	INSERT INTO stream_messages (for_user, kind, status_id, body, received_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT DO NOTHING
`
