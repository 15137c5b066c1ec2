package writer

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/sitestream/internal/model"
	"github.com/rickgao/sitestream/internal/router"
)

// ErrClosed is returned by HandleMessage after Stop.
var ErrClosed = errors.New("writer closed")

// MessageWriter consumes messages from the router and writes them to the
// stream_messages table.
type MessageWriter struct {
	cfg    Config
	logger *slog.Logger

	input *router.Queue[model.Message]
	db    BatchSender

	// Batching
	batch       []messageRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	consumed chan struct{} // closed when consumeLoop exits
	wg       sync.WaitGroup

	metrics Metrics
}

var _ router.Sink = (*MessageWriter)(nil)

// NewMessageWriter creates a new MessageWriter.
func NewMessageWriter(cfg Config, db BatchSender, logger *slog.Logger) *MessageWriter {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageWriter{
		cfg:    cfg,
		db:     db,
		logger: logger.With("component", "writer"),
		input:  router.NewQueue[model.Message](min(cfg.BatchSize, cfg.BufferSize), cfg.BufferSize),
		batch:  make([]messageRow, 0, cfg.BatchSize),
	}
}

// Name implements router.Sink.
func (w *MessageWriter) Name() string { return "archive" }

// HandleMessage queues msg for the next batch. It does not block.
func (w *MessageWriter) HandleMessage(_ context.Context, msg model.Message) error {
	if !w.accepts(msg.Kind) {
		w.batchMu.Lock()
		w.metrics.Skipped++
		w.batchMu.Unlock()
		return nil
	}

	ok, evicted := w.input.Send(msg)
	if !ok {
		return ErrClosed
	}
	if evicted {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
	}
	return nil
}

func (w *MessageWriter) accepts(kind string) bool {
	if len(w.cfg.Kinds) == 0 {
		return kind != model.KindControl
	}
	return slices.Contains(w.cfg.Kinds, kind)
}

// Start begins consuming messages and writing to the database.
func (w *MessageWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.consumed = make(chan struct{})
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("message writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued messages, flushes and shuts the writer down. The final
// flush runs under ctx.
func (w *MessageWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping message writer")

	w.input.Close()
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("message writer stop timed out")
	}

	// Final flush
	w.flush(ctx)

	if w.cancel != nil {
		w.cancel()
	}
	w.logger.Info("message writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *MessageWriter) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves queued messages into the batch until the queue closes.
func (w *MessageWriter) consumeLoop() {
	defer w.wg.Done()
	defer close(w.consumed)

	for {
		msg, ok := w.input.Receive()
		if !ok {
			return
		}
		w.handleMessage(msg)
	}
}

// flushLoop periodically flushes the batch.
func (w *MessageWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.consumed:
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleMessage adds a message to the batch, flushing when full.
func (w *MessageWriter) handleMessage(msg model.Message) {
	row := toRow(msg)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// flush writes the current batch to the database.
func (w *MessageWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]messageRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *MessageWriter) batchInsert(ctx context.Context, rows []messageRow) (conflicts int, err error) {
	if w.db == nil {
		return 0, errors.New("no database")
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertMessageSQL, r.ForUser, r.Kind, r.StatusID, r.Body, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
