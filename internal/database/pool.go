package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/sitestream/internal/config"
	"github.com/rickgao/sitestream/internal/version"
)

var applicationName = version.Product

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schema creates the archive table. Status rows are unique per user and
// kind; rows without a status_id never conflict.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS stream_messages (
		id          BIGSERIAL PRIMARY KEY,
		for_user    BIGINT NOT NULL,
		kind        TEXT NOT NULL,
		status_id   BIGINT,
		body        JSONB NOT NULL,
		received_at BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS stream_messages_status_key
		ON stream_messages (for_user, kind, status_id)`,
	`CREATE INDEX IF NOT EXISTS stream_messages_received_at_idx
		ON stream_messages (received_at)`,
}

// EnsureSchema creates the archive table and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
