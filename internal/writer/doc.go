// Package writer archives stream messages to PostgreSQL.
//
// MessageWriter is a router sink. It queues messages, batches them and
// inserts each batch with pgx.Batch on size or interval. Rows are
// append-only; a status seen twice for the same user and kind is skipped by
// ON CONFLICT DO NOTHING.
package writer
