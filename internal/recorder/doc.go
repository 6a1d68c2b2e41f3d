// Package recorder persists inbound frames to PostgreSQL.
//
// The subscriber registered with the Connection Manager only enqueues into an
// in-memory ring buffer, so a slow database never stalls frame dispatch. A
// single writer goroutine drains the buffer in batches and inserts them with
// pgx.Batch.
package recorder
