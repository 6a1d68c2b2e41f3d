package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool used for DDL.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema is the DDL for recorded frames. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS frames (
		id          UUID PRIMARY KEY,
		instance_id TEXT NOT NULL,
		type        TEXT NOT NULL,
		payload     JSONB NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS frames_type_received_at_idx ON frames (type, received_at DESC)`,
}

// EnsureSchema creates the frames table and its indexes if missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
