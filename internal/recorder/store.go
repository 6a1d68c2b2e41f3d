package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Row is one recorded frame.
type Row struct {
	ID         uuid.UUID
	InstanceID string
	Type       string
	Payload    []byte // Raw JSON frame
	ReceivedAt time.Time
}

// Store persists batches of rows.
type Store interface {
	// InsertFrames writes rows and returns how many were new.
	InsertFrames(ctx context.Context, rows []Row) (inserted int, err error)
}

// Batcher is the subset of pgxpool.Pool used by PGStore.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PGStore writes rows to the frames table.
type PGStore struct {
	db Batcher
}

// NewPGStore creates a Store backed by PostgreSQL.
func NewPGStore(db Batcher) *PGStore {
	return &PGStore{db: db}
}

const insertFrameSQL = `
	INSERT INTO frames (id, instance_id, type, payload, received_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING
`

// InsertFrames inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (s *PGStore) InsertFrames(ctx context.Context, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertFrameSQL, r.ID, r.InstanceID, r.Type, string(r.Payload), r.ReceivedAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for i := range rows {
		ct, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert frame %d: %w", i, err)
		}
		inserted += int(ct.RowsAffected())
	}

	return inserted, nil
}
