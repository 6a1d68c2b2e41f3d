package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/chatlink/internal/connection"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    []Row
	batches []int
	err     error
}

func (s *fakeStore) InsertFrames(_ context.Context, rows []Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, len(rows))
	if s.err != nil {
		return 0, s.err
	}
	s.rows = append(s.rows, rows...)
	return len(rows), nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) snapshot() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Row(nil), s.rows...)
}

type fakeSubscriber struct {
	mu sync.Mutex
	h  connection.Handler
}

func (s *fakeSubscriber) Subscribe(h connection.Handler) func() {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.h = nil
		s.mu.Unlock()
	}
}

func (s *fakeSubscriber) emit(typ string) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	if h != nil {
		h(frame(typ))
	}
}

func (s *fakeSubscriber) subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h != nil
}

func frame(typ string) connection.Frame {
	raw, _ := json.Marshal(map[string]any{"type": typ, "data": map[string]any{"id": "m1"}})
	return connection.Frame{
		Type:       typ,
		Data:       map[string]any{"type": typ},
		Raw:        raw,
		ReceivedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func startRecorder(t *testing.T, cfg Config, store Store) (*Recorder, *fakeSubscriber) {
	t.Helper()
	sub := &fakeSubscriber{}
	r := New(cfg, store, nil)
	require.NoError(t, r.Start(context.Background(), sub))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r, sub
}

func TestRecorder_FlushOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	r, sub := startRecorder(t, Config{BatchSize: 3, FlushInterval: time.Hour}, store)

	for i := 0; i < 3; i++ {
		sub.emit("message")
	}

	require.Eventually(t, func() bool { return r.Stats().Inserted == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, store.count())
	stats := r.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(3), stats.Inserted)
	assert.Equal(t, int64(1), stats.Flushes)
}

func TestRecorder_FlushOnInterval(t *testing.T) {
	store := &fakeStore{}
	_, sub := startRecorder(t, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, store)

	sub.emit("message")
	sub.emit("message")

	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRecorder_StopFlushesAndUnsubscribes(t *testing.T) {
	store := &fakeStore{}
	r, sub := startRecorder(t, Config{BatchSize: 100, FlushInterval: time.Hour}, store)

	for i := 0; i < 5; i++ {
		sub.emit("message")
	}
	assert.Equal(t, 0, store.count())

	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, 5, store.count())
	assert.False(t, sub.subscribed())

	// Late frames are dropped, not buffered.
	r.Handle(frame("message"))
	assert.Equal(t, int64(1), r.Stats().Dropped)
	assert.Equal(t, 0, r.Stats().Buffered)

	require.NoError(t, r.Stop(context.Background()))
}

func TestRecorder_TypeFilter(t *testing.T) {
	store := &fakeStore{}
	r, sub := startRecorder(t, Config{Types: []string{"message"}, BatchSize: 100, FlushInterval: time.Hour}, store)

	sub.emit("message")
	sub.emit("typing")
	sub.emit("presence")

	require.NoError(t, r.Stop(context.Background()))

	rows := store.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "message", rows[0].Type)

	stats := r.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Equal(t, int64(2), stats.Filtered)
}

func TestRecorder_RowContents(t *testing.T) {
	store := &fakeStore{}
	r, sub := startRecorder(t, Config{InstanceID: "client-1", BatchSize: 10, FlushInterval: time.Hour}, store)

	sub.emit("message")
	require.NoError(t, r.Stop(context.Background()))

	rows := store.snapshot()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.NotEqual(t, uuid.Nil, row.ID)
	assert.Equal(t, "client-1", row.InstanceID)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), row.ReceivedAt)
	assert.JSONEq(t, `{"type":"message","data":{"id":"m1"}}`, string(row.Payload))
}

func TestRecorder_StoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	r, sub := startRecorder(t, Config{BatchSize: 2, FlushInterval: time.Hour}, store)

	sub.emit("message")
	sub.emit("message")

	require.Eventually(t, func() bool { return r.Stats().Errors == 1 }, time.Second, 5*time.Millisecond)
	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, int64(0), stats.Inserted)
}

func TestRecorder_Defaults(t *testing.T) {
	r := New(Config{}, &fakeStore{}, nil)
	assert.Equal(t, DefaultConfig().BatchSize, r.cfg.BatchSize)
	assert.Equal(t, DefaultConfig().FlushInterval, r.cfg.FlushInterval)
	assert.Equal(t, DefaultConfig().BufferSize, r.cfg.BufferSize)
	assert.Nil(t, r.types)
}

func TestRecorder_StatsReportBuffer(t *testing.T) {
	r := New(Config{BatchSize: 2, BufferSize: 4, FlushInterval: time.Hour}, &fakeStore{}, nil)

	for i := 0; i < 6; i++ {
		r.Handle(frame("message"))
	}

	stats := r.Stats()
	assert.Equal(t, int64(6), stats.Received)
	assert.Equal(t, int64(6), stats.Enqueued)
	assert.Equal(t, 4, stats.Buffered)
	assert.Equal(t, 4, stats.Capacity)
	assert.Equal(t, 1, stats.Resizes)
	assert.Equal(t, int64(2), stats.Dropped)
}
