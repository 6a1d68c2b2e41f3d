package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/chatlink/internal/connection"
)

// Config configures a Recorder.
type Config struct {
	InstanceID    string
	Types         []string // Frame types to record; empty records all
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Max frames held in memory before the oldest are dropped
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats holds recorder counters.
type Stats struct {
	Received  int64 // Frames seen by the subscriber
	Filtered  int64 // Frames skipped by the type filter
	Dropped   int64 // Frames evicted or arriving after Stop
	Inserted  int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Enqueued  int64 // Frames accepted into the buffer
	Buffered  int
	Capacity  int // Current buffer capacity, grows up to BufferSize
	Resizes   int
}

// Subscriber is the part of the Connection Manager the recorder attaches to.
type Subscriber interface {
	Subscribe(h connection.Handler) (unsubscribe func())
}

// Recorder batches inbound frames into a Store.
type Recorder struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	types  map[string]struct{}

	buf  *ringBuffer[Row]
	full chan struct{}

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once

	mu    sync.Mutex
	stats Stats
}

// New creates a Recorder. Call Start to begin writing.
func New(cfg Config, store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}

	var types map[string]struct{}
	if len(cfg.Types) > 0 {
		types = make(map[string]struct{}, len(cfg.Types))
		for _, t := range cfg.Types {
			types[t] = struct{}{}
		}
	}

	return &Recorder{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "recorder"),
		types:  types,
		buf:    newRingBuffer[Row](cfg.BatchSize, cfg.BufferSize),
		full:   make(chan struct{}, 1),
	}
}

// Start subscribes to sub and begins the writer loop.
func (r *Recorder) Start(ctx context.Context, sub Subscriber) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.unsubscribe = sub.Subscribe(r.Handle)

	r.wg.Add(1)
	go r.run(ctx)

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
		"types", r.cfg.Types,
	)
	return nil
}

// Stop unsubscribes, stops the writer loop and flushes what is buffered.
func (r *Recorder) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.logger.Info("stopping recorder")

		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		r.buf.close()
		if r.cancel != nil {
			r.cancel()
		}

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			r.logger.Warn("recorder stop timed out")
		}

		// Final flush
		r.flush(ctx)
		r.logger.Info("recorder stopped")
	})
	return nil
}

// Handle enqueues one frame. It never blocks on the database.
func (r *Recorder) Handle(f connection.Frame) {
	r.mu.Lock()
	r.stats.Received++
	if r.types != nil {
		if _, ok := r.types[f.Type]; !ok {
			r.stats.Filtered++
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()

	receivedAt := f.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	n, ok := r.buf.push(Row{
		ID:         uuid.New(),
		InstanceID: r.cfg.InstanceID,
		Type:       f.Type,
		Payload:    f.Raw,
		ReceivedAt: receivedAt,
	})
	if !ok {
		r.mu.Lock()
		r.stats.Dropped++
		r.mu.Unlock()
		return
	}

	if n >= r.cfg.BatchSize {
		select {
		case r.full <- struct{}{}:
		default:
		}
	}
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	s := r.stats
	r.mu.Unlock()

	b := r.buf.stats()
	s.Dropped += b.evicted
	s.Enqueued = b.pushed
	s.Buffered = b.count
	s.Capacity = b.capacity
	s.Resizes = b.resizes
	return s
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.full:
			r.flush(ctx)
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

// flush drains the buffer in batches until it is empty or a write fails.
func (r *Recorder) flush(ctx context.Context) {
	for {
		rows := r.buf.drain(r.cfg.BatchSize)
		if len(rows) == 0 {
			return
		}
		if !r.write(ctx, rows) {
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rows []Row) bool {
	if ctx.Err() != nil {
		// Shutting down: the final flush gets a fresh deadline.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	start := time.Now()
	inserted, err := r.store.InsertFrames(ctx, rows)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.stats.Errors++
		r.stats.Dropped += int64(len(rows))
		r.logger.Error("batch insert failed", "error", err, "count", len(rows))
		return false
	}

	r.stats.Inserted += int64(inserted)
	r.stats.Conflicts += int64(len(rows) - inserted)
	r.stats.Flushes++

	r.logger.Debug("flushed frames",
		"count", len(rows),
		"conflicts", len(rows)-inserted,
		"duration", time.Since(start),
	)
	return true
}
