package recorder

import "sync"

// ringBuffer is a thread-safe FIFO that doubles its capacity when it reaches
// 70% full, up to limit. Once at the limit the oldest item is overwritten.
type ringBuffer[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int // read position
	count  int
	limit  int
	closed bool

	pushed  int64
	evicted int64
	resizes int
}

func newRingBuffer[T any](initial, limit int) *ringBuffer[T] {
	if limit < 1 {
		limit = 1
	}
	if initial < 1 || initial > limit {
		initial = min(limit, 1024)
	}
	return &ringBuffer[T]{
		buf:   make([]T, initial),
		limit: limit,
	}
}

// push appends item and returns the buffered count, or false once closed.
func (b *ringBuffer[T]) push(item T) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.count, false
	}

	if b.count+1 >= len(b.buf)*70/100 && len(b.buf) < b.limit {
		b.grow(min(len(b.buf)*2, b.limit))
	}

	if b.count == len(b.buf) {
		// Full at the limit: drop the oldest.
		var zero T
		b.buf[b.head] = zero
		b.head = (b.head + 1) % len(b.buf)
		b.count--
		b.evicted++
	}

	b.buf[(b.head+b.count)%len(b.buf)] = item
	b.count++
	b.pushed++
	return b.count, true
}

// drain removes up to batch items (all when batch <= 0) in FIFO order.
func (b *ringBuffer[T]) drain(batch int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if batch > 0 && batch < n {
		n = batch
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	var zero T
	for i := range out {
		out[i] = b.buf[b.head]
		b.buf[b.head] = zero
		b.head = (b.head + 1) % len(b.buf)
	}
	b.count -= n
	return out
}

func (b *ringBuffer[T]) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// bufferStats is a point-in-time view of a ringBuffer.
type bufferStats struct {
	count    int
	capacity int
	pushed   int64
	evicted  int64
	resizes  int
}

func (b *ringBuffer[T]) stats() bufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bufferStats{
		count:    b.count,
		capacity: len(b.buf),
		pushed:   b.pushed,
		evicted:  b.evicted,
		resizes:  b.resizes,
	}
}

// grow reallocates to size, unwrapping the ring. Must be called with lock held.
func (b *ringBuffer[T]) grow(size int) {
	next := make([]T, size)
	n := copy(next, b.buf[b.head:min(b.head+b.count, len(b.buf))])
	if n < b.count {
		copy(next[n:], b.buf[:b.count-n])
	}
	b.buf = next
	b.head = 0
	b.resizes++
}
