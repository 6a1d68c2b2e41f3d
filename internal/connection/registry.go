package connection

import "sync"

// entry is a registered callback with a stable identity.
type entry[T any] struct {
	id uint64
	fn T
}

// callbackList is a copy-on-write list of callbacks. Every mutation installs a
// fresh slice, so a snapshot taken for dispatch is never modified underneath
// the caller and entries may remove themselves mid-dispatch.
type callbackList[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[T]
}

// add registers fn and returns a function that removes exactly this registration.
func (l *callbackList[T]) add(fn T) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	next := make([]entry[T], len(l.entries), len(l.entries)+1)
	copy(next, l.entries)
	l.entries = append(next, entry[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *callbackList[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]entry[T], 0, len(l.entries))
	for _, e := range l.entries {
		if e.id != id {
			next = append(next, e)
		}
	}
	l.entries = next
}

// snapshot returns the current entries in registration order.
func (l *callbackList[T]) snapshot() []entry[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

// take returns the current entries and clears the list.
func (l *callbackList[T]) take() []entry[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.entries
	l.entries = nil
	return entries
}

func (l *callbackList[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
