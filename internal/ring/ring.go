// Package ring provides a fixed-capacity ring buffer used for bounded
// histories: batch-size adjustments, backpressure outcomes, network quality
// windows.
package ring

import "sync"

// Buffer keeps the most recent entries up to its capacity. Pushing beyond
// capacity overwrites the oldest entry and counts it as dropped. All
// methods are safe for concurrent use.
type Buffer[T any] struct {
	mu      sync.Mutex
	entries []T
	head    int
	size    int
	dropped uint64
}

// New creates a buffer with the given capacity; non-positive capacities are
// clamped to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{entries: make([]T, capacity)}
}

// Push appends an entry, evicting the oldest when full.
func (b *Buffer[T]) Push(entry T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size < len(b.entries) {
		b.entries[(b.head+b.size)%len(b.entries)] = entry
		b.size++
		return
	}
	b.entries[b.head] = entry
	b.head = (b.head + 1) % len(b.entries)
	b.dropped++
}

// Items returns a copy of the buffered entries, oldest first.
func (b *Buffer[T]) Items() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.head+i)%len(b.entries)]
	}
	return out
}

// Last returns the newest entry, if any.
func (b *Buffer[T]) Last() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.entries[(b.head+b.size-1)%len(b.entries)], true
}

// Len returns the number of buffered entries.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.entries)
}

// Dropped returns how many entries were evicted so far.
func (b *Buffer[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
