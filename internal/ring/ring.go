// Package ring provides small fixed-capacity buffers for in-process
// histories. Contents are process-local and reset on restart.
package ring

import "sync"

// Buffer holds at most cap items and is safe for concurrent use.
// PushFront keeps newest-first order and drops the tail when full; Append
// keeps arrival order and drops the oldest item when full. A buffer should
// use one of the two consistently.
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
	cap   int
}

// New returns an empty buffer bounded at capacity items.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{cap: capacity}
}

// PushFront inserts v as the newest item at index 0, truncating the tail
// past the capacity.
func (b *Buffer[T]) PushFront(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) < b.cap {
		b.items = append(b.items, v)
	}
	copy(b.items[1:], b.items)
	b.items[0] = v
}

// Append adds v at the end, dropping the oldest item when full.
func (b *Buffer[T]) Append(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == b.cap {
		copy(b.items, b.items[1:])
		b.items[len(b.items)-1] = v
		return
	}
	b.items = append(b.items, v)
}

// Len returns the current number of items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Snapshot returns a copy of the buffer in its storage order.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}
