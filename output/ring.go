package output

import (
	"go.uber.org/atomic"
)

// Ring is a bounded single-producer single-consumer queue. Put and Get never block; one goroutine
// may call Put while another calls Get.
type Ring[T any] struct {
	items []T
	// head counts the items taken, tail the items put. Only the consumer advances head and only
	// the producer advances tail.
	head atomic.Uint64
	tail atomic.Uint64
}

// NewRing returns a ring holding at most capacity items. capacity is raised to 1 if smaller.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Put appends v and reports whether there was room for it.
func (r *Ring[T]) Put(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.items)) {
		return false
	}
	r.items[tail%uint64(len(r.items))] = v
	r.tail.Store(tail + 1)
	return true
}

// Get removes and returns the oldest item.
func (r *Ring[T]) Get() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	idx := head % uint64(len(r.items))
	v := r.items[idx]
	r.items[idx] = zero
	r.head.Store(head + 1)
	return v, true
}

// Len returns the number of queued items.
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}
