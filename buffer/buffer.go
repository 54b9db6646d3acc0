package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe generic circular buffer. When full, new items
// overwrite the oldest ones and the loss is counted.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int
	dropped  uint64
	warned   bool
	logger   *zap.Logger
}

// New creates a RingBuffer holding at most capacity items
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add inserts an item, overwriting the oldest one when the buffer is full
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.addLocked(item)
}

// Requeue puts items back that a consumer failed to process. Items are
// re-inserted in order, so with enough room they are drained again first-in
// first-out relative to each other.
func (rb *RingBuffer[T]) Requeue(items []T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for _, item := range items {
		rb.addLocked(item)
	}
}

func (rb *RingBuffer[T]) addLocked(item T) {
	if rb.size == rb.capacity {
		rb.dropped++
		// Warn once per fill, every overwrite is counted
		if !rb.warned {
			rb.logger.Warn("ring buffer full, overwriting oldest entries",
				zap.Int("capacity", rb.capacity),
				zap.Uint64("dropped_total", rb.dropped))
			rb.warned = true
		}
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
}

// Drain atomically returns all buffered items, oldest first, and empties the
// buffer. It returns nil when there is nothing buffered.
func (rb *RingBuffer[T]) Drain() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	results := make([]T, rb.size)
	// Oldest entry sits size slots behind head
	start := (rb.head - rb.size + rb.capacity) % rb.capacity
	for i := 0; i < rb.size; i++ {
		results[i] = rb.data[(start+i)%rb.capacity]
	}

	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0
	rb.warned = false

	return results
}

// Size returns the current number of entries in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Dropped returns how many items were overwritten before being drained
func (rb *RingBuffer[T]) Dropped() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.dropped
}
