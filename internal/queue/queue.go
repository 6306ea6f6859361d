package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue: closed")

// Ring is a bounded FIFO that never blocks its producer. When full, Push
// discards the oldest entry to make room.
type Ring[T any] struct {
	maxSize int
	items   []T
	mu      sync.Mutex
	notify  chan struct{}
	closed  bool
	dropped uint64
}

func NewRing[T any](maxSize int) *Ring[T] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Ring[T]{
		maxSize: maxSize,
		items:   make([]T, 0, maxSize),
		notify:  make(chan struct{}, 1),
	}
}

// Push appends v and reports how many entries were dropped to fit it.
// Pushing to a closed ring is a no-op.
func (q *Ring[T]) Push(v T) int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	dropped := 0
	if len(q.items) >= q.maxSize {
		// Remove oldest
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		dropped = 1
		q.dropped++
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.signal()
	return dropped
}

// Pop removes the oldest entry without waiting.
func (q *Ring[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Next waits for an entry. Entries queued before Close are still
// delivered; after that it returns ErrClosed.
func (q *Ring[T]) Next(ctx context.Context) (T, error) {
	for {
		if v, ok := q.Pop(); ok {
			return v, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		var zero T
		if closed {
			return zero, ErrClosed
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (q *Ring[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Dropped is the total number of entries discarded so far.
func (q *Ring[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Ring[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
