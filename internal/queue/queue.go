// Package queue provides the size-bounded FIFO used wherever two
// goroutines trade control. Producers choose between backpressure
// (Wait) and eviction (DropOldest); the consumer side is a single
// draining reader.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Policy controls producer behavior when the queue is full.
type Policy int

const (
	// Wait blocks the producer until space is available.
	Wait Policy = iota
	// DropOldest evicts the oldest queued item so the enqueue always
	// succeeds.
	DropOldest
)

func (p Policy) String() string {
	if p == DropOldest {
		return "drop_oldest"
	}
	return "wait"
}

var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO with a configurable overflow policy.
type Queue[T any] struct {
	policy  Policy
	ch      chan T
	dropped atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a queue with the given capacity and overflow policy.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		policy: policy,
		ch:     make(chan T, capacity),
	}
}

// Enqueue adds an item. Under Wait it blocks until space frees up or
// the context is cancelled; under DropOldest it evicts the head and
// always succeeds.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if q.policy == Wait {
		select {
		case q.ch <- item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case q.ch <- item:
			return nil
		default:
		}
		// Full: evict one and retry. The retry loop covers the race
		// where the consumer drains between the evict and the send.
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// Dequeue removes the oldest item, blocking until one is available,
// the context is cancelled, or the queue is closed and drained.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	select {
	case item, ok := <-q.ch:
		if !ok {
			var zero T
			return zero, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryDequeue removes the oldest item without blocking.
func (q *Queue[T]) TryDequeue() (T, bool) {
	select {
	case item, ok := <-q.ch:
		if !ok {
			return item, false
		}
		return item, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the current queue depth.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Dropped returns the number of items evicted under DropOldest.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }

// Close stops accepting new items. Queued items remain readable until
// drained. The caller must stop all producers before closing: an
// Enqueue concurrent with Close may panic on the closed channel.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.ch)
	})
}
