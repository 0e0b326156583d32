package taskqueue

import (
	"context"
	"sync/atomic"
	"time"
)

// InMemoryQueue is a Queue backed by a buffered channel. Tasks with a
// future NotBefore are held by a timer until they are due; a due task that
// finds the channel full waits on a new timer rather than a goroutine.
// It is safe for concurrent use.
type InMemoryQueue struct {
	ch      chan Task
	delayed atomic.Int64
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch: make(chan Task, capacity),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if d := time.Until(t.NotBefore); d > 0 {
		q.delayed.Add(1)
		time.AfterFunc(d, func() { q.release(t) })
		return nil
	}

	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fullRetry is how long a due delayed task waits before retrying a full
// channel.
const fullRetry = 10 * time.Millisecond

func (q *InMemoryQueue) release(t Task) {
	select {
	case q.ch <- t:
		q.delayed.Add(-1)
	default:
		time.AfterFunc(fullRetry, func() { q.release(t) })
	}
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	select {
	case t := <-q.ch:
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *InMemoryQueue) Len() int {
	return len(q.ch) + int(q.delayed.Load())
}
