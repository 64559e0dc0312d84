package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// InMemoryQueue is a simple Queue implementation backed by a buffered channel.
// It is safe for concurrent use. Tasks with a future NotBefore are held on a
// timer and pushed onto the channel once they become ready.
type InMemoryQueue struct {
	ch      chan Task
	delayed atomic.Int64

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// NewInMemoryQueue creates a new queue with the given capacity.
// For tests and small deployments, a modest capacity (e.g. 1024) is fine.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		ch:     make(chan Task, capacity),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if wait := time.Until(t.NotBefore); wait > 0 {
		q.delayed.Add(1)
		var timer *time.Timer
		timer = time.AfterFunc(wait, func() {
			q.mu.Lock()
			delete(q.timers, timer)
			q.mu.Unlock()
			q.delayed.Add(-1)
			q.ch <- t
		})
		q.timers[timer] = struct{}{}
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
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

// Close drops delayed tasks that have not fired yet and rejects further
// enqueues. Tasks already in the channel can still be dequeued.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for timer := range q.timers {
		if timer.Stop() {
			q.delayed.Add(-1)
		}
		delete(q.timers, timer)
	}
}
