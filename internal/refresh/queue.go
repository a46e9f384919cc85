package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrQueueClosed is returned once the queue has been shut down.
var ErrQueueClosed = errors.New("refresh queue closed")

// Request is a queued refresh.
type Request struct {
	RunID          string
	Stores         []string
	TargetDuration time.Duration
}

// Queue is a bounded in-memory request queue with context-aware operations.
type Queue struct {
	ch      chan Request
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a queue holding up to capacity pending requests.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Request, capacity)}
}

// Enqueue blocks until the request fits or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, req Request) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	}
}

// Dequeue pops the next request.
func (q *Queue) Dequeue(ctx context.Context) (Request, error) {
	select {
	case <-ctx.Done():
		return Request{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return Request{}, ErrQueueClosed
		}
		return req, nil
	}
}

// Close stops intake; queued requests can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
