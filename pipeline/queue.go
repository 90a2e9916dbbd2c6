// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/telhaul/telhaul/signal"
)

var (
	// ErrQueueFull is returned when a sealed batch arrives at a queue
	// already holding queue_size batches. The new batch is rejected;
	// queued batches are never evicted.
	ErrQueueFull = errors.New("pipeline: export queue is full")

	// ErrQueueClosed is returned once a queue stopped accepting batches
	// and has been fully drained.
	ErrQueueClosed = errors.New("pipeline: export queue is closed")
)

// Queue is a bounded FIFO of sealed batches awaiting delivery. Each queue is
// owned by exactly one (pipeline, sink) pair. Enqueue never blocks: a full
// queue rejects the new batch so backpressure never propagates to producer
// threads.
type Queue struct {
	mu     sync.Mutex
	ch     chan *signal.Batch
	closed bool
}

// DefaultQueueSize holds roughly a restart's worth of backlog.
const DefaultQueueSize = 10000

// NewQueue returns a queue holding at most capacity batches.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{
		ch: make(chan *signal.Batch, capacity),
	}
}

// Enqueue appends b to the queue. It fails with ErrQueueFull at capacity
// and ErrQueueClosed after Close.
func (q *Queue) Enqueue(b *signal.Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the queue from accepting new batches. Batches already queued
// remain dequeueable until the queue is drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Dequeue removes the oldest batch. It blocks until a batch is available,
// ctx is done (ctx.Err is returned) or the queue is closed and empty
// (ErrQueueClosed is returned).
func (q *Queue) Dequeue(ctx context.Context) (*signal.Batch, error) {
	select {
	case b, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryDequeue removes the oldest batch without blocking.
func (q *Queue) TryDequeue() (*signal.Batch, bool) {
	select {
	case b, ok := <-q.ch:
		if !ok {
			return nil, false
		}
		return b, true
	default:
		return nil, false
	}
}

// Len returns the number of queued batches.
func (q *Queue) Len() int {
	return len(q.ch)
}
