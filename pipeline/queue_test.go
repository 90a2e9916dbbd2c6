// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/telhaul/telhaul/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Enqueue(t *testing.T) {
	t.Run("will reject the new batch when full", func(t *testing.T) {
		q := NewQueue(2)
		first := signal.NewBatch(signal.KindLogRecord)
		second := signal.NewBatch(signal.KindLogRecord)

		require.Nil(t, q.Enqueue(first))
		require.Nil(t, q.Enqueue(second))

		err := q.Enqueue(signal.NewBatch(signal.KindLogRecord))
		assert.ErrorIs(t, err, ErrQueueFull)

		// the queued batches must not have been evicted
		assert.Equal(t, 2, q.Len())
		b, err := q.Dequeue(context.Background())
		require.Nil(t, err)
		assert.Same(t, first, b)
	})

	t.Run("will reject after close", func(t *testing.T) {
		q := NewQueue(2)
		q.Close()
		assert.ErrorIs(t, q.Enqueue(signal.NewBatch(signal.KindLogRecord)), ErrQueueClosed)
	})

	t.Run("will tolerate a double close", func(t *testing.T) {
		q := NewQueue(2)
		q.Close()
		q.Close()
	})
}

func TestQueue_Dequeue(t *testing.T) {
	t.Run("will dequeue in FIFO order", func(t *testing.T) {
		q := NewQueue(4)
		batches := make([]*signal.Batch, 4)
		for i := range batches {
			batches[i] = signal.NewBatch(signal.KindMetricPoint)
			require.Nil(t, q.Enqueue(batches[i]))
		}

		for i := range batches {
			b, err := q.Dequeue(context.Background())
			require.Nil(t, err)
			assert.Same(t, batches[i], b)
		}
	})

	t.Run("will drain queued batches after close", func(t *testing.T) {
		q := NewQueue(2)
		require.Nil(t, q.Enqueue(signal.NewBatch(signal.KindLogRecord)))
		q.Close()

		_, err := q.Dequeue(context.Background())
		require.Nil(t, err)

		_, err = q.Dequeue(context.Background())
		assert.ErrorIs(t, err, ErrQueueClosed)
	})

	t.Run("will return the context error on cancellation", func(t *testing.T) {
		q := NewQueue(2)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestQueue_TryDequeue(t *testing.T) {
	t.Run("will not block on an empty queue", func(t *testing.T) {
		q := NewQueue(2)
		_, ok := q.TryDequeue()
		assert.False(t, ok)
	})

	t.Run("will return queued batches", func(t *testing.T) {
		q := NewQueue(2)
		require.Nil(t, q.Enqueue(signal.NewBatch(signal.KindLogRecord)))

		_, ok := q.TryDequeue()
		assert.True(t, ok)
	})
}
