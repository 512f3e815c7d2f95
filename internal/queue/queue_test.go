package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVisibility = time.Minute

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// runQueueContract exercises the delivery semantics every adapter must provide.
func runQueueContract(t *testing.T, newQueue func(t *testing.T, clock *fakeClock) Queue) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		_, err := q.Dequeue(ctx)
		assert.ErrorIs(t, err, ErrEmpty)
	})

	t.Run("fifo order", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		require.NoError(t, q.Enqueue(ctx, "run-a", 0))
		require.NoError(t, q.Enqueue(ctx, "run-b", 0))

		first, err := q.Dequeue(ctx)
		require.NoError(t, err)
		second, err := q.Dequeue(ctx)
		require.NoError(t, err)

		assert.Equal(t, "run-a", first.RunID)
		assert.Equal(t, "run-b", second.RunID)
		assert.NotEqual(t, first.Receipt, second.Receipt)
	})

	t.Run("ack removes delivery", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		require.NoError(t, q.Enqueue(ctx, "run-a", 0))

		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, d.Receipt))

		clock.Advance(2 * testVisibility)
		_, err = q.Dequeue(ctx)
		assert.ErrorIs(t, err, ErrEmpty)
		assert.ErrorIs(t, q.Ack(ctx, d.Receipt), ErrUnknownReceipt)
	})

	t.Run("delay holds message back", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		require.NoError(t, q.Enqueue(ctx, "run-a", 30*time.Second))

		_, err := q.Dequeue(ctx)
		require.ErrorIs(t, err, ErrEmpty)

		clock.Advance(31 * time.Second)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "run-a", d.RunID)
	})

	t.Run("unacked delivery reappears after visibility timeout", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		require.NoError(t, q.Enqueue(ctx, "run-a", 0))

		first, err := q.Dequeue(ctx)
		require.NoError(t, err)

		_, err = q.Dequeue(ctx)
		require.ErrorIs(t, err, ErrEmpty, "delivery must stay hidden within the visibility timeout")

		clock.Advance(testVisibility + time.Second)
		second, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "run-a", second.RunID)
		assert.NotEqual(t, first.Receipt, second.Receipt)

		assert.ErrorIs(t, q.Ack(ctx, first.Receipt), ErrUnknownReceipt)
		assert.NoError(t, q.Ack(ctx, second.Receipt))
	})

	t.Run("nack redelivers immediately", func(t *testing.T) {
		q := newQueue(t, newFakeClock())
		require.NoError(t, q.Enqueue(ctx, "run-a", 0))

		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Nack(ctx, d.Receipt))

		again, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "run-a", again.RunID)
		assert.ErrorIs(t, q.Nack(ctx, d.Receipt), ErrUnknownReceipt)
	})

	t.Run("repeated enqueue yields repeated deliveries", func(t *testing.T) {
		clock := newFakeClock()
		q := newQueue(t, clock)
		require.NoError(t, q.Enqueue(ctx, "run-a", time.Second))
		require.NoError(t, q.Enqueue(ctx, "run-a", time.Second))

		clock.Advance(2 * time.Second)
		for i := 0; i < 2; i++ {
			d, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, "run-a", d.RunID)
		}
		_, err := q.Dequeue(ctx)
		assert.ErrorIs(t, err, ErrEmpty)
	})
}
