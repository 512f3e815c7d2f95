package queue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T, clock *fakeClock) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, "test", testVisibility)
	q.now = clock.Now
	return q, mr
}

func TestRedisQueueContract(t *testing.T) {
	runQueueContract(t, func(t *testing.T, clock *fakeClock) Queue {
		q, _ := newTestRedisQueue(t, clock)
		return q
	})
}

func TestRedisQueueKeyLayout(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t, newFakeClock())

	require.NoError(t, q.Enqueue(ctx, "run-now", 0))
	require.NoError(t, q.Enqueue(ctx, "run-later", time.Hour))

	ready, err := mr.List("conductor:queue:{test}:ready")
	require.NoError(t, err)
	assert.Len(t, ready, 1)

	delayed, err := mr.ZMembers("conductor:queue:{test}:delayed")
	require.NoError(t, err)
	assert.Len(t, delayed, 1)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-now", d.RunID)

	inflight, err := mr.ZMembers("conductor:queue:{test}:inflight")
	require.NoError(t, err)
	assert.Equal(t, []string{d.Receipt}, inflight)
	assert.Equal(t, "1", d.Receipt)
}

func TestRedisQueueKeysShareHashTag(t *testing.T) {
	q := NewRedisQueue(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), "runs", 0)
	t.Cleanup(func() { _ = q.client.Close() })

	// Cluster routes a key by the substring inside its first {...}; every
	// script touches several keys, so they must all hash to one slot.
	for _, key := range []string{q.delayedKey, q.readyKey, q.inflightKey, q.payloadsKey, q.seqKey} {
		open := strings.IndexByte(key, '{')
		require.GreaterOrEqual(t, open, 0, key)
		closing := strings.IndexByte(key[open:], '}')
		require.Greater(t, closing, 1, key)
		assert.Equal(t, "runs", key[open+1:open+closing], key)
	}
}

func TestRedisQueueUnavailable(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t, newFakeClock())
	mr.Close()

	err := q.Enqueue(ctx, "run-a", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis enqueue")

	_, err = q.Dequeue(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmpty)
}
