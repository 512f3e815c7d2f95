package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
)

// Redis key layout for a queue named q. The braces are a cluster hash tag
// so every key of one queue lands in the same slot:
//
//	conductor:queue:{q}:delayed   sorted set, member = message, score = ready time (ms)
//	conductor:queue:{q}:ready     list of messages, FIFO
//	conductor:queue:{q}:inflight  sorted set, member = receipt, score = visibility deadline (ms)
//	conductor:queue:{q}:payloads  hash, receipt -> message
//	conductor:queue:{q}:seq       receipt counter
const keyPrefix = "conductor:queue:"

// dequeueScript promotes due delayed messages and expired deliveries, then
// moves the head of the ready list in flight under a new receipt.
var dequeueScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('RPUSH', KEYS[2], m)
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, r in ipairs(expired) do
  local m = redis.call('HGET', KEYS[4], r)
  redis.call('ZREM', KEYS[3], r)
  redis.call('HDEL', KEYS[4], r)
  if m then
    redis.call('RPUSH', KEYS[2], m)
  end
end
local m = redis.call('LPOP', KEYS[2])
if not m then
  return false
end
local receipt = tostring(redis.call('INCR', KEYS[5]))
redis.call('ZADD', KEYS[3], ARGV[2], receipt)
redis.call('HSET', KEYS[4], receipt, m)
return {receipt, m}
`)

var ackScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

var nackScript = goredis.NewScript(`
local m = redis.call('HGET', KEYS[2], ARGV[1])
if not m then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], m)
return 1
`)

// message is the stored form of a queued run ID. The ID keeps repeated
// enqueues of the same run distinct inside the delayed sorted set.
type message struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
}

// Compile-time interface satisfaction check.
var _ Queue = (*RedisQueue)(nil)

// RedisQueue is a Queue backed by Redis lists and sorted sets. Every
// multi-key step runs as a Lua script so concurrent consumers never receive
// the same delivery.
type RedisQueue struct {
	client     goredis.UniversalClient
	visibility time.Duration
	now        func() time.Time

	delayedKey  string
	readyKey    string
	inflightKey string
	payloadsKey string
	seqKey      string
}

// NewRedisQueue creates a queue named name on client. The caller owns client.
func NewRedisQueue(client goredis.UniversalClient, name string, visibility time.Duration) *RedisQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	base := keyPrefix + "{" + name + "}:"
	return &RedisQueue{
		client:      client,
		visibility:  visibility,
		now:         time.Now,
		delayedKey:  base + "delayed",
		readyKey:    base + "ready",
		inflightKey: base + "inflight",
		payloadsKey: base + "payloads",
		seqKey:      base + "seq",
	}
}

// Enqueue pushes runID to the ready list, or to the delayed set when delay is positive.
func (q *RedisQueue) Enqueue(ctx context.Context, runID string, delay time.Duration) error {
	payload, err := json.Marshal(message{ID: ulid.Make().String(), RunID: runID})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if delay <= 0 {
		err = q.client.RPush(ctx, q.readyKey, payload).Err()
	} else {
		score := float64(q.now().Add(delay).UnixMilli())
		err = q.client.ZAdd(ctx, q.delayedKey, goredis.Z{Score: score, Member: string(payload)}).Err()
	}
	if err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

// Dequeue hands out the next ready message.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	now := q.now()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.readyKey, q.inflightKey, q.payloadsKey, q.seqKey},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(q.visibility).UnixMilli(), 10),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis dequeue: unexpected reply length %d", len(res))
	}

	var msg message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		// Drop the undecodable payload so it does not poison the queue.
		_ = q.Ack(ctx, res[0])
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &Delivery{RunID: msg.RunID, Receipt: res[0]}, nil
}

// Ack removes the in-flight delivery named by receipt.
func (q *RedisQueue) Ack(ctx context.Context, receipt string) error {
	n, err := ackScript.Run(ctx, q.client, []string{q.inflightKey, q.payloadsKey}, receipt).Int()
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	if n == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

// Nack returns the in-flight delivery named by receipt to the ready list.
func (q *RedisQueue) Nack(ctx context.Context, receipt string) error {
	n, err := nackScript.Run(ctx, q.client, []string{q.inflightKey, q.payloadsKey, q.readyKey}, receipt).Int()
	if err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	if n == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (q *RedisQueue) Close() error {
	return nil
}
