package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Compile-time interface satisfaction check.
var _ Queue = (*MemoryQueue)(nil)

type delayedMsg struct {
	runID   string
	readyAt time.Time
	seq     uint64
}

// delayHeap orders delayed messages by ready time, then by enqueue order.
type delayHeap []delayedMsg

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(delayedMsg)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type inflightMsg struct {
	runID    string
	deadline time.Time
}

// MemoryQueue is a process-local Queue with delayed delivery and visibility
// timeouts. Messages are lost when the process exits. On startup the
// service clears the store's enqueue markers so the reconciliation sweep
// re-enqueues the affected runs.
type MemoryQueue struct {
	mu         sync.Mutex
	visibility time.Duration
	now        func() time.Time
	seq        uint64
	delayed    delayHeap
	ready      []string
	inflight   map[string]inflightMsg
	closed     bool
}

// NewMemoryQueue creates an empty in-memory queue. A non-positive visibility
// uses DefaultVisibilityTimeout.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		visibility: visibility,
		now:        time.Now,
		inflight:   make(map[string]inflightMsg),
	}
}

// Enqueue adds runID to the queue, ready after delay.
func (q *MemoryQueue) Enqueue(_ context.Context, runID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if delay <= 0 {
		q.ready = append(q.ready, runID)
		return nil
	}
	q.seq++
	heap.Push(&q.delayed, delayedMsg{runID: runID, readyAt: q.now().Add(delay), seq: q.seq})
	return nil
}

// Dequeue hands out the oldest ready message under a fresh receipt.
func (q *MemoryQueue) Dequeue(_ context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	now := q.now()
	q.promote(now)
	if len(q.ready) == 0 {
		return nil, ErrEmpty
	}

	runID := q.ready[0]
	q.ready = q.ready[1:]
	receipt := ulid.Make().String()
	q.inflight[receipt] = inflightMsg{runID: runID, deadline: now.Add(q.visibility)}
	return &Delivery{RunID: runID, Receipt: receipt}, nil
}

// promote moves due delayed messages and expired in-flight deliveries to the
// ready list. Caller must hold q.mu.
func (q *MemoryQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
		msg := heap.Pop(&q.delayed).(delayedMsg)
		q.ready = append(q.ready, msg.runID)
	}
	for receipt, msg := range q.inflight {
		if !msg.deadline.After(now) {
			delete(q.inflight, receipt)
			q.ready = append(q.ready, msg.runID)
		}
	}
}

// Ack drops the in-flight delivery named by receipt.
func (q *MemoryQueue) Ack(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[receipt]; !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	return nil
}

// Nack makes the in-flight delivery named by receipt ready again.
func (q *MemoryQueue) Nack(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.inflight[receipt]
	if !ok {
		return ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	if !q.closed {
		q.ready = append(q.ready, msg.runID)
	}
	return nil
}

// Close discards all messages. Later Enqueue and Dequeue calls return ErrClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.ready = nil
	q.delayed = nil
	clear(q.inflight)
	return nil
}
