// Package notify fans run events out to in-process subscribers.
package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/conductor/internal/model"
)

// DefaultBufferSize is the channel buffer for each subscriber. Events are
// dropped for a subscriber that falls this far behind.
const DefaultBufferSize = 64

var (
	eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_hub_events_published_total",
		Help: "Total number of run events published to the hub.",
	})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conductor_hub_events_dropped_total",
		Help: "Total number of run events dropped for slow subscribers.",
	})
)

func init() {
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(eventsDropped)
}

// Hub delivers each published event to every subscriber registered at
// publish time. Subscribers that register later never see earlier events;
// they read current state from the store instead. It is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	buffer  int
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	dropped uint64
}

type subscriber struct {
	ch    chan model.Event
	runID string
}

// NewHub creates a hub with the given per-subscriber buffer. A non-positive
// size uses DefaultBufferSize.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe returns a channel receiving every run event and an unsubscribe
// function that closes it. After Close the returned channel is already closed.
func (h *Hub) Subscribe() (<-chan model.Event, func()) {
	return h.subscribe("")
}

// SubscribeRun is like Subscribe but only delivers events for runID.
func (h *Hub) SubscribeRun(runID string) (<-chan model.Event, func()) {
	return h.subscribe(runID)
}

func (h *Hub) subscribe(runID string) (<-chan model.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan model.Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = &subscriber{ch: ch, runID: runID}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
}

// Publish delivers ev to matching subscribers without blocking. Events are
// dropped for subscribers whose buffers are full.
func (h *Hub) Publish(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	eventsPublished.Inc()

	for _, s := range h.subs {
		if s.runID != "" && s.runID != ev.RunID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped++
			eventsDropped.Inc()
		}
	}
}

// Dropped returns the number of events dropped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later publishes are ignored and later
// subscriptions receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}
