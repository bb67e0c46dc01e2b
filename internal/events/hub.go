package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
)

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 64

// DefaultPayloadWait bounds how long Emit waits for queue space before it
// drops an utterance or transcription event.
const DefaultPayloadWait = 250 * time.Millisecond

// Hub fans events out to subscribers. The zero value is not usable; create one
// with [NewHub]. All methods are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	buffer  int
	wait    time.Duration
	metrics *observe.Metrics
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithPayloadWait sets how long Emit waits for a full subscriber before it
// drops a payload-bearing event. Zero drops immediately.
func WithPayloadWait(d time.Duration) HubOption {
	return func(h *Hub) { h.wait = max(d, 0) }
}

// WithMetrics records subscriber counts and drops on m.
func WithMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an empty [Hub].
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: DefaultBuffer,
		wait:   DefaultPayloadWait,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers a subscriber for the given types, or for every type if
// none are given. The subscription's channel is closed by
// [Subscription.Close] or [Hub.Close].
func (h *Hub) Subscribe(types ...Type) *Subscription {
	s := &Subscription{
		hub: h,
		ch:  make(chan Event, h.buffer),
	}
	if len(types) > 0 {
		s.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			s.filter[t] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	if h.metrics != nil {
		h.metrics.EventSubscribers.Add(context.Background(), 1)
	}
	return s
}

// Emit implements [Emitter]. When a subscriber's queue is half full,
// audio-level events are dropped for it. When the queue is full, speech-detected
// and transcription events wait up to the payload wait for space; any other
// event is dropped at once.
func (h *Hub) Emit(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		if s.filter != nil && !s.filter[e.Type] {
			continue
		}
		if e.Type == AudioLevel && len(s.ch) >= cap(s.ch)/2 {
			h.drop(s, e)
			continue
		}
		if !h.deliver(s, e) {
			h.drop(s, e)
		}
	}
}

// deliver queues e for s. Must be called with h.mu held for reading.
func (h *Hub) deliver(s *Subscription, e Event) bool {
	select {
	case s.ch <- e:
		return true
	default:
	}
	if h.wait == 0 || !carriesPayload(e.Type) {
		return false
	}
	t := time.NewTimer(h.wait)
	defer t.Stop()
	select {
	case s.ch <- e:
		return true
	case <-t.C:
		return false
	}
}

// carriesPayload reports whether losing e loses captured content.
func carriesPayload(t Type) bool {
	return t == SpeechDetected || t == Transcription
}

func (h *Hub) drop(s *Subscription, e Event) {
	n := s.dropped.Add(1)
	if h.metrics != nil {
		h.metrics.RecordEventDropped(context.Background(), string(e.Type))
	}
	if e.Type != AudioLevel {
		slog.Warn("events: subscriber queue full, event dropped", "type", e.Type, "dropped_total", n)
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Closed reports whether [Hub.Close] has been called.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Close closes every subscription. Later Emit calls are ignored and later
// subscriptions are returned already closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		h.remove(s)
	}
}

// remove must be called with h.mu held for writing.
func (h *Hub) remove(s *Subscription) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	s.closed = true
	close(s.ch)
	if h.metrics != nil {
		h.metrics.EventSubscribers.Add(context.Background(), -1)
	}
}

// Subscription is one subscriber's view of a [Hub].
type Subscription struct {
	hub     *Hub
	ch      chan Event
	filter  map[Type]bool
	dropped atomic.Uint64
	closed  bool // guarded by hub.mu
}

// Events returns the delivery channel. It is closed when the subscription
// ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns how many events were dropped for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. Calling Close more than once is safe.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.remove(s)
}

var _ Emitter = (*Hub)(nil)
