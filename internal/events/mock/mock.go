// Package mock provides a recording implementation of [events.Emitter] for use
// in unit tests.
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/events"
)

// Emitter records every emitted event. It is safe for concurrent use.
type Emitter struct {
	mu     sync.Mutex
	events []events.Event
	notify chan struct{}
}

// Emit implements [events.Emitter].
func (e *Emitter) Emit(ev events.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	ch := e.notify
	e.notify = nil
	e.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Events returns a copy of every recorded event.
func (e *Emitter) Events() []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.Event(nil), e.events...)
}

// OfType returns the recorded events of type t.
func (e *Emitter) OfType(t events.Type) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []events.Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events of type t were recorded.
func (e *Emitter) Count(t events.Type) int { return len(e.OfType(t)) }

// WaitFor blocks until at least n events of type t were recorded or timeout
// elapses. It reports whether the condition was met.
func (e *Emitter) WaitFor(t events.Type, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		e.mu.Lock()
		count := 0
		for _, ev := range e.events {
			if ev.Type == t {
				count++
			}
		}
		if count >= n {
			e.mu.Unlock()
			return true
		}
		if e.notify == nil {
			e.notify = make(chan struct{})
		}
		ch := e.notify
		e.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}

// Reset clears the recorded events.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}

var _ events.Emitter = (*Emitter)(nil)
