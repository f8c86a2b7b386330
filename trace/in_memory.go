package trace

import (
	"sync"
	"time"
)

// InMemoryRecorder is a volatile Recorder storing events in a process local
// slice. It is safe for concurrent access and best suited for tests or
// ephemeral demo runs. Returned slices are copies to prevent external
// mutation of internal state.
type InMemoryRecorder struct {
	mu     sync.RWMutex
	seq    uint64
	events []Event
}

// NewInMemoryRecorder constructs an empty in‑memory recorder.
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Record appends ev, assigning the next sequence number and a timestamp when
// none is set.
func (r *InMemoryRecorder) Record(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Seq = r.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of all recorded events in sequence order.
func (r *InMemoryRecorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events of the given kind.
func (r *InMemoryRecorder) Filter(kind Kind) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// First returns the earliest event matching pred.
func (r *InMemoryRecorder) First(pred func(Event) bool) (Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ev := range r.events {
		if pred(ev) {
			return ev, true
		}
	}
	return Event{}, false
}

// Reset drops all recorded events.
func (r *InMemoryRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
