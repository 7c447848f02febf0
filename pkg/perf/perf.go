// Package perf collects named timing events from the loading pipeline.
//
// The core only produces events. What happens to them is up to the
// Timers implementation: the default discards everything, the Recorder
// keeps them in memory, and WriteTrace renders a recorded set as a
// chrome://tracing file.
package perf

import (
	"sync"
	"time"
)

// Event is one named duration span, or an instant if Start == End.
type Event struct {
	Name  string
	Start time.Time
	End   time.Time
}

// Duration returns the span's length.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// Timers receives timing events. Implementations must be safe for
// concurrent use; events arrive from worker goroutines.
type Timers interface {
	AddEvent(e Event)
	AddInstant(name string)
}

type nopTimers struct{}

func (nopTimers) AddEvent(Event)    {}
func (nopTimers) AddInstant(string) {}

// Nop returns a Timers that discards all events.
func Nop() Timers {
	return nopTimers{}
}

// Recorder is an in-memory Timers for tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// AddEvent appends a span.
func (r *Recorder) AddEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// AddInstant appends a zero-length event stamped with the current time.
func (r *Recorder) AddInstant(name string) {
	now := time.Now()
	r.AddEvent(Event{Name: name, Start: now, End: now})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
