package perf

import (
	"encoding/json"
	"io"
	"os"
)

// traceEvent is one entry in the chrome://tracing JSON format. Complete
// events use phase "X" with microsecond timestamps; instants use "i".
type traceEvent struct {
	Name  string `json:"name"`
	Phase string `json:"ph"`
	TS    int64  `json:"ts"`
	Dur   int64  `json:"dur,omitempty"`
	PID   int    `json:"pid"`
	TID   int    `json:"tid"`
	Scope string `json:"s,omitempty"`
}

type traceFile struct {
	TraceEvents []traceEvent `json:"traceEvents"`
}

// WriteTrace writes events in the chrome://tracing JSON format, viewable
// in chrome://tracing or Perfetto.
func WriteTrace(w io.Writer, events []Event) error {
	pid := os.Getpid()
	out := traceFile{TraceEvents: make([]traceEvent, 0, len(events))}
	for _, e := range events {
		te := traceEvent{
			Name:  e.Name,
			TS:    e.Start.UnixMicro(),
			PID:   pid,
			TID:   1,
			Phase: "X",
			Dur:   e.Duration().Microseconds(),
		}
		if e.Start.Equal(e.End) {
			te.Phase = "i"
			te.Dur = 0
			te.Scope = "p"
		}
		out.TraceEvents = append(out.TraceEvents, te)
	}

	enc := json.NewEncoder(w)
	return enc.Encode(out)
}
