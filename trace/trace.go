// Package trace records execution timelines of graph evaluations in
// the Chrome trace event format, viewable in chrome://tracing or
// Perfetto.
//
// A timeline holds one complete ("X") event for each stage of an
// evaluation: binding the batch, running the machine and fetching the
// result. The tape machine runs its whole program in one call, so
// individual ops are not timed; each node of the compiled sub-graph is
// recorded as an instant ("i") event after the run, carrying its op,
// shape and device.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samuelfneumann/energy"
)

// Kinds of evaluation a timeline can describe
const (
	KindEnergy = "energy"
	KindGrad   = "grad"
)

// Event is a single Chrome trace event. Timestamps and durations are
// in microseconds.
type Event struct {
	Name      string         `json:"name"`
	Category  string         `json:"cat,omitempty"`
	Phase     string         `json:"ph"`
	Timestamp float64        `json:"ts"`
	Duration  float64        `json:"dur,omitempty"`
	PID       int            `json:"pid"`
	TID       int            `json:"tid"`
	Args      map[string]any `json:"args,omitempty"`
}

// Timeline is a complete trace file
type Timeline struct {
	TraceEvents     []Event        `json:"traceEvents"`
	DisplayTimeUnit string         `json:"displayTimeUnit"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Recorder collects the spans of one evaluation. A Recorder is not
// safe for concurrent use.
type Recorder struct {
	start  time.Time
	events []Event
	meta   map[string]any
}

// NewRecorder returns a Recorder whose single process is named after
// the device the evaluation runs on
func NewRecorder(device string, meta map[string]any) *Recorder {
	r := &Recorder{
		start: time.Now(),
		meta:  meta,
	}
	r.events = append(r.events, Event{
		Name:  "process_name",
		Phase: "M",
		Args:  map[string]any{"name": device + " Compute"},
	})

	return r
}

// Span starts a complete event and returns the function which ends it
func (r *Recorder) Span(name, category string, args map[string]any) func() {
	begin := time.Now()
	return func() {
		end := time.Now()
		r.events = append(r.events, Event{
			Name:      name,
			Category:  category,
			Phase:     "X",
			Timestamp: micros(begin.Sub(r.start)),
			Duration:  micros(end.Sub(begin)),
			Args:      args,
		})
	}
}

// Instant records an event with no duration
func (r *Recorder) Instant(name, category string, args map[string]any) {
	r.events = append(r.events, Event{
		Name:      name,
		Category:  category,
		Phase:     "i",
		Timestamp: micros(time.Since(r.start)),
		Args:      args,
	})
}

// Timeline returns the recorded events
func (r *Recorder) Timeline() Timeline {
	events := make([]Event, len(r.events))
	copy(events, r.events)

	return Timeline{
		TraceEvents:     events,
		DisplayTimeUnit: "ns",
		Metadata:        r.meta,
	}
}

func micros(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e3
}

// Path returns the trace path of an evaluation of the named model:
//
//		<dir>/tf_<name>_<kind>_timeline_<unix seconds>.json
//
// Path separators in name are replaced so the trace stays in dir.
func Path(dir, name, kind string, t time.Time) string {
	name = strings.NewReplacer("/", "_", string(os.PathSeparator), "_").
		Replace(name)
	file := fmt.Sprintf("tf_%v_%v_timeline_%v.json", name, kind,
		energy.Timestamp(t))

	return filepath.Join(dir, file)
}

// WriteError reports a trace which could not be written. The
// evaluation that produced the trace completed successfully.
type WriteError struct {
	Path string
	Err  error
}

func (w *WriteError) Error() string {
	return fmt.Sprintf("write trace %v: %v", w.Path, w.Err)
}

func (w *WriteError) Unwrap() error { return w.Err }

// Write writes tl to path as JSON, creating the parent directory if
// needed. Any failure is returned as a *WriteError.
func Write(path string, tl Timeline) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &WriteError{Path: path, Err: err}
	}

	b, err := json.Marshal(tl)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}

	if err := os.WriteFile(path, b, 0o644); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}
