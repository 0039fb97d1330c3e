// Package trace emits the simulator's event stream as a JSON array, with an
// optional secondary sink for persistence.
package trace

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/rendis/agentsim/pkg/schema"
)

// Sink receives every emitted event in addition to the JSON stream.
type Sink interface {
	Append(ev schema.TraceEvent) error
}

// Writer serializes trace events to a JSON array. Safe for concurrent use.
// A nil *Writer discards all events.
type Writer struct {
	mu     sync.Mutex
	out    io.Writer
	first  bool
	sink   Sink
	logger *slog.Logger
}

// NewWriter starts the JSON array on out.
func NewWriter(out io.Writer, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{out: out, first: true, logger: logger}
	_, _ = io.WriteString(out, "[\n")
	return w
}

// SetSink attaches a secondary event sink.
func (w *Writer) SetSink(s Sink) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = s
}

// Emit appends one event. tMs is simulated milliseconds.
func (w *Writer) Emit(ev string, tMs float64, wf schema.WorkflowID, node schema.NodeID, extra string) {
	if w == nil {
		return
	}
	event := schema.TraceEvent{Ev: ev, TMs: tMs, Wf: wf, Node: node, Extra: extra}
	raw, err := json.Marshal(event)
	if err != nil {
		w.logger.Warn("trace: marshal event", "err", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.first {
		_, _ = io.WriteString(w.out, ",\n")
	}
	w.first = false
	_, _ = io.WriteString(w.out, "  ")
	_, _ = w.out.Write(raw)
	if w.sink != nil {
		if err := w.sink.Append(event); err != nil {
			w.logger.Warn("trace: sink append", "err", err)
		}
	}
}

// Close terminates the JSON array.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = io.WriteString(w.out, "\n]\n")
}
