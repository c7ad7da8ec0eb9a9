// Package diag implements the structured, recoverable-error metrics
// events required by spec §7: "Nothing except the two fatals
// terminates the process. All others are recovered locally and
// surfaced as structured metrics events." Grounded on the teacher's
// featurebits telemetry pattern of emitting greppable, line-oriented
// diagnostic records rather than freeform log text.
package diag

import (
	"fmt"
	"io"
	"sync"
	"time"

	"meshfabric.dev/core/ferrors"
)

// Event is one recovered-error or milestone record. Kind reuses
// ferrors.Kind so the same closed set of §7 error kinds drives both
// error handling and diagnostics.
type Event struct {
	Time   time.Time
	Kind   ferrors.Kind
	Cycle  uint64
	Detail string
}

// Sink receives Events. Implementations must be safe for concurrent
// use; the aggregator's single-threaded event loop is the only writer
// in practice, but tests spawn workers concurrently.
type Sink interface {
	Emit(Event)
}

// WriterSink writes one line per event to w, matching the teacher's
// structured-line style (`cmd/rubin-node`'s telemetry output):
// no timestamps library, no JSON — a fixed, greppable field order.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w (typically os.Stderr) as a Sink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "diag kind=%s cycle=%d time=%s detail=%q\n",
		e.Kind, e.Cycle, e.Time.Format(time.RFC3339Nano), e.Detail)
}

// MemorySink retains events in memory for later inspection (the
// worker tests use it); the aggregator's degraded/halt escalation
// keeps its own counter and does not read it.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of all retained events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// CountKind returns how many retained events match kind.
func (s *MemorySink) CountKind(k ferrors.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}
