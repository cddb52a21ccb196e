package plexus

import (
	"context"
	"sync/atomic"
)

// Sink is the single point through which a method handler emits events. It
// is shared with the handler's Channel so that Request events interleave
// with Data/Progress events in the exact order the handler produces them --
// there is only one underlying Go channel, so ordering falls out of Go's
// channel semantics rather than needing a separate merge step.
type Sink struct {
	out        chan Event
	provenance Provenance
	schemaHash string
	terminated atomic.Bool
}

func newSink(out chan Event, provenance Provenance, schemaHash string) *Sink {
	return &Sink{out: out, provenance: provenance, schemaHash: schemaHash}
}

// Provenance returns the call-chain segments for this invocation.
func (s *Sink) Provenance() Provenance { return s.provenance }

func (s *Sink) emit(ctx context.Context, ev Event) {
	if s.terminated.Load() {
		return
	}
	ev.PlexusHash = s.schemaHash
	if ev.IsTerminal() {
		s.terminated.Store(true)
	}
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

// Data emits a Data event, marshaling payload. A marshal error is reported
// as an unrecoverable Error event rather than panicking the handler
// goroutine.
func (s *Sink) Data(ctx context.Context, contentType string, payload any) {
	ev, err := DataEvent(s.provenance, contentType, payload)
	if err != nil {
		s.Error(ctx, err.Error(), false)
		return
	}
	s.emit(ctx, ev)
}

// Progress emits a Progress event.
func (s *Sink) Progress(ctx context.Context, message string, percentage *float64) {
	s.emit(ctx, ProgressEvent(s.provenance, message, percentage))
}

// Error emits an Error event. recoverable=false marks the stream
// terminated; no further events are accepted after this call.
func (s *Sink) Error(ctx context.Context, message string, recoverable bool) {
	s.emit(ctx, ErrorEvent(s.provenance, message, recoverable))
}

// Done emits the terminal Done event.
func (s *Sink) Done(ctx context.Context) {
	s.emit(ctx, DoneEvent(s.provenance))
}

// Guidance emits a structured recovery hint. Guidance precedes the Error
// event it explains.
func (s *Sink) Guidance(ctx context.Context, kind GuidanceKind, action string) {
	s.emit(ctx, GuidanceEvent(s.provenance, kind, action))
}

// Forward relays every event from an already-built channel (e.g. the
// output of WrapStream/WrapStreamWithDone) into the sink, preserving
// order. Used by handlers that model their domain logic as a plain typed
// channel and only need the bidirectional channel for occasional
// mid-stream questions.
func (s *Sink) Forward(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.emit(ctx, ev)
		}
	}
}
