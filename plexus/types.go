// Package plexus implements the dispatcher, schema registry, stream-event
// envelope, and bidirectional request/response channel that together form
// the core RPC substrate: activations register methods, callers invoke them
// by namespace_method, and every method returns a stream of envelopes that
// may itself carry server-to-client requests.
package plexus

import "encoding/json"

// EventType discriminates the wire envelope carried by every stream event.
type EventType string

const (
	EventTypeData     EventType = "data"
	EventTypeProgress EventType = "progress"
	EventTypeError    EventType = "error"
	EventTypeDone     EventType = "done"
	EventTypeRequest  EventType = "request"
	EventTypeGuidance EventType = "guidance"
)

// Provenance names the call chain that produced an event, outermost caller
// first. The dispatcher creates it at the root of a call; activations that
// re-enter other activations extend it.
type Provenance struct {
	Segments []string `json:"segments"`
}

// NewProvenance builds a Provenance from an ordered list of segments.
func NewProvenance(segments ...string) Provenance {
	cp := make([]string, len(segments))
	copy(cp, segments)
	return Provenance{Segments: cp}
}

// Extend returns a new Provenance with segment appended, leaving the
// receiver untouched.
func (p Provenance) Extend(segment string) Provenance {
	return NewProvenance(append(append([]string{}, p.Segments...), segment)...)
}

// Event is the tagged-union wire envelope shared by every activation and
// every transport. Only the fields relevant to Type are populated.
type Event struct {
	Type       EventType  `json:"type"`
	Provenance Provenance `json:"provenance"`
	PlexusHash string     `json:"plexus_hash,omitempty"`

	// data
	ContentType string          `json:"content_type,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`

	// progress
	Message    string   `json:"message,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`

	// error
	Error       string `json:"error,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// request
	RequestID   string          `json:"request_id,omitempty"`
	RequestData json.RawMessage `json:"request_data,omitempty"`
	TimeoutMS   int64           `json:"timeout_ms,omitempty"`

	// guidance
	ErrorKind             string   `json:"error_kind,omitempty"`
	Action                string   `json:"action,omitempty"`
	GuidanceActivation    string   `json:"activation,omitempty"`
	GuidanceMethod        string   `json:"method,omitempty"`
	AvailableActivations  []string `json:"available_activations,omitempty"`
}

// IsTerminal reports whether the event ends a stream: a Done event, or an
// Error event marked unrecoverable.
func (e Event) IsTerminal() bool {
	if e.Type == EventTypeDone {
		return true
	}
	return e.Type == EventTypeError && !e.Recoverable
}

// DataEvent builds a Data event, marshaling payload to JSON.
func DataEvent(provenance Provenance, contentType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:        EventTypeData,
		Provenance:  provenance,
		ContentType: contentType,
		Data:        raw,
	}, nil
}

// ProgressEvent builds a Progress event. percentage is nil when unknown.
func ProgressEvent(provenance Provenance, message string, percentage *float64) Event {
	return Event{
		Type:       EventTypeProgress,
		Provenance: provenance,
		Message:    message,
		Percentage: percentage,
	}
}

// ErrorEvent builds an Error event.
func ErrorEvent(provenance Provenance, message string, recoverable bool) Event {
	return Event{
		Type:        EventTypeError,
		Provenance:  provenance,
		Error:       message,
		Recoverable: recoverable,
	}
}

// DoneEvent builds a Done event.
func DoneEvent(provenance Provenance) Event {
	return Event{
		Type:       EventTypeDone,
		Provenance: provenance,
	}
}

// RequestEvent builds a Request event carrying a server-to-client question.
func RequestEvent(provenance Provenance, requestID string, requestData any, timeoutMS int64) (Event, error) {
	raw, err := json.Marshal(requestData)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:        EventTypeRequest,
		Provenance:  provenance,
		RequestID:   requestID,
		RequestData: raw,
		TimeoutMS:   timeoutMS,
	}, nil
}

// GuidanceKind enumerates the recognized Guidance.error_kind values.
type GuidanceKind string

const (
	GuidanceActivationNotFound GuidanceKind = "ActivationNotFound"
	GuidanceMethodNotFound     GuidanceKind = "MethodNotFound"
	GuidanceInvalidParams      GuidanceKind = "InvalidParams"
)

// GuidanceEvent builds a Guidance event.
func GuidanceEvent(provenance Provenance, kind GuidanceKind, action string) Event {
	return Event{
		Type:       EventTypeGuidance,
		Provenance: provenance,
		ErrorKind:  string(kind),
		Action:     action,
	}
}
