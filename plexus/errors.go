package plexus

import "errors"

// Channel errors, returned by Channel.Request. Callers should use
// errors.Is/errors.As rather than comparing strings.
var (
	// ErrNotSupported is returned immediately when the transport backing a
	// channel does not support bidirectional requests.
	ErrNotSupported = errors.New("plexus: bidirectional requests not supported on this transport")
	// ErrTimeout is returned when no response arrives before the deadline.
	ErrTimeout = errors.New("plexus: request timed out waiting for response")
	// ErrCancelled is returned when the enclosing subscription is cancelled
	// while a request is outstanding.
	ErrCancelled = errors.New("plexus: request cancelled")
	// ErrUnknownRequest is returned by HandleResponse when the request id
	// has no corresponding pending slot (never registered, already
	// resolved, or expired).
	ErrUnknownRequest = errors.New("plexus: response for unknown or expired request id")
	// ErrChannelClosed indicates the pending slot for a response was
	// already torn down when the response arrived.
	ErrChannelClosed = errors.New("plexus: channel closed")
)

// TypeMismatchError is returned when a response payload cannot be
// deserialized into the expected response type, or carries a different
// discriminant than the one a helper like Confirm/Prompt/Select required.
// Got holds whatever was actually received — the response's Type field, or
// a rendering of its raw payload when unmarshaling itself failed.
type TypeMismatchError struct {
	Expected string
	Got      string
	Err      error
}

func (e *TypeMismatchError) Error() string {
	msg := "plexus: response type mismatch, expected " + e.Expected
	if e.Got != "" {
		msg += ", got " + e.Got
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TypeMismatchError) Unwrap() error { return e.Err }

// DispatchErrorKind enumerates the in-band errors the dispatcher can
// surface for a call, distinct from ChannelError which only applies inside
// an already-running bidirectional request.
type DispatchErrorKind string

const (
	DispatchActivationNotFound DispatchErrorKind = "ActivationNotFound"
	DispatchMethodNotFound     DispatchErrorKind = "MethodNotFound"
	DispatchInvalidParams      DispatchErrorKind = "InvalidParams"
	DispatchExecutionError     DispatchErrorKind = "ExecutionError"
)
