package sessions

import "context"

// MessageHandlerFunction processes one message delivered by a
// SessionHost, identified by the host's own eventID (used as the resume
// cursor for a later ConsumeMessages call).
type MessageHandlerFunction func(ctx context.Context, eventID string, msg []byte) error

// ClientInfo is the transport-reported identity of the connected client,
// captured at session creation for diagnostics and audit logging.
type ClientInfo struct {
	Name    string
	Version string
}

// SessionState is a coarse lifecycle marker used only for structured
// logging; it has no bearing on SessionHost behavior.
type SessionState string

const (
	SessionStatePending SessionState = "pending"
	SessionStateOpen    SessionState = "open"
	SessionStateClosed  SessionState = "closed"
)

// Session is a live connection's identity plus its durable message log.
// Implementations MUST be safe for concurrent use.
type Session interface {
	SessionID() string
	// UserID is the authenticated subject, or "" if the transport is
	// unauthenticated.
	UserID() string
	ClientInfo() ClientInfo

	// WriteMessage appends msg to the session's durable log, waking any
	// active ConsumeMessages call.
	WriteMessage(ctx context.Context, msg []byte) error
	// ConsumeMessages delivers messages in order starting after
	// lastEventID ("" means from the next message published). It blocks
	// until ctx is cancelled or handleMsgFn returns an error.
	ConsumeMessages(ctx context.Context, lastEventID string, handleMsgFn MessageHandlerFunction) error
}
