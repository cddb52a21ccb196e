package sessions

import (
	"context"
	"errors"
	"time"
)

// Awaiter provides a one-shot receive for a specific (sessionID,
// correlationID) tuple representing the outcome of a single in-flight
// bidirectional request. Only one awaiter may be registered per key at a
// time. It exists so a request originated on one instance of a
// distributed deployment can be fulfilled by whichever instance holds
// the client's socket when the response arrives.
//
// Implementations MUST ensure BeginAwait happens-before the
// corresponding outbound request is sent, so a Fulfill call from a peer
// instance cannot race ahead of the waiter's registration.
type Awaiter interface {
	Recv(ctx context.Context) ([]byte, error)
	Cancel(ctx context.Context) error
}

var (
	// ErrAwaitExists indicates there is already a waiter for the key.
	ErrAwaitExists = errors.New("await already registered")
	// ErrAwaitCanceled is returned from Recv when the await was canceled.
	ErrAwaitCanceled = errors.New("await canceled")
)

// SessionHost is the storage/transport backend the sessions package
// needs: an ordered, resumable per-session message log, and a
// distributed rendezvous for correlating a bidirectional request with
// its eventual response across instances. In-memory and Redis
// implementations are provided.
type SessionHost interface {
	// Messaging — ordered per session ID, resumable via lastEventID.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
	CleanupSession(ctx context.Context, sessionID string) error

	// Rendezvous — single-consumer, drop-if-nobody-cares delivery.
	//
	// BeginAwait registers a waiter for a correlationID under a session,
	// with a TTL for automatic cleanup. Exactly one waiter may exist for
	// a given key.
	BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (Awaiter, error)
	// Fulfill delivers a response to a registered waiter, returning true
	// if a waiter received it. If there is no waiter (expired, canceled,
	// never created) it returns false without error.
	Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (delivered bool, err error)
}
