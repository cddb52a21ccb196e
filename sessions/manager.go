package sessions

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SessionOption configures a session at creation time.
type SessionOption func(*session)

// WithClientInfo records the transport-reported client identity.
func WithClientInfo(ci ClientInfo) SessionOption {
	return func(s *session) { s.client = ci }
}

// SessionManager creates and resumes sessions backed by a SessionHost.
type SessionManager interface {
	CreateSession(ctx context.Context, userID string, opts ...SessionOption) (Session, error)
	// LoadSession resumes a previously created session by id. userID is
	// taken as given: it is not checked against the session's original
	// owner, and an unknown session id is not rejected.
	LoadSession(ctx context.Context, sessionID string, userID string) (Session, error)
}

var _ SessionManager = (*sessionManager)(nil)

type sessionManager struct {
	host SessionHost
}

// NewManager builds a SessionManager backed by host.
func NewManager(host SessionHost) SessionManager {
	return &sessionManager{host: host}
}

func (sm *sessionManager) CreateSession(ctx context.Context, userID string, opts ...SessionOption) (Session, error) {
	s := &session{
		id:      uuid.NewString(),
		userID:  userID,
		backend: sm.host,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (sm *sessionManager) LoadSession(ctx context.Context, sessionID string, userID string) (Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessions: session id required")
	}
	return &session{id: sessionID, userID: userID, backend: sm.host}, nil
}
