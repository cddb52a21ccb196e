package sessions

import "context"

var _ Session = (*session)(nil)

type session struct {
	id     string
	userID string
	client ClientInfo

	backend SessionHost
}

func (s *session) SessionID() string      { return s.id }
func (s *session) UserID() string         { return s.userID }
func (s *session) ClientInfo() ClientInfo { return s.client }

func (s *session) ConsumeMessages(ctx context.Context, lastEventID string, handleMsgFn MessageHandlerFunction) error {
	return s.backend.SubscribeSession(ctx, s.id, lastEventID, handleMsgFn)
}

func (s *session) WriteMessage(ctx context.Context, msg []byte) error {
	_, err := s.backend.PublishSession(ctx, s.id, msg)
	return err
}
