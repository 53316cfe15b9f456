package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/db"
)

// handler is the per-endpoint protocol state machine of a session.
type handler interface {
	// name returns the conversation the handler is bound to, for logging.
	name() string

	// connect subscribes, marks presence and replays state to the client.
	connect(ctx context.Context) error

	// handle processes one decoded client event. A *clientError is answered
	// with an error frame; any other error ends the session.
	handle(ctx context.Context, ev Event) error

	// disconnect releases everything connect acquired. It runs on every
	// exit path, including after a partial connect, and must tolerate
	// state that was never acquired.
	disconnect(ctx context.Context)
}

// Session is one live connection bound to exactly one endpoint. Inbound
// events of a session are processed sequentially by its caller.
type Session struct {
	ID uuid.UUID

	kind    EndpointKind
	user    *db.User
	conn    Conn
	svc     *Service
	handler handler
	logger  *zap.Logger

	started bool
	once    sync.Once
}

// Username returns the authenticated username of the session.
func (s *Session) Username() string { return s.user.Username }

// Kind returns the endpoint the session was opened on.
func (s *Session) Kind() EndpointKind { return s.kind }

// Receive decodes and processes one raw client frame. Malformed frames and
// recoverable client mistakes are answered with an error frame and return
// nil. A non-nil error means the session cannot continue and the connection
// should be closed.
func (s *Session) Receive(ctx context.Context, raw []byte) error {
	ev, err := DecodeEvent(raw)
	if err != nil {
		code := CodeInvalidEvent
		if errors.Is(err, ErrUnknownEvent) {
			code = CodeUnknownEvent
		}
		s.svc.metrics.EventReceived("invalid")
		s.logger.Debug("rejected client frame", zap.Error(err))
		return s.sendError(newClientError(code, err.Error()))
	}

	s.svc.metrics.EventReceived(ev.Type())

	err = s.handler.handle(ctx, ev)
	var ce *clientError
	if errors.As(err, &ce) {
		s.logger.Debug("client error", zap.String("event", ev.Type()), zap.String("code", ce.code))
		return s.sendError(ce)
	}
	if err != nil {
		s.logger.Error("event failed", zap.String("event", ev.Type()), zap.Error(err))
		return fmt.Errorf("chat: handle %s: %w", ev.Type(), err)
	}
	return nil
}

// Disconnect releases the session's presence and subscriptions. It is safe
// to call more than once; only the first call has an effect. Pass a context
// that outlives the connection, for example context.WithoutCancel.
func (s *Session) Disconnect(ctx context.Context) {
	s.once.Do(func() {
		if s.handler != nil {
			s.handler.disconnect(ctx)
		}
		s.svc.hub.UnsubscribeAll(s.conn)
		if s.started {
			s.svc.metrics.SessionEnded(s.kind.String())
		}
		s.logger.Info("session ended")
		if s.handler != nil {
			s.svc.live.Done()
		}
	})
}

func (s *Session) send(frame any) error {
	return s.conn.Send(frame)
}

func (s *Session) sendError(ce *clientError) error {
	return s.send(ErrorFrame{Type: TypeError, Code: ce.code, Message: ce.message})
}
