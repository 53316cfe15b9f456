// Package chat implements the session layer of the chat server: it accepts
// an authenticated connection, binds it to one conversation, one group
// conversation or the caller's notification feed, and processes the client
// events of that session.
//
// Sessions never talk to each other directly. Everything one session wants
// another to see goes through the broadcast hub, and everything that must
// survive the session goes through storage.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/metrics"
	"github.com/tyyrok/chatcore/internal/notification"
	"github.com/tyyrok/chatcore/internal/repositories"
	"github.com/tyyrok/chatcore/internal/websocket"
)

// maxNameAttempts bounds how many sequence numbers group creation tries
// before giving up.
const maxNameAttempts = 16

// EndpointKind selects the session handler.
type EndpointKind int

const (
	DirectEndpoint EndpointKind = iota + 1
	GroupEndpoint
	NotificationsEndpoint
)

func (k EndpointKind) String() string {
	switch k {
	case DirectEndpoint:
		return "direct"
	case GroupEndpoint:
		return "group"
	case NotificationsEndpoint:
		return "notifications"
	default:
		return fmt.Sprintf("endpoint(%d)", int(k))
	}
}

// Endpoint is what a connection asks to be attached to. Target is the
// conversation name, the group name or NewGroupTarget; it is ignored for the
// notification feed.
type Endpoint struct {
	Kind   EndpointKind
	Target string
}

// Identity is the authenticated caller, as established by the auth
// middleware.
type Identity struct {
	ID          uuid.UUID
	Username    string
	DisplayName string
}

// Conn is the outbound side of one connection.
type Conn interface {
	websocket.Subscriber

	// Send queues frame for this connection only.
	Send(frame any) error
}

// Config holds the dependencies required to build a Service.
type Config struct {
	Users         repositories.UserRepository
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Groups        repositories.GroupConversationRepository
	GroupMessages repositories.GroupMessageRepository
	Presence      repositories.PresenceRepository
	Hub           *websocket.Hub
	Router        *notification.Router
	Metrics       *metrics.Metrics
	Logger        *zap.Logger

	// GroupAdminOnly restricts add_member and remove_member to the group
	// admin. When false any member may change the member set.
	GroupAdminOnly bool
}

// Service creates sessions. It is safe for concurrent use.
type Service struct {
	users         repositories.UserRepository
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	groups        repositories.GroupConversationRepository
	groupMessages repositories.GroupMessageRepository
	presence      *Tracker
	hub           *websocket.Hub
	router        *notification.Router
	metrics       *metrics.Metrics
	logger        *zap.Logger

	groupAdminOnly bool

	// creators serializes "new" group creation per creator so two tabs
	// asking at once get consecutive names.
	creators keyedMutex

	// live counts sessions between resolve and Disconnect. closing is set by
	// Drain; no session is added once it is true.
	mu      sync.Mutex
	closing bool
	live    sync.WaitGroup
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger.Named("chat")
	return &Service{
		users:          cfg.Users,
		conversations:  cfg.Conversations,
		messages:       cfg.Messages,
		groups:         cfg.Groups,
		groupMessages:  cfg.GroupMessages,
		presence:       NewTracker(cfg.Presence, cfg.Hub, logger),
		hub:            cfg.Hub,
		router:         cfg.Router,
		metrics:        cfg.Metrics,
		logger:         logger,
		groupAdminOnly: cfg.GroupAdminOnly,
	}
}

// ResetPresence clears all presence state. Call it once at startup.
func (s *Service) ResetPresence(ctx context.Context) error {
	return s.presence.Reset(ctx)
}

// SweepPresence drops presence rows that have no live session behind them.
func (s *Service) SweepPresence(ctx context.Context) (int, error) {
	return s.presence.Sweep(ctx)
}

// Authorize runs every check Connect runs, without side effects, so callers
// can refuse a connection before accepting it.
func (s *Service) Authorize(ctx context.Context, ep Endpoint, id Identity) error {
	user, err := s.authenticate(ctx, id)
	if err != nil {
		return err
	}

	switch ep.Kind {
	case DirectEndpoint:
		_, err := s.directPeer(ctx, user, ep.Target)
		return err
	case GroupEndpoint:
		if err := validTarget(ep.Target); err != nil {
			return err
		}
		if ep.Target == NewGroupTarget {
			return nil
		}
		group, err := s.groups.GetByName(ctx, ep.Target)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.requireMember(ctx, group, user)
	case NotificationsEndpoint:
		return nil
	default:
		return fmt.Errorf("%w: unknown endpoint %s", ErrInvalidTarget, ep.Kind)
	}
}

// Connect authenticates the caller, resolves the endpoint and runs the
// handler's connect sequence. On success the returned session must be
// disconnected exactly once when the connection ends.
//
// When a new group is requested Connect creates it, queues a redirect frame
// on conn and returns ErrRedirected; the caller closes the connection.
func (s *Service) Connect(ctx context.Context, ep Endpoint, id Identity, conn Conn) (*Session, error) {
	user, err := s.authenticate(ctx, id)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:   uuid.New(),
		kind: ep.Kind,
		user: user,
		conn: conn,
		svc:  s,
	}
	sess.logger = s.logger.With(
		zap.String("session_id", sess.ID.String()),
		zap.String("username", user.Username),
		zap.String("endpoint", ep.Kind.String()),
	)

	if !s.track() {
		return nil, ErrShuttingDown
	}
	h, err := s.resolve(ctx, sess, ep)
	if err != nil {
		s.live.Done()
		if errors.Is(err, ErrRedirected) {
			sess.logger.Info("session redirected")
		}
		return nil, err
	}
	// From here on Disconnect releases the tracking slot.
	sess.handler = h

	if err := h.connect(ctx); err != nil {
		sess.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("chat: connect %s: %w", ep.Kind, err)
	}

	sess.started = true
	s.metrics.SessionStarted(ep.Kind.String())
	sess.logger.Info("session started", zap.String("conversation", h.name()))
	return sess, nil
}

// Drain refuses new sessions and waits until every open session has been
// disconnected, or ctx is done. Storage must stay open until it returns.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.live.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chat: drain: %w", ctx.Err())
	}
}

func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.live.Add(1)
	return true
}

func (s *Service) authenticate(ctx context.Context, id Identity) (*db.User, error) {
	if id.ID == uuid.Nil || id.Username == "" {
		return nil, ErrUnauthenticated
	}
	user, err := s.users.GetByID(ctx, id.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("chat: authenticate: %w", err)
	}
	if !user.IsActive || user.Username != id.Username {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

func (s *Service) resolve(ctx context.Context, sess *Session, ep Endpoint) (handler, error) {
	switch ep.Kind {
	case DirectEndpoint:
		return s.resolveDirect(ctx, sess, ep.Target)
	case GroupEndpoint:
		return s.resolveGroup(ctx, sess, ep.Target)
	case NotificationsEndpoint:
		return &notificationFeed{sess: sess, key: s.router.Group(sess.user.Username)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown endpoint %s", ErrInvalidTarget, ep.Kind)
	}
}

// directPeer validates a 1:1 target and loads the other participant.
func (s *Service) directPeer(ctx context.Context, user *db.User, target string) (*db.User, error) {
	if err := validTarget(target); err != nil {
		return nil, err
	}
	peerName, err := ParseDirectName(target, user.Username)
	if err != nil {
		return nil, err
	}
	peer, err := s.users.GetByUsername(ctx, peerName)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %q does not exist", ErrInvalidTarget, peerName)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load peer: %w", err)
	}
	return peer, nil
}

func (s *Service) resolveDirect(ctx context.Context, sess *Session, target string) (handler, error) {
	peer, err := s.directPeer(ctx, sess.user, target)
	if err != nil {
		return nil, err
	}
	conv, created, err := s.conversations.GetOrCreate(ctx, newDirectConversation(sess.user, peer))
	if err != nil {
		return nil, err
	}
	return &directChat{
		sess:    sess,
		conv:    conv,
		peer:    peer,
		created: created,
		key:     websocket.DirectGroup(conv.Name),
	}, nil
}

func (s *Service) resolveGroup(ctx context.Context, sess *Session, target string) (handler, error) {
	if err := validTarget(target); err != nil {
		return nil, err
	}

	if target == NewGroupTarget {
		group, err := s.createGroup(ctx, sess.user)
		if err != nil {
			return nil, err
		}
		if err := sess.conn.Send(RedirectFrame{Type: TypeRedirect, URL: group.Name}); err != nil {
			return nil, fmt.Errorf("chat: send redirect: %w", err)
		}
		return nil, ErrRedirected
	}

	group, err := s.groups.GetByName(ctx, target)
	if errors.Is(err, repositories.ErrNotFound) {
		group = &db.GroupConversation{Name: target, AdminID: sess.user.ID}
		err = s.groups.Create(ctx, group)
		if errors.Is(err, repositories.ErrConflict) {
			group, err = s.groups.GetByName(ctx, target)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, group, sess.user); err != nil {
		return nil, err
	}
	return &groupChat{
		sess:  sess,
		group: group,
		key:   websocket.ConversationGroup(group.Name),
	}, nil
}

func (s *Service) requireMember(ctx context.Context, group *db.GroupConversation, user *db.User) error {
	ok, err := s.groups.IsMember(ctx, group.ID, user.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q is not a member of %q", ErrNotMember, user.Username, group.Name)
	}
	return nil
}

// createGroup allocates the creator's next sequential group name. Creation
// is serialized per creator, and numbers already taken (for example by a
// group created under an explicit name) are skipped.
func (s *Service) createGroup(ctx context.Context, creator *db.User) (*db.GroupConversation, error) {
	unlock := s.creators.lock(creator.Username)
	defer unlock()

	count, err := s.groups.CountByAdmin(ctx, creator.ID)
	if err != nil {
		return nil, err
	}
	for n := count + 1; n <= count+maxNameAttempts; n++ {
		group := &db.GroupConversation{Name: groupName(creator.Username, n), AdminID: creator.ID}
		err := s.groups.Create(ctx, group)
		if err == nil {
			s.logger.Info("group created",
				zap.String("group", group.Name),
				zap.String("admin", creator.Username),
			)
			return group, nil
		}
		if !errors.Is(err, repositories.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("chat: no free group name for %q after %d attempts", creator.Username, maxNameAttempts)
}

// userIndex loads the given users keyed by ID.
func (s *Service) userIndex(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]db.User, error) {
	users, err := s.users.ListByIDs(ctx, lo.Uniq(ids))
	if err != nil {
		return nil, err
	}
	return lo.KeyBy(users, func(u db.User) uuid.UUID { return u.ID }), nil
}

func (s *Service) publish(key websocket.GroupKey, frame any) error {
	_, err := s.hub.Publish(key, frame)
	return err
}

func usernames(users []db.User) []string {
	return lo.Map(users, func(u db.User, _ int) string { return u.Username })
}
