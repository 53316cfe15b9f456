package chat

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/notification"
	"github.com/tyyrok/chatcore/internal/repositories"
	"github.com/tyyrok/chatcore/internal/websocket"
)

// fakeConn records every frame it is given, whether sent directly or
// delivered through the hub.
type fakeConn struct {
	owner string

	mu     sync.Mutex
	frames []map[string]any
	kicked bool
}

func newFakeConn(owner string) *fakeConn { return &fakeConn{owner: owner} }

func (c *fakeConn) Owner() string { return c.owner }

func (c *fakeConn) Deliver(payload []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Send(frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.Deliver(payload)
}

func (c *fakeConn) Kick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = true
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		types = append(types, f["type"].(string))
	}
	return types
}

func (c *fakeConn) ofType(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[len(c.frames)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

type fixture struct {
	svc           *Service
	hub           *websocket.Hub
	users         repositories.UserRepository
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	groups        repositories.GroupConversationRepository
	groupMessages repositories.GroupMessageRepository
	presence      repositories.PresenceRepository
}

func newFixture(t *testing.T, adminOnly bool) *fixture {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "chat.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	f := &fixture{
		hub:           websocket.NewHub(zap.NewNop(), nil),
		users:         repositories.NewUserRepository(database),
		conversations: repositories.NewConversationRepository(database),
		messages:      repositories.NewMessageRepository(database),
		groups:        repositories.NewGroupConversationRepository(database),
		groupMessages: repositories.NewGroupMessageRepository(database),
		presence:      repositories.NewPresenceRepository(database),
	}
	router := notification.NewRouter(notification.Config{
		Hub:           f.hub,
		Messages:      f.messages,
		GroupMessages: f.groupMessages,
		Logger:        zap.NewNop(),
	})
	f.svc = NewService(Config{
		Users:          f.users,
		Conversations:  f.conversations,
		Messages:       f.messages,
		Groups:         f.groups,
		GroupMessages:  f.groupMessages,
		Presence:       f.presence,
		Hub:            f.hub,
		Router:         router,
		Logger:         zap.NewNop(),
		GroupAdminOnly: adminOnly,
	})
	return f
}

func (f *fixture) identity(t *testing.T, username string) Identity {
	t.Helper()
	user := &db.User{Username: username, DisplayName: "Display " + username, IsActive: true}
	require.NoError(t, f.users.Create(context.Background(), user))
	return Identity{ID: user.ID, Username: user.Username, DisplayName: user.DisplayName}
}

func (f *fixture) connect(t *testing.T, kind EndpointKind, target string, id Identity) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn(id.Username)
	sess, err := f.svc.Connect(context.Background(), Endpoint{Kind: kind, Target: target}, id, conn)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Disconnect(context.Background()) })
	return sess, conn
}

func (f *fixture) newGroup(t *testing.T, admin Identity) string {
	t.Helper()
	conn := newFakeConn(admin.Username)
	_, err := f.svc.Connect(context.Background(), Endpoint{Kind: GroupEndpoint, Target: NewGroupTarget}, admin, conn)
	require.ErrorIs(t, err, ErrRedirected)
	return conn.last()["url"].(string)
}

func send(t *testing.T, sess *Session, frame map[string]any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, sess.Receive(context.Background(), raw))
}
