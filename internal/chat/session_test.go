package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/websocket"
)

func TestConnect_RejectsUnauthenticated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	f.identity(t, "bob")

	identities := map[string]Identity{
		"anonymous":      {},
		"unknown id":     {ID: uuid.New(), Username: "alice"},
		"username drift": {ID: alice.ID, Username: "mallory"},
	}
	for name, id := range identities {
		t.Run(name, func(t *testing.T) {
			ep := Endpoint{Kind: DirectEndpoint, Target: "alice__bob"}
			require.ErrorIs(t, f.svc.Authorize(ctx, ep, id), ErrUnauthenticated)

			conn := newFakeConn(id.Username)
			_, err := f.svc.Connect(ctx, ep, id, conn)
			require.ErrorIs(t, err, ErrUnauthenticated)
			require.Empty(t, conn.types())
		})
	}

	_, err := f.conversations.GetByName(ctx, "alice__bob")
	require.Error(t, err, "a rejected connection has no side effects")
}

func TestConnect_RejectsInactiveUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	user := &db.User{Username: "dormant", IsActive: false}
	require.NoError(t, f.users.Create(ctx, user))

	id := Identity{ID: user.ID, Username: user.Username}
	err := f.svc.Authorize(ctx, Endpoint{Kind: NotificationsEndpoint}, id)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestConnect_RejectsInvalidTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	f.identity(t, "bob")
	f.identity(t, "carol")

	targets := []Endpoint{
		{Kind: DirectEndpoint, Target: ""},
		{Kind: DirectEndpoint, Target: "undefined"},
		{Kind: DirectEndpoint, Target: "bob__alice"},
		{Kind: DirectEndpoint, Target: "bob__carol"},
		{Kind: DirectEndpoint, Target: "alice__zed"},
		{Kind: GroupEndpoint, Target: "undefined"},
		{Kind: GroupEndpoint, Target: ""},
		{Kind: EndpointKind(99), Target: "x"},
	}
	for _, ep := range targets {
		t.Run(ep.Kind.String()+"/"+ep.Target, func(t *testing.T) {
			require.ErrorIs(t, f.svc.Authorize(ctx, ep, alice), ErrInvalidTarget)

			conn := newFakeConn("alice")
			_, err := f.svc.Connect(ctx, ep, alice, conn)
			require.ErrorIs(t, err, ErrInvalidTarget)
			require.Empty(t, conn.types())
		})
	}
	require.Zero(t, f.hub.ConnectedCount())
}

func TestNotificationFeed(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")

	sess, conn := f.connect(t, NotificationsEndpoint, "", alice)
	req.Equal("alice", sess.Username())
	req.Equal(NotificationsEndpoint, sess.Kind())
	req.True(f.hub.HasOwner(websocket.NotificationGroup("alice"), "alice"))

	send(t, sess, map[string]any{"type": "chat_message", "message": "hi"})
	req.Equal(CodeUnsupportedEvent, conn.last()["code"])

	sess.Disconnect(context.Background())
	req.False(f.hub.HasOwner(websocket.NotificationGroup("alice"), "alice"))
}

func TestSweepPresence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")

	f.connect(t, DirectEndpoint, "alice__bob", alice)
	conv, err := f.conversations.GetByName(ctx, "alice__bob")
	req.NoError(err)

	// A row left behind by a session that never cleaned up.
	req.NoError(f.presence.Join(ctx, conv.ID, bob.ID))

	removed, err := f.svc.SweepPresence(ctx)
	req.NoError(err)
	req.Equal(1, removed)

	online, err := f.presence.ListOnline(ctx, conv.ID)
	req.NoError(err)
	req.Equal([]string{"alice"}, usernames(online))

	req.NoError(f.svc.ResetPresence(ctx))
	online, err = f.presence.ListOnline(ctx, conv.ID)
	req.NoError(err)
	req.Empty(online)
}

func TestSweepPresence_SkipsUserWhoReturned(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	bob := f.identity(t, "bob")

	f.connect(t, DirectEndpoint, "alice__bob", alice)
	conv, err := f.conversations.GetByName(ctx, "alice__bob")
	req.NoError(err)
	req.NoError(f.presence.Join(ctx, conv.ID, bob.ID))

	entries, err := f.presence.ListEntries(ctx)
	req.NoError(err)
	var stale int
	for i, e := range entries {
		if e.Username == "bob" {
			stale = i
		}
	}

	// bob reconnects between the listing and the removal.
	f.connect(t, DirectEndpoint, "alice__bob", bob)

	removed, err := f.svc.presence.sweepOne(ctx, websocket.DirectGroup("alice__bob"), entries[stale])
	req.NoError(err)
	req.False(removed)

	online, err := f.presence.ListOnline(ctx, conv.ID)
	req.NoError(err)
	req.ElementsMatch([]string{"alice", "bob"}, usernames(online))
}

func TestDrain_WaitsForOpenSessions(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	sess, _ := f.connect(t, NotificationsEndpoint, "", alice)

	drained := make(chan error, 1)
	go func() { drained <- f.svc.Drain(context.Background()) }()

	select {
	case err := <-drained:
		req.FailNow("drain returned with a session open", "err: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	sess.Disconnect(context.Background())
	select {
	case err := <-drained:
		req.NoError(err)
	case <-time.After(time.Second):
		req.FailNow("drain did not return after the last session closed")
	}

	_, err := f.svc.Connect(context.Background(), Endpoint{Kind: NotificationsEndpoint}, alice, newFakeConn("alice"))
	req.ErrorIs(err, ErrShuttingDown)
}

func TestDrain_HonoursContext(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)
	alice := f.identity(t, "alice")
	f.connect(t, NotificationsEndpoint, "", alice)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req.ErrorIs(f.svc.Drain(ctx), context.Canceled)
}

func TestKeyedMutex(t *testing.T) {
	var (
		k       keyedMutex
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("alice")
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	require.Empty(t, k.locks)
}
