package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/repositories"
	"github.com/tyyrok/chatcore/internal/websocket"
)

// Tracker maintains the online set of every conversation entity. A user is
// present while at least one of their connections is subscribed to the
// conversation's broadcast group. The set lives in storage and is read fresh
// on every connect; nothing is cached.
//
// Subscription changes and the matching storage writes for one user in one
// group happen under the same lock, so a tab closing never erases a tab
// that is opening, and the sweep never erases a user who just arrived.
type Tracker struct {
	repo   repositories.PresenceRepository
	hub    *websocket.Hub
	logger *zap.Logger
	locks  keyedMutex
}

// NewTracker creates a Tracker on top of repo and hub.
func NewTracker(repo repositories.PresenceRepository, hub *websocket.Hub, logger *zap.Logger) *Tracker {
	return &Tracker{repo: repo, hub: hub, logger: logger.Named("presence")}
}

func (t *Tracker) lock(key websocket.GroupKey, username string) func() {
	return t.locks.lock(key.String() + "|" + username)
}

// Enter subscribes conn to key and marks its owner present in the
// conversation. It returns who was present before the owner joined.
func (t *Tracker) Enter(ctx context.Context, key websocket.GroupKey, conn websocket.Subscriber, conversationID uuid.UUID, user *db.User) ([]db.User, error) {
	unlock := t.lock(key, user.Username)
	defer unlock()

	t.hub.Subscribe(conn, key)

	online, err := t.repo.ListOnline(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := t.repo.Join(ctx, conversationID, user.ID); err != nil {
		return nil, err
	}
	return online, nil
}

// Exit unsubscribes conn from key. The owner stays present while another of
// their connections is still subscribed; Exit reports whether this was the
// last one and the owner is now gone.
func (t *Tracker) Exit(ctx context.Context, key websocket.GroupKey, conn websocket.Subscriber, conversationID uuid.UUID, user *db.User) (bool, error) {
	unlock := t.lock(key, user.Username)
	defer unlock()

	t.hub.Unsubscribe(conn, key)
	if t.hub.HasOwner(key, user.Username) {
		return false, nil
	}
	return true, t.repo.Leave(ctx, conversationID, user.ID)
}

// Evict drops every connection of user from key and marks them absent.
func (t *Tracker) Evict(ctx context.Context, key websocket.GroupKey, conversationID uuid.UUID, user *db.User) error {
	unlock := t.lock(key, user.Username)
	defer unlock()

	n := t.hub.UnsubscribeOwner(key, user.Username)
	t.logger.Debug("evicted", zap.String("group", key.String()), zap.String("username", user.Username), zap.Int("connections", n))
	return t.repo.Leave(ctx, conversationID, user.ID)
}

// Online returns the users currently present in the conversation.
func (t *Tracker) Online(ctx context.Context, conversationID uuid.UUID) ([]db.User, error) {
	return t.repo.ListOnline(ctx, conversationID)
}

// Reset forgets every presence row. This process hosts every session, so
// rows surviving a restart are stale by definition.
func (t *Tracker) Reset(ctx context.Context) error {
	return t.repo.Clear(ctx)
}

// Sweep removes presence rows whose user has no live subscriber on the
// conversation's broadcast group, and returns how many were removed. Rows
// are left behind when a process dies without running session cleanup.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	entries, err := t.repo.ListEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("presence: sweep: %w", err)
	}

	removed := 0
	for _, e := range entries {
		var key websocket.GroupKey
		switch {
		case e.DirectName != "":
			key = websocket.DirectGroup(e.DirectName)
		case e.GroupName != "":
			key = websocket.ConversationGroup(e.GroupName)
		}

		ok, err := t.sweepOne(ctx, key, e)
		if err != nil {
			return removed, fmt.Errorf("presence: sweep: %w", err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// sweepOne re-checks liveness under the user's lock, since the listing may
// be stale by the time the entry is reached.
func (t *Tracker) sweepOne(ctx context.Context, key websocket.GroupKey, e repositories.PresenceEntry) (bool, error) {
	unlock := t.lock(key, e.Username)
	defer unlock()

	if key.Name != "" && t.hub.HasOwner(key, e.Username) {
		return false, nil
	}
	if err := t.repo.Leave(ctx, e.ConversationID, e.UserID); err != nil {
		return false, err
	}
	t.logger.Debug("removed stale presence",
		zap.String("username", e.Username),
		zap.String("conversation_id", e.ConversationID.String()),
	)
	return true, nil
}
