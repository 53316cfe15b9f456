// Package notification routes cross-conversation events to a user's private
// notification group. Every connected surface of a user (one notification
// session per browser tab) is subscribed to the same identity-derived group,
// so each of them receives every event published here.
package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/repositories"
	"github.com/tyyrok/chatcore/internal/websocket"
)

// Publisher is the subset of the broadcast hub the router needs.
type Publisher interface {
	Publish(key websocket.GroupKey, frame any) (int, error)
}

// Recipient identifies the user a notification is addressed to.
type Recipient struct {
	ID       uuid.UUID
	Username string
}

// Router publishes notification frames. It keeps no state of its own; unread
// counts are always read fresh from storage.
type Router struct {
	hub           Publisher
	messages      repositories.MessageRepository
	groupMessages repositories.GroupMessageRepository
	logger        *zap.Logger
}

// Config holds the dependencies required to build a Router.
type Config struct {
	Hub           Publisher
	Messages      repositories.MessageRepository
	GroupMessages repositories.GroupMessageRepository
	Logger        *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(cfg Config) *Router {
	return &Router{
		hub:           cfg.Hub,
		messages:      cfg.Messages,
		groupMessages: cfg.GroupMessages,
		logger:        cfg.Logger.Named("notification"),
	}
}

// Group returns the private notification group of username.
func (r *Router) Group(username string) websocket.GroupKey {
	return websocket.NotificationGroup(username)
}

// Publish sends frame to username's notification group. Having no connected
// surface is not an error.
func (r *Router) Publish(username string, frame any) error {
	n, err := r.hub.Publish(r.Group(username), frame)
	if err != nil {
		return fmt.Errorf("notification: publish: %w", err)
	}
	r.logger.Debug("notification published",
		zap.String("username", username),
		zap.Int("receivers", n),
	)
	return nil
}

// NewMessage tells recipient that sender wrote them a 1:1 message.
func (r *Router) NewMessage(recipient, sender string, message any) error {
	return r.Publish(recipient, NewMessageFrame{
		Type:    TypeNewMessage,
		Name:    sender,
		Message: message,
	})
}

// NewGroupMessage tells every recipient that actor posted a group message. A
// failure for one recipient does not stop delivery to the others.
func (r *Router) NewGroupMessage(recipients []string, actor string, message any) error {
	frame := NewMessageFrame{
		Type:    TypeNewGroupMessage,
		Name:    actor,
		Message: message,
	}
	var firstErr error
	for _, username := range recipients {
		if err := r.Publish(username, frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UnreadCountFrame computes the recipient's unread 1:1 message count across
// all conversations.
func (r *Router) UnreadCountFrame(ctx context.Context, to Recipient) (UnreadCountFrame, error) {
	count, err := r.messages.CountUnread(ctx, to.ID)
	if err != nil {
		return UnreadCountFrame{}, fmt.Errorf("notification: unread count: %w", err)
	}
	return UnreadCountFrame{Type: TypeUnreadCount, UnreadCount: count}, nil
}

// UnreadGroupCountFrame computes the recipient's unread group message count
// across all groups they belong to.
func (r *Router) UnreadGroupCountFrame(ctx context.Context, to Recipient) (UnreadGroupCountFrame, error) {
	count, err := r.groupMessages.CountUnread(ctx, to.ID)
	if err != nil {
		return UnreadGroupCountFrame{}, fmt.Errorf("notification: unread group count: %w", err)
	}
	return UnreadGroupCountFrame{Type: TypeUnreadGroupCount, UnreadGroupCount: count}, nil
}

// UnreadCount publishes the recipient's unread 1:1 count to every surface
// they have open.
func (r *Router) UnreadCount(ctx context.Context, to Recipient) error {
	frame, err := r.UnreadCountFrame(ctx, to)
	if err != nil {
		return err
	}
	return r.Publish(to.Username, frame)
}

// UnreadGroupCount publishes the recipient's unread group count to every
// surface they have open.
func (r *Router) UnreadGroupCount(ctx context.Context, to Recipient) error {
	frame, err := r.UnreadGroupCountFrame(ctx, to)
	if err != nil {
		return err
	}
	return r.Publish(to.Username, frame)
}
