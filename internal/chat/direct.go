package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/notification"
	"github.com/tyyrok/chatcore/internal/repositories"
	"github.com/tyyrok/chatcore/internal/websocket"
)

// directChat handles a session bound to a 1:1 conversation.
type directChat struct {
	sess    *Session
	conv    *db.Conversation
	peer    *db.User
	created bool
	key     websocket.GroupKey

	// announced is set once user_join went out, so user_leave is only sent
	// for arrivals the peer could have seen.
	announced bool
}

func (c *directChat) name() string { return c.conv.Name }

func (c *directChat) connect(ctx context.Context) error {
	svc, me := c.sess.svc, c.sess.user

	// The snapshot is taken before joining, so the list shows who was
	// already here.
	online, err := svc.presence.Enter(ctx, c.key, c.sess.conn, c.conv.ID, me)
	if err != nil {
		return err
	}

	if c.created {
		if err := c.sess.send(WelcomeFrame{Type: TypeWelcome, Message: welcomeMessage}); err != nil {
			return err
		}
	}
	if err := c.sess.send(OnlineUserListFrame{Type: TypeOnlineUserList, Users: usernames(online)}); err != nil {
		return err
	}

	msgs, total, err := svc.messages.ListByConversation(ctx, c.conv.ID, repositories.ListOptions{Limit: historyLimit})
	if err != nil {
		return err
	}
	users := c.participants()
	history := HistoryFrame{
		Type:     TypeLastMessages,
		Messages: lo.Map(msgs, func(m db.Message, _ int) MessageView { return NewMessageView(m, users) }),
		HasMore:  total > historyLimit,
	}
	if err := c.sess.send(history); err != nil {
		return err
	}

	if err := svc.publish(c.key, PresenceFrame{Type: TypeUserJoin, User: me.Username}); err != nil {
		return err
	}
	c.announced = true
	return nil
}

func (c *directChat) handle(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case *ChatMessage:
		return c.chatMessage(ctx, ev)
	case *Typing:
		return c.sess.svc.publish(c.key, TypingFrame{
			Type:   TypeTyping,
			User:   c.sess.user.Username,
			Typing: *ev.Typing,
		})
	case *ReadMessages:
		return c.readMessages(ctx)
	default:
		return newClientError(CodeUnsupportedEvent, fmt.Sprintf("%s is not supported in a 1:1 conversation", ev.Type()))
	}
}

// chatMessage stores the message, echoes it to the conversation and notifies
// the recipient wherever they are connected.
func (c *directChat) chatMessage(ctx context.Context, ev *ChatMessage) error {
	svc, me := c.sess.svc, c.sess.user

	msg := &db.Message{
		ConversationID: c.conv.ID,
		FromUserID:     me.ID,
		ToUserID:       c.peer.ID,
		Content:        ev.Message,
	}
	if err := svc.messages.Create(ctx, msg); err != nil {
		return err
	}

	view := NewMessageView(*msg, c.participants())
	if err := svc.publish(c.key, EchoFrame{Type: TypeChatMessageEcho, Username: me.Username, Message: view}); err != nil {
		return err
	}
	return svc.router.NewMessage(c.peer.Username, me.Username, view)
}

// readMessages marks everything addressed to the caller here as read and
// refreshes the caller's global unread count on all their surfaces.
func (c *directChat) readMessages(ctx context.Context) error {
	svc, me := c.sess.svc, c.sess.user

	n, err := svc.messages.MarkReadForRecipient(ctx, c.conv.ID, me.ID)
	if err != nil {
		return err
	}
	c.sess.logger.Debug("messages read", zap.Int64("count", n))
	return svc.router.UnreadCount(ctx, notification.Recipient{ID: me.ID, Username: me.Username})
}

func (c *directChat) disconnect(ctx context.Context) {
	svc, me := c.sess.svc, c.sess.user

	gone, err := svc.presence.Exit(ctx, c.key, c.sess.conn, c.conv.ID, me)
	if err != nil {
		c.sess.logger.Warn("presence leave failed", zap.Error(err))
	}
	// Another tab of the same user keeps them in the conversation.
	if gone && c.announced {
		if err := svc.publish(c.key, PresenceFrame{Type: TypeUserLeave, User: me.Username}); err != nil {
			c.sess.logger.Warn("announce leave failed", zap.Error(err))
		}
	}
}

func (c *directChat) participants() map[uuid.UUID]db.User {
	return map[uuid.UUID]db.User{
		c.sess.user.ID: *c.sess.user,
		c.peer.ID:      *c.peer,
	}
}
