package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/notification"
	"github.com/tyyrok/chatcore/internal/repositories"
	"github.com/tyyrok/chatcore/internal/websocket"
)

// groupChat handles a session bound to a group conversation.
type groupChat struct {
	sess  *Session
	group *db.GroupConversation
	key   websocket.GroupKey
}

func (c *groupChat) name() string { return c.group.Name }

func (c *groupChat) connect(ctx context.Context) error {
	svc, me := c.sess.svc, c.sess.user

	if _, err := svc.presence.Enter(ctx, c.key, c.sess.conn, c.group.ID, me); err != nil {
		return err
	}

	history, err := c.history(ctx)
	if err != nil {
		return err
	}
	if err := c.sess.send(history); err != nil {
		return err
	}

	members, err := c.membersFrame(ctx)
	if err != nil {
		return err
	}
	if err := c.sess.send(members); err != nil {
		return err
	}

	return svc.publish(c.key, PresenceFrame{Type: TypeUserJoin, User: me.Username})
}

func (c *groupChat) history(ctx context.Context) (GroupHistoryFrame, error) {
	svc := c.sess.svc

	msgs, total, err := svc.groupMessages.ListByGroup(ctx, c.group.ID, repositories.ListOptions{Limit: historyLimit})
	if err != nil {
		return GroupHistoryFrame{}, err
	}
	readers, err := svc.groupMessages.ReadersOf(ctx, lo.Map(msgs, func(m db.GroupMessage, _ int) uuid.UUID { return m.ID }))
	if err != nil {
		return GroupHistoryFrame{}, err
	}

	ids := lo.Map(msgs, func(m db.GroupMessage, _ int) uuid.UUID { return m.FromUserID })
	for _, r := range readers {
		ids = append(ids, r...)
	}
	users, err := svc.userIndex(ctx, ids)
	if err != nil {
		return GroupHistoryFrame{}, err
	}

	views := lo.Map(msgs, func(m db.GroupMessage, _ int) GroupMessageView {
		return NewGroupMessageView(m, users, readers[m.ID])
	})
	return GroupHistoryFrame{
		Type:          TypeLastGroupMessages,
		GroupMessages: views,
		HasMore:       total > historyLimit,
	}, nil
}

// membersFrame snapshots the member set and who of it is online.
func (c *groupChat) membersFrame(ctx context.Context) (MembersListFrame, error) {
	svc := c.sess.svc

	members, err := svc.groups.ListMembers(ctx, c.group.ID)
	if err != nil {
		return MembersListFrame{}, err
	}
	online, err := svc.presence.Online(ctx, c.group.ID)
	if err != nil {
		return MembersListFrame{}, err
	}
	return MembersListFrame{
		Type:   TypeMembersList,
		Users:  lo.Map(members, func(u db.User, _ int) UserView { return NewUserView(u) }),
		Online: usernames(online),
	}, nil
}

func (c *groupChat) handle(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case *ChatMessage:
		return c.chatMessage(ctx, ev)
	case *AddMember:
		return c.addMember(ctx, ev)
	case *RemoveMember:
		return c.removeMember(ctx, ev)
	case *ReadGroupMessages:
		return c.readGroupMessages(ctx)
	default:
		return newClientError(CodeUnsupportedEvent, fmt.Sprintf("%s is not supported in a group conversation", ev.Type()))
	}
}

func (c *groupChat) chatMessage(ctx context.Context, ev *ChatMessage) error {
	svc, me := c.sess.svc, c.sess.user

	if err := c.requireStillMember(ctx); err != nil {
		return err
	}

	msg := &db.GroupMessage{
		GroupConversationID: c.group.ID,
		FromUserID:          me.ID,
		Kind:                db.MessageKindUser,
		Content:             ev.Message,
	}
	if err := svc.groupMessages.Create(ctx, msg); err != nil {
		return err
	}

	users := map[uuid.UUID]db.User{me.ID: *me}
	view := NewGroupMessageView(*msg, users, []uuid.UUID{me.ID})
	return c.broadcast(ctx, view)
}

func (c *groupChat) addMember(ctx context.Context, ev *AddMember) error {
	svc := c.sess.svc

	if err := c.authorizeMembershipChange(ctx); err != nil {
		return err
	}
	target, err := c.lookupUser(ctx, ev.Name)
	if err != nil {
		return err
	}
	added, err := svc.groups.AddMember(ctx, c.group.ID, target.ID)
	if err != nil {
		return err
	}
	if !added {
		return newClientError(CodeAlreadyMember, fmt.Sprintf("%s is already a member", target.Username))
	}

	c.sess.logger.Info("member added", zap.String("group", c.group.Name), zap.String("member", target.Username))
	return c.membershipChanged(ctx, fmt.Sprintf("User %s was added to the chat", target.Username))
}

func (c *groupChat) removeMember(ctx context.Context, ev *RemoveMember) error {
	svc := c.sess.svc

	if err := c.authorizeMembershipChange(ctx); err != nil {
		return err
	}
	target, err := c.lookupUser(ctx, ev.Name)
	if err != nil {
		return err
	}
	if target.ID == c.group.AdminID {
		return newClientError(CodeForbidden, "the group admin cannot be removed")
	}
	removed, err := svc.groups.RemoveMember(ctx, c.group.ID, target.ID)
	if err != nil {
		return err
	}
	if !removed {
		return newClientError(CodeNotMember, fmt.Sprintf("%s is not a member", target.Username))
	}

	// A removed member stops receiving the group and drops out of the
	// online set, even if still connected.
	if err := svc.presence.Evict(ctx, c.key, c.group.ID, target); err != nil {
		return err
	}

	c.sess.logger.Info("member removed", zap.String("group", c.group.Name), zap.String("member", target.Username))
	return c.membershipChanged(ctx, fmt.Sprintf("User %s was removed from the chat", target.Username))
}

// requireStillMember fails when the caller's membership was revoked while
// the session was open.
func (c *groupChat) requireStillMember(ctx context.Context) error {
	member, err := c.sess.svc.groups.IsMember(ctx, c.group.ID, c.sess.user.ID)
	if err != nil {
		return err
	}
	if !member {
		return newClientError(CodeNotMember, "you are no longer a member of this group")
	}
	return nil
}

func (c *groupChat) authorizeMembershipChange(ctx context.Context) error {
	if c.sess.svc.groupAdminOnly && c.sess.user.ID != c.group.AdminID {
		return newClientError(CodeForbidden, "only the group admin can change members")
	}
	return c.requireStillMember(ctx)
}

func (c *groupChat) lookupUser(ctx context.Context, username string) (*db.User, error) {
	user, err := c.sess.svc.users.GetByUsername(ctx, username)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, newClientError(CodeNotFound, fmt.Sprintf("user %s does not exist", username))
	}
	return user, err
}

// membershipChanged re-broadcasts the member snapshot and records the change
// as a system message authored by the admin.
func (c *groupChat) membershipChanged(ctx context.Context, content string) error {
	svc := c.sess.svc

	members, err := c.membersFrame(ctx)
	if err != nil {
		return err
	}
	if err := svc.publish(c.key, members); err != nil {
		return err
	}

	msg := &db.GroupMessage{
		GroupConversationID: c.group.ID,
		FromUserID:          c.group.AdminID,
		Kind:                db.MessageKindSystem,
		Content:             content,
	}
	if err := svc.groupMessages.Create(ctx, msg); err != nil {
		return err
	}
	users, err := svc.userIndex(ctx, []uuid.UUID{c.group.AdminID})
	if err != nil {
		return err
	}
	return c.broadcast(ctx, NewGroupMessageView(*msg, users, nil))
}

// broadcast echoes view to the group and notifies every member except the
// acting user.
func (c *groupChat) broadcast(ctx context.Context, view GroupMessageView) error {
	svc, me := c.sess.svc, c.sess.user

	if err := svc.publish(c.key, EchoFrame{Type: TypeChatMessageEcho, Username: me.Username, Message: view}); err != nil {
		return err
	}

	members, err := svc.groups.ListMembers(ctx, c.group.ID)
	if err != nil {
		return err
	}
	recipients := lo.FilterMap(members, func(u db.User, _ int) (string, bool) {
		return u.Username, u.ID != me.ID
	})
	return svc.router.NewGroupMessage(recipients, me.Username, view)
}

func (c *groupChat) readGroupMessages(ctx context.Context) error {
	svc, me := c.sess.svc, c.sess.user

	if err := svc.groupMessages.MarkAllRead(ctx, c.group.ID, me.ID); err != nil {
		return err
	}
	return svc.router.UnreadGroupCount(ctx, notification.Recipient{ID: me.ID, Username: me.Username})
}

// disconnect releases the subscription and presence. Departures from a group
// are not announced.
func (c *groupChat) disconnect(ctx context.Context) {
	svc, me := c.sess.svc, c.sess.user

	if _, err := svc.presence.Exit(ctx, c.key, c.sess.conn, c.group.ID, me); err != nil {
		c.sess.logger.Warn("presence leave failed", zap.Error(err))
	}
}
