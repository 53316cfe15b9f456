package chat

import (
	"context"
	"fmt"

	"github.com/tyyrok/chatcore/internal/notification"
	"github.com/tyyrok/chatcore/internal/websocket"
)

// notificationFeed handles a session bound to the caller's private
// notification group. It is receive-only.
type notificationFeed struct {
	sess *Session
	key  websocket.GroupKey
}

func (f *notificationFeed) name() string { return f.key.String() }

// connect subscribes and reports both unread counters to this session only.
func (f *notificationFeed) connect(ctx context.Context) error {
	svc, me := f.sess.svc, f.sess.user
	to := notification.Recipient{ID: me.ID, Username: me.Username}

	svc.hub.Subscribe(f.sess.conn, f.key)

	unread, err := svc.router.UnreadCountFrame(ctx, to)
	if err != nil {
		return err
	}
	if err := f.sess.send(unread); err != nil {
		return err
	}
	unreadGroup, err := svc.router.UnreadGroupCountFrame(ctx, to)
	if err != nil {
		return err
	}
	return f.sess.send(unreadGroup)
}

func (f *notificationFeed) handle(_ context.Context, ev Event) error {
	return newClientError(CodeUnsupportedEvent, fmt.Sprintf("%s is not supported on the notification feed", ev.Type()))
}

func (f *notificationFeed) disconnect(context.Context) {
	f.sess.svc.hub.Unsubscribe(f.sess.conn, f.key)
}
