// Package websocket implements the broadcast substrate of the chat server: a
// Hub of named groups that fans frames out to every subscribed connection,
// and the gorilla/websocket Client that carries those frames to the browser.
//
// Groups are addressed with a typed GroupKey instead of a formatted string, so
// a conversation named "alice__notifications" can never collide with the
// private notification group of a user called "alice".
package websocket

import "fmt"

// GroupKind identifies which family of entity a broadcast group belongs to.
type GroupKind uint8

const (
	// KindDirect is the group of a 1:1 conversation, keyed by canonical name.
	KindDirect GroupKind = iota + 1

	// KindGroup is the group of a group conversation, keyed by its name.
	KindGroup

	// KindNotifications is the private per-identity group, keyed by username.
	KindNotifications
)

func (k GroupKind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	case KindNotifications:
		return "notifications"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// GroupKey names a broadcast group.
type GroupKey struct {
	Kind GroupKind
	Name string
}

// DirectGroup returns the key of a 1:1 conversation's group.
func DirectGroup(name string) GroupKey { return GroupKey{Kind: KindDirect, Name: name} }

// ConversationGroup returns the key of a group conversation's group.
func ConversationGroup(name string) GroupKey { return GroupKey{Kind: KindGroup, Name: name} }

// NotificationGroup returns the key of username's private notification group.
func NotificationGroup(username string) GroupKey {
	return GroupKey{Kind: KindNotifications, Name: username}
}

func (k GroupKey) String() string { return k.Kind.String() + ":" + k.Name }
