package chat

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/tyyrok/chatcore/internal/db"
)

// Outbound frame type discriminators. Notification frames live in the
// notification package.
const (
	TypeWelcome           = "welcome_message"
	TypeOnlineUserList    = "online_user_list"
	TypeLastMessages      = "last_50_messages"
	TypeLastGroupMessages = "last_50_group_messages"
	TypeUserJoin          = "user_join"
	TypeUserLeave         = "user_leave"
	TypeChatMessageEcho   = "chat_message_echo"
	TypeTyping            = "typing"
	TypeMembersList       = "members_list"
	TypeRedirect          = "redirect"
	TypeError             = "error"
)

const (
	welcomeMessage = "You've started a new chat"

	// historyLimit is how many messages are replayed on connect.
	historyLimit = 50
)

// HexID is a UUID that serializes as 32 lowercase hex digits without dashes.
type HexID uuid.UUID

func (id HexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(id[:]))
}

func (id HexID) String() string { return hex.EncodeToString(id[:]) }

// UserView is the public projection of a user.
type UserView struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

func NewUserView(u db.User) UserView {
	return UserView{Username: u.Username, FirstName: u.DisplayName}
}

// MessageView is the wire form of a 1:1 message.
type MessageView struct {
	ID           HexID     `json:"id"`
	Conversation HexID     `json:"conversation"`
	FromUser     UserView  `json:"from_user"`
	ToUser       UserView  `json:"to_user"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	Read         bool      `json:"read"`
}

// NewMessageView renders m. users must contain both participants.
func NewMessageView(m db.Message, users map[uuid.UUID]db.User) MessageView {
	return MessageView{
		ID:           HexID(m.ID),
		Conversation: HexID(m.ConversationID),
		FromUser:     NewUserView(users[m.FromUserID]),
		ToUser:       NewUserView(users[m.ToUserID]),
		Content:      m.Content,
		Timestamp:    m.CreatedAt,
		Read:         m.Read,
	}
}

// GroupMessageView is the wire form of a group message. Read lists the
// usernames that have read it; it is always empty for system messages.
type GroupMessageView struct {
	ID                HexID     `json:"id"`
	GroupConversation HexID     `json:"group_conversation"`
	FromUser          UserView  `json:"from_user"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
	Read              []string  `json:"read"`
	Kind              string    `json:"kind"`
}

// NewGroupMessageView renders m. Readers missing from users are skipped.
func NewGroupMessageView(m db.GroupMessage, users map[uuid.UUID]db.User, readers []uuid.UUID) GroupMessageView {
	read := lo.FilterMap(readers, func(id uuid.UUID, _ int) (string, bool) {
		u, ok := users[id]
		return u.Username, ok
	})
	return GroupMessageView{
		ID:                HexID(m.ID),
		GroupConversation: HexID(m.GroupConversationID),
		FromUser:          NewUserView(users[m.FromUserID]),
		Content:           m.Content,
		Timestamp:         m.CreatedAt,
		Read:              read,
		Kind:              string(m.Kind),
	}
}

type WelcomeFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type OnlineUserListFrame struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type HistoryFrame struct {
	Type     string        `json:"type"`
	Messages []MessageView `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

type GroupHistoryFrame struct {
	Type          string             `json:"type"`
	GroupMessages []GroupMessageView `json:"group_messages"`
	HasMore       bool               `json:"has_more"`
}

// PresenceFrame is used for both user_join and user_leave.
type PresenceFrame struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// EchoFrame carries a stored message back to every session of the
// conversation, the author's included.
type EchoFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Message  any    `json:"message"`
}

type TypingFrame struct {
	Type   string `json:"type"`
	User   string `json:"user"`
	Typing bool   `json:"typing"`
}

// MembersListFrame lists a group's members and which of them are online.
type MembersListFrame struct {
	Type   string     `json:"type"`
	Users  []UserView `json:"users"`
	Online []string   `json:"online"`
}

type RedirectFrame struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
