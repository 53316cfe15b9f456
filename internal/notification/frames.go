package notification

// Frame type discriminators published on notification groups.
const (
	TypeNewMessage       = "new_message_notification"
	TypeNewGroupMessage  = "new_message_group_notification"
	TypeUnreadCount      = "unread_count"
	TypeUnreadGroupCount = "unread_group_count"
)

// NewMessageFrame announces a message. Name is the username of the user who
// caused it.
type NewMessageFrame struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Message any    `json:"message"`
}

type UnreadCountFrame struct {
	Type        string `json:"type"`
	UnreadCount int64  `json:"unread_count"`
}

type UnreadGroupCountFrame struct {
	Type             string `json:"type"`
	UnreadGroupCount int64  `json:"unread_group_count"`
}
