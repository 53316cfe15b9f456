package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all entity models.
// ID uses UUID v7 (time-ordered) so that ordering by ID is a stable tie-break
// for rows created within the same clock tick.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

// User is the identity a session authenticates as. Username is the canonical
// identifier used to build conversation and notification group names, so it
// must never contain the "__" separator.
type User struct {
	Base
	Username    string `gorm:"uniqueIndex;not null"`
	DisplayName string `gorm:"not null;default:''"`
	Password    string `gorm:"type:text;not null;default:''"` // argon2id "saltHex:hashHex"
	IsActive    bool   `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// 1:1 conversations
// -----------------------------------------------------------------------------

// Conversation is a 1:1 chat between exactly two users. Name is the canonical
// "<a>__<b>" form with usernames in sorted order; FirstUserID and
// SecondUserID are the users behind <a> and <b>. Participation is always
// decided on the IDs, never by matching the name.
type Conversation struct {
	Base
	Name         string    `gorm:"uniqueIndex;not null"`
	FirstUserID  uuid.UUID `gorm:"type:text;not null;index"`
	SecondUserID uuid.UUID `gorm:"type:text;not null;index"`
}

// Message belongs to exactly one Conversation. Read is flipped only by the
// recipient's read acknowledgement.
type Message struct {
	Base
	ConversationID uuid.UUID `gorm:"type:text;not null;index"`
	FromUserID     uuid.UUID `gorm:"type:text;not null;index"`
	ToUserID       uuid.UUID `gorm:"type:text;not null;index"`
	Content        string    `gorm:"type:text;not null"`
	Read           bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Group conversations
// -----------------------------------------------------------------------------

// GroupConversation is a many-member chat with an immutable admin.
type GroupConversation struct {
	Base
	Name    string    `gorm:"uniqueIndex;not null"`
	AdminID uuid.UUID `gorm:"type:text;not null;index"`
}

// GroupMember is the join table between GroupConversation and User.
type GroupMember struct {
	GroupConversationID uuid.UUID `gorm:"type:text;primaryKey"`
	UserID              uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt           time.Time `gorm:"not null"`
}

// MessageKind separates user-authored group messages from the synthetic
// messages describing membership changes.
type MessageKind string

const (
	MessageKindUser   MessageKind = "user"
	MessageKindSystem MessageKind = "system"
)

// GroupMessage belongs to exactly one GroupConversation. System messages are
// authored by the group admin and are not read-tracked.
type GroupMessage struct {
	Base
	GroupConversationID uuid.UUID   `gorm:"type:text;not null;index"`
	FromUserID          uuid.UUID   `gorm:"type:text;not null;index"`
	Kind                MessageKind `gorm:"type:text;not null;default:'user'"`
	Content             string      `gorm:"type:text;not null"`
}

// GroupMessageRead records that UserID has read MessageID.
type GroupMessageRead struct {
	MessageID uuid.UUID `gorm:"type:text;primaryKey"`
	UserID    uuid.UUID `gorm:"type:text;primaryKey"`
	ReadAt    time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Presence
// -----------------------------------------------------------------------------

// Presence marks UserID as currently connected to a conversation entity.
// ConversationID refers to either a Conversation or a GroupConversation; both
// use UUID v7 keys so the column never collides.
type Presence struct {
	ConversationID uuid.UUID `gorm:"type:text;primaryKey"`
	UserID         uuid.UUID `gorm:"type:text;primaryKey"`
	JoinedAt       time.Time `gorm:"not null"`
}

// TableName pins the table name; gorm would otherwise pluralize to "presences".
func (Presence) TableName() string { return "presence" }
