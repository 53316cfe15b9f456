// Package repositories is the storage collaborator of the chat core. Every
// aggregate has an interface consumed by the session handlers and the read
// API, and a GORM implementation. All mutations are single-statement or run in
// one transaction so that each entity update is atomic.
package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/tyyrok/chatcore/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]db.User, error)
	List(ctx context.Context, opts ListOptions) ([]db.User, int64, error)
}

// -----------------------------------------------------------------------------
// ConversationRepository
// -----------------------------------------------------------------------------

type ConversationRepository interface {
	// GetOrCreate returns the conversation named conv.Name, inserting conv
	// if absent. created reports whether this call inserted it.
	GetOrCreate(ctx context.Context, conv *db.Conversation) (existing *db.Conversation, created bool, err error)
	GetByName(ctx context.Context, name string) (*db.Conversation, error)
	ListForUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Conversation, int64, error)
}

// -----------------------------------------------------------------------------
// MessageRepository
// -----------------------------------------------------------------------------

type MessageRepository interface {
	Create(ctx context.Context, msg *db.Message) error

	// ListByConversation returns a page of messages newest-first together with
	// the total number of messages in the conversation.
	ListByConversation(ctx context.Context, conversationID uuid.UUID, opts ListOptions) ([]db.Message, int64, error)

	// MarkReadForRecipient flags every message addressed to userID within the
	// conversation as read and returns the number of rows changed.
	MarkReadForRecipient(ctx context.Context, conversationID, userID uuid.UUID) (int64, error)

	// CountUnread counts unread messages addressed to userID across all
	// conversations.
	CountUnread(ctx context.Context, userID uuid.UUID) (int64, error)
}

// -----------------------------------------------------------------------------
// GroupConversationRepository
// -----------------------------------------------------------------------------

type GroupConversationRepository interface {
	// Create inserts the group and enrolls its admin as the first member in a
	// single transaction. Returns ErrConflict if the name is already taken.
	Create(ctx context.Context, group *db.GroupConversation) error
	GetByName(ctx context.Context, name string) (*db.GroupConversation, error)
	CountByAdmin(ctx context.Context, adminID uuid.UUID) (int64, error)

	// AddMember and RemoveMember report whether the member set changed.
	AddMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
	RemoveMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
	IsMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error)
	ListMembers(ctx context.Context, groupID uuid.UUID) ([]db.User, error)
	ListForMember(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.GroupConversation, int64, error)
}

// -----------------------------------------------------------------------------
// GroupMessageRepository
// -----------------------------------------------------------------------------

type GroupMessageRepository interface {
	// Create persists msg. User-authored messages are marked read by their
	// sender in the same transaction; system messages carry no read state.
	Create(ctx context.Context, msg *db.GroupMessage) error

	// ListByGroup returns a page of messages newest-first together with the
	// total number of messages in the group.
	ListByGroup(ctx context.Context, groupID uuid.UUID, opts ListOptions) ([]db.GroupMessage, int64, error)

	// ReadersOf returns, per message ID, the IDs of the users who read it.
	ReadersOf(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error)

	// MarkAllRead records userID as a reader of every user-authored message in
	// the group. Already-read messages are left untouched.
	MarkAllRead(ctx context.Context, groupID, userID uuid.UUID) error

	// CountUnread counts user-authored messages, in every group userID is a
	// member of, that userID neither wrote nor read.
	CountUnread(ctx context.Context, userID uuid.UUID) (int64, error)
}

// -----------------------------------------------------------------------------
// PresenceRepository
// -----------------------------------------------------------------------------

type PresenceRepository interface {
	// Join is idempotent; Leave tolerates absent rows.
	Join(ctx context.Context, conversationID, userID uuid.UUID) error
	Leave(ctx context.Context, conversationID, userID uuid.UUID) error
	ListOnline(ctx context.Context, conversationID uuid.UUID) ([]db.User, error)

	// ListEntries returns every presence row resolved to names, for
	// reconciliation against the live broadcast groups.
	ListEntries(ctx context.Context) ([]PresenceEntry, error)
	Clear(ctx context.Context) error
}

// PresenceEntry is a presence row joined with the names it refers to. Exactly
// one of DirectName and GroupName is set.
type PresenceEntry struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Username       string
	DirectName     string
	GroupName      string
}
