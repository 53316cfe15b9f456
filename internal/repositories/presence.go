package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tyyrok/chatcore/internal/db"
)

// gormPresenceRepository is the GORM implementation of PresenceRepository.
type gormPresenceRepository struct {
	db *gorm.DB
}

// NewPresenceRepository returns a PresenceRepository backed by the provided *gorm.DB.
func NewPresenceRepository(db *gorm.DB) PresenceRepository {
	return &gormPresenceRepository{db: db}
}

func (r *gormPresenceRepository) Join(ctx context.Context, conversationID, userID uuid.UUID) error {
	row := &db.Presence{
		ConversationID: conversationID,
		UserID:         userID,
		JoinedAt:       time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error; err != nil {
		return fmt.Errorf("presence: join: %w", err)
	}
	return nil
}

func (r *gormPresenceRepository) Leave(ctx context.Context, conversationID, userID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Delete(&db.Presence{}).Error; err != nil {
		return fmt.Errorf("presence: leave: %w", err)
	}
	return nil
}

// ListOnline returns the users present in the conversation, earliest first.
func (r *gormPresenceRepository) ListOnline(ctx context.Context, conversationID uuid.UUID) ([]db.User, error) {
	var users []db.User
	if err := r.db.WithContext(ctx).
		Joins("JOIN presence ON presence.user_id = users.id").
		Where("presence.conversation_id = ?", conversationID).
		Order("presence.joined_at ASC").
		Order("users.username ASC").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("presence: list online: %w", err)
	}
	return users, nil
}

func (r *gormPresenceRepository) ListEntries(ctx context.Context) ([]PresenceEntry, error) {
	var entries []PresenceEntry
	err := r.db.WithContext(ctx).Raw(`
		SELECT p.conversation_id, p.user_id, u.username,
		       COALESCE(c.name, '') AS direct_name,
		       COALESCE(g.name, '') AS group_name
		FROM presence p
		JOIN users u ON u.id = p.user_id
		LEFT JOIN conversations c ON c.id = p.conversation_id
		LEFT JOIN group_conversations g ON g.id = p.conversation_id
		ORDER BY p.joined_at ASC`,
	).Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("presence: list entries: %w", err)
	}
	return entries, nil
}

// Clear drops every presence row. Called once at startup, when no session can
// be live yet.
func (r *gormPresenceRepository) Clear(ctx context.Context) error {
	if err := r.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&db.Presence{}).Error; err != nil {
		return fmt.Errorf("presence: clear: %w", err)
	}
	return nil
}
