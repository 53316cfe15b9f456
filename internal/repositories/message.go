package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tyyrok/chatcore/internal/db"
)

// gormMessageRepository is the GORM implementation of MessageRepository.
type gormMessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository returns a MessageRepository backed by the provided *gorm.DB.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

// Create inserts a new 1:1 message. The caller publishes the echo only after
// this returns, so a message is always stored before anyone sees it.
func (r *gormMessageRepository) Create(ctx context.Context, msg *db.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("messages: create: %w", err)
	}
	return nil
}

// ListByConversation returns a page of messages, newest first. Rows sharing a
// timestamp are ordered by their time-ordered UUID so the order is total.
func (r *gormMessageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID, opts ListOptions) ([]db.Message, int64, error) {
	var msgs []db.Message
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("messages: list by conversation count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Order("id DESC").
		Find(&msgs).Error; err != nil {
		return nil, 0, fmt.Errorf("messages: list by conversation: %w", err)
	}

	return msgs, total, nil
}

// MarkReadForRecipient flags every unread message addressed to userID within
// the conversation. Calling it again is a no-op.
func (r *gormMessageRepository) MarkReadForRecipient(ctx context.Context, conversationID, userID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("conversation_id = ? AND to_user_id = ? AND read = ?", conversationID, userID, false).
		Update("read", true)
	if result.Error != nil {
		return 0, fmt.Errorf("messages: mark read: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountUnread counts unread messages addressed to userID in all conversations.
func (r *gormMessageRepository) CountUnread(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Message{}).
		Where("to_user_id = ? AND read = ?", userID, false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("messages: count unread: %w", err)
	}
	return count, nil
}
