package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tyyrok/chatcore/internal/db"
)

// gormGroupMessageRepository is the GORM implementation of GroupMessageRepository.
type gormGroupMessageRepository struct {
	db *gorm.DB
}

// NewGroupMessageRepository returns a GroupMessageRepository backed by the
// provided *gorm.DB.
func NewGroupMessageRepository(db *gorm.DB) GroupMessageRepository {
	return &gormGroupMessageRepository{db: db}
}

func (r *gormGroupMessageRepository) Create(ctx context.Context, msg *db.GroupMessage) error {
	if msg.Kind == "" {
		msg.Kind = db.MessageKindUser
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("group_messages: create: %w", err)
		}
		if msg.Kind != db.MessageKindUser {
			return nil
		}
		read := &db.GroupMessageRead{
			MessageID: msg.ID,
			UserID:    msg.FromUserID,
			ReadAt:    msg.CreatedAt,
		}
		if err := tx.Create(read).Error; err != nil {
			return fmt.Errorf("group_messages: mark sender read: %w", err)
		}
		return nil
	})
}

func (r *gormGroupMessageRepository) ListByGroup(ctx context.Context, groupID uuid.UUID, opts ListOptions) ([]db.GroupMessage, int64, error) {
	var msgs []db.GroupMessage
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.GroupMessage{}).
		Where("group_conversation_id = ?", groupID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("group_messages: list by group count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("group_conversation_id = ?", groupID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Order("id DESC").
		Find(&msgs).Error; err != nil {
		return nil, 0, fmt.Errorf("group_messages: list by group: %w", err)
	}

	return msgs, total, nil
}

func (r *gormGroupMessageRepository) ReadersOf(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	readers := make(map[uuid.UUID][]uuid.UUID, len(messageIDs))
	if len(messageIDs) == 0 {
		return readers, nil
	}

	var rows []db.GroupMessageRead
	if err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("read_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("group_messages: readers of: %w", err)
	}
	for _, row := range rows {
		readers[row.MessageID] = append(readers[row.MessageID], row.UserID)
	}
	return readers, nil
}

// MarkAllRead inserts a read row for every user-authored message in the group
// that userID has not read yet. Concurrent callers for the same user converge
// on the primary key.
func (r *gormGroupMessageRepository) MarkAllRead(ctx context.Context, groupID, userID uuid.UUID) error {
	err := r.db.WithContext(ctx).Exec(`
		INSERT INTO group_message_reads (message_id, user_id, read_at)
		SELECT m.id, ?, ?
		FROM group_messages m
		WHERE m.group_conversation_id = ?
		  AND m.kind = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM group_message_reads r
		      WHERE r.message_id = m.id AND r.user_id = ?
		  )
		ON CONFLICT DO NOTHING`,
		userID, time.Now().UTC(), groupID, db.MessageKindUser, userID,
	).Error
	if err != nil {
		return fmt.Errorf("group_messages: mark all read: %w", err)
	}
	return nil
}

func (r *gormGroupMessageRepository) CountUnread(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Raw(`
		SELECT COUNT(*)
		FROM group_messages m
		JOIN group_members gm
		  ON gm.group_conversation_id = m.group_conversation_id AND gm.user_id = ?
		WHERE m.kind = ?
		  AND m.from_user_id <> ?
		  AND NOT EXISTS (
		      SELECT 1 FROM group_message_reads r
		      WHERE r.message_id = m.id AND r.user_id = ?
		  )`,
		userID, db.MessageKindUser, userID, userID,
	).Scan(&count).Error
	if err != nil {
		return 0, fmt.Errorf("group_messages: count unread: %w", err)
	}
	return count, nil
}
