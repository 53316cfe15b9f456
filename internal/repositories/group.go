package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tyyrok/chatcore/internal/db"
)

// gormGroupConversationRepository is the GORM implementation of
// GroupConversationRepository.
type gormGroupConversationRepository struct {
	db *gorm.DB
}

// NewGroupConversationRepository returns a GroupConversationRepository backed
// by the provided *gorm.DB.
func NewGroupConversationRepository(db *gorm.DB) GroupConversationRepository {
	return &gormGroupConversationRepository{db: db}
}

func (r *gormGroupConversationRepository) Create(ctx context.Context, group *db.GroupConversation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
			Create(group)
		if result.Error != nil {
			return fmt.Errorf("group_conversations: create: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		member := &db.GroupMember{
			GroupConversationID: group.ID,
			UserID:              group.AdminID,
			CreatedAt:           time.Now().UTC(),
		}
		if err := tx.Create(member).Error; err != nil {
			return fmt.Errorf("group_conversations: enroll admin: %w", err)
		}
		return nil
	})
}

func (r *gormGroupConversationRepository) GetByName(ctx context.Context, name string) (*db.GroupConversation, error) {
	var group db.GroupConversation
	err := r.db.WithContext(ctx).First(&group, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("group_conversations: get by name: %w", err)
	}
	return &group, nil
}

// CountByAdmin returns how many groups adminID has created. Group naming uses
// it as the starting point for the next sequence number.
func (r *gormGroupConversationRepository) CountByAdmin(ctx context.Context, adminID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.GroupConversation{}).
		Where("admin_id = ?", adminID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("group_conversations: count by admin: %w", err)
	}
	return count, nil
}

func (r *gormGroupConversationRepository) AddMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	member := &db.GroupMember{
		GroupConversationID: groupID,
		UserID:              userID,
		CreatedAt:           time.Now().UTC(),
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(member)
	if result.Error != nil {
		return false, fmt.Errorf("group_conversations: add member: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *gormGroupConversationRepository) RemoveMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("group_conversation_id = ? AND user_id = ?", groupID, userID).
		Delete(&db.GroupMember{})
	if result.Error != nil {
		return false, fmt.Errorf("group_conversations: remove member: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *gormGroupConversationRepository) IsMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.GroupMember{}).
		Where("group_conversation_id = ? AND user_id = ?", groupID, userID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("group_conversations: is member: %w", err)
	}
	return count > 0, nil
}

// ListMembers returns the group's members in the order they joined.
func (r *gormGroupConversationRepository) ListMembers(ctx context.Context, groupID uuid.UUID) ([]db.User, error) {
	var users []db.User
	if err := r.db.WithContext(ctx).
		Joins("JOIN group_members ON group_members.user_id = users.id").
		Where("group_members.group_conversation_id = ?", groupID).
		Order("group_members.created_at ASC").
		Order("users.username ASC").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("group_conversations: list members: %w", err)
	}
	return users, nil
}

// ListForMember returns a page of the groups userID belongs to, newest first.
func (r *gormGroupConversationRepository) ListForMember(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.GroupConversation, int64, error) {
	var groups []db.GroupConversation
	var total int64

	scope := func(tx *gorm.DB) *gorm.DB {
		return tx.
			Joins("JOIN group_members ON group_members.group_conversation_id = group_conversations.id").
			Where("group_members.user_id = ?", userID)
	}

	if err := r.db.WithContext(ctx).Model(&db.GroupConversation{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("group_conversations: list for member count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Scopes(scope).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("group_conversations.created_at DESC").
		Find(&groups).Error; err != nil {
		return nil, 0, fmt.Errorf("group_conversations: list for member: %w", err)
	}

	return groups, total, nil
}
