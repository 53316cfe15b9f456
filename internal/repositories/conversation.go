package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tyyrok/chatcore/internal/db"
)

// gormConversationRepository is the GORM implementation of ConversationRepository.
type gormConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository returns a ConversationRepository backed by the provided *gorm.DB.
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

// GetOrCreate inserts the conversation unless a row with the same name exists,
// then returns whichever row won. Both participants may connect at the same
// moment; the unique name index makes exactly one of them the creator.
func (r *gormConversationRepository) GetOrCreate(ctx context.Context, conv *db.Conversation) (*db.Conversation, bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(conv)
	if result.Error != nil {
		return nil, false, fmt.Errorf("conversations: get or create: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return conv, true, nil
	}

	existing, err := r.GetByName(ctx, conv.Name)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByName retrieves a conversation by its canonical name.
// Returns ErrNotFound if no record exists.
func (r *gormConversationRepository) GetByName(ctx context.Context, name string) (*db.Conversation, error) {
	var conv db.Conversation
	err := r.db.WithContext(ctx).First(&conv, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversations: get by name: %w", err)
	}
	return &conv, nil
}

// ListForUser returns the conversations userID participates in, most
// recently created first.
func (r *gormConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Conversation, int64, error) {
	var convs []db.Conversation
	var total int64

	scope := func(tx *gorm.DB) *gorm.DB {
		return tx.Where("first_user_id = ? OR second_user_id = ?", userID, userID)
	}

	if err := r.db.WithContext(ctx).Model(&db.Conversation{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("conversations: list for user count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Scopes(scope).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&convs).Error; err != nil {
		return nil, 0, fmt.Errorf("conversations: list for user: %w", err)
	}

	return convs, total, nil
}
