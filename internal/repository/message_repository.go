package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"botgpt/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

// ListByConversationID returns the full history, oldest first. Messages
// created within the same clock tick keep insertion order.
func (r *MessageRepository) ListByConversationID(ctx context.Context, conversationID uint) ([]model.Message, error) {
	var messages []model.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("id ASC").
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) CountByConversationID(ctx context.Context, conversationID uint) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Message{}).Where("conversation_id = ?", conversationID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count messages failed: %w", err)
	}
	return n, nil
}
