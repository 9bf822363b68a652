package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"botgpt/internal/model"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create inserts the conversation and its document links in one transaction.
func (r *ConversationRepository) Create(ctx context.Context, conv *model.Conversation, documentIDs []uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Messages", "DocumentLinks").Create(conv).Error; err != nil {
			return err
		}
		if len(documentIDs) > 0 {
			links := make([]model.ConversationDocument, 0, len(documentIDs))
			for _, id := range documentIDs {
				links = append(links, model.ConversationDocument{ConversationID: conv.ID, DocumentID: id})
			}
			if err := tx.Create(&links).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create conversation failed: %w", err)
	}
	return nil
}

// ListByUserID pages through a user's conversations, most recently active
// first, and returns the total count.
func (r *ConversationRepository) ListByUserID(ctx context.Context, userID uint, page, pageSize int) ([]model.Conversation, int64, error) {
	scope := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&model.Conversation{}).Where("user_id = ?", userID)
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count conversations failed: %w", err)
	}

	var list []model.Conversation
	if err := scope().Order("updated_at DESC").Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&list).Error; err != nil {
		return nil, 0, fmt.Errorf("list conversations failed: %w", err)
	}
	return list, total, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &conv, nil
}

func (r *ConversationRepository) GetByIDAndUserID(ctx context.Context, id, userID uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &conv, nil
}

// LinkedDocumentIDs returns document ids in the order they were linked.
func (r *ConversationRepository) LinkedDocumentIDs(ctx context.Context, conversationID uint) ([]uint, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&model.ConversationDocument{}).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Pluck("document_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list linked documents failed: %w", err)
	}
	return ids, nil
}

func (r *ConversationRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	if err := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).
		UpdateColumn("updated_at", at).Error; err != nil {
		return fmt.Errorf("touch conversation failed: %w", err)
	}
	return nil
}

// DeleteByIDAndUserID removes the conversation with its messages, document
// links and usage ledger. Documents themselves are shared and stay. It
// reports whether a row was deleted.
func (r *ConversationRepository) DeleteByIDAndUserID(ctx context.Context, id, userID uint) (bool, error) {
	deleted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&model.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		deleted = true
		for _, m := range []interface{}{&model.Message{}, &model.ConversationDocument{}, &model.UsageRecord{}} {
			if err := tx.Where("conversation_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete conversation failed: %w", err)
	}
	return deleted, nil
}
