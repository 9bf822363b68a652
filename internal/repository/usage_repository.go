package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"botgpt/internal/model"
)

type UsageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Record stores rec unless a row with the same event id exists, so
// redelivered events are counted once.
func (r *UsageRepository) Record(ctx context.Context, rec *model.UsageRecord) error {
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(rec).Error; err != nil {
		return fmt.Errorf("record usage failed: %w", err)
	}
	return nil
}

func (r *UsageRepository) ListByConversationID(ctx context.Context, conversationID uint) ([]model.UsageRecord, error) {
	var list []model.UsageRecord
	if err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("occurred_at ASC").Order("id ASC").
		Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list usage failed: %w", err)
	}
	return list, nil
}

type UsageTotals struct {
	Turns            int64 `json:"turns"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	EstimatedTurns   int64 `json:"estimated_turns"`
	FailedTurns      int64 `json:"failed_turns"`
}

func (r *UsageRepository) TotalsByConversationID(ctx context.Context, conversationID uint) (UsageTotals, error) {
	var totals UsageTotals
	err := r.db.WithContext(ctx).Model(&model.UsageRecord{}).
		Select(`COUNT(*) AS turns,
			COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(CASE WHEN usage_estimated THEN 1 ELSE 0 END), 0) AS estimated_turns,
			COALESCE(SUM(CASE WHEN outcome <> ? THEN 1 ELSE 0 END), 0) AS failed_turns`, model.OutcomeCompleted).
		Where("conversation_id = ?", conversationID).
		Scan(&totals).Error
	if err != nil {
		return UsageTotals{}, fmt.Errorf("sum usage failed: %w", err)
	}
	return totals, nil
}
