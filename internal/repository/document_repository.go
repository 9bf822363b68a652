package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"botgpt/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

// List omits content and chunks; use GetByID for the full row.
func (r *DocumentRepository) List(ctx context.Context, page, pageSize int) ([]model.Document, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Document{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count documents failed: %w", err)
	}
	var list []model.Document
	if err := r.db.WithContext(ctx).Select("id", "filename", "metadata", "created_at").
		Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&list).Error; err != nil {
		return nil, 0, fmt.Errorf("list documents failed: %w", err)
	}
	return list, total, nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

// ListByIDs returns the documents that exist, in the order of ids.
func (r *DocumentRepository) ListByIDs(ctx context.Context, ids []uint) ([]model.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []model.Document
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&found).Error; err != nil {
		return nil, fmt.Errorf("list documents by ids failed: %w", err)
	}
	byID := make(map[uint]model.Document, len(found))
	for _, d := range found {
		byID[d.ID] = d
	}
	out := make([]model.Document, 0, len(found))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
			delete(byID, id)
		}
	}
	return out, nil
}

// ExistingIDs filters ids down to documents that exist, keeping order and
// dropping duplicates.
func (r *DocumentRepository) ExistingIDs(ctx context.Context, ids []uint) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []uint
	if err := r.db.WithContext(ctx).Model(&model.Document{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return nil, fmt.Errorf("check document ids failed: %w", err)
	}
	exists := make(map[uint]bool, len(found))
	for _, id := range found {
		exists[id] = true
	}
	out := make([]uint, 0, len(found))
	for _, id := range ids {
		if exists[id] {
			out = append(out, id)
			exists[id] = false
		}
	}
	return out, nil
}
