package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"botgpt/internal/model"
	"botgpt/internal/repository"
)

var ErrConversationNotFound = errors.New("conversation not found")

// Store is everything the orchestrator needs from persistence.
type Store interface {
	GetConversation(ctx context.Context, id uint) (*model.Conversation, error)
	LoadHistory(ctx context.Context, conversationID uint) ([]model.Message, error)
	LoadLinkedDocuments(ctx context.Context, conversationID uint) ([]model.Document, error)
	AppendMessage(ctx context.Context, msg *model.Message) error
	TouchConversation(ctx context.Context, id uint, at time.Time) error
	// WarmHistory refills the cached history once a turn's writes are done.
	WarmHistory(ctx context.Context, conversationID uint) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, conversationID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, conversationID uint, messages []model.Message) error
	Invalidate(ctx context.Context, conversationID uint) error
	IsDirty(ctx context.Context, conversationID uint) (bool, error)
}

type GormStore struct {
	convRepo    *repository.ConversationRepository
	messageRepo *repository.MessageRepository
	docRepo     *repository.DocumentRepository
	cache       HistoryCache
	logger      *slog.Logger
}

// NewStore builds the gorm-backed Store. cache may be nil.
func NewStore(
	convRepo *repository.ConversationRepository,
	messageRepo *repository.MessageRepository,
	docRepo *repository.DocumentRepository,
	cache HistoryCache,
	logger *slog.Logger,
) *GormStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormStore{
		convRepo:    convRepo,
		messageRepo: messageRepo,
		docRepo:     docRepo,
		cache:       cache,
		logger:      logger,
	}
}

func (s *GormStore) GetConversation(ctx context.Context, id uint) (*model.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// LoadHistory is cache-aside. A miss reads the database and refills the
// cache only when no write has marked the conversation dirty, so a slow
// reader cannot put back history older than a concurrent append.
func (s *GormStore) LoadHistory(ctx context.Context, conversationID uint) ([]model.Message, error) {
	if s.cache != nil {
		cached, hit, err := s.cache.GetHistory(ctx, conversationID)
		if err != nil {
			s.logger.Warn("history cache read failed", "conversation_id", conversationID, "error", err)
		} else if hit {
			return cached, nil
		}
	}

	messages, err := s.messageRepo.ListByConversationID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if dirty, err := s.cache.IsDirty(ctx, conversationID); err == nil && !dirty {
			s.fill(ctx, conversationID, messages)
		}
	}
	return messages, nil
}

// WarmHistory writes the stored history through to the cache. Only the
// conversation's writer calls it, after its last append, so the dirty
// marker does not apply.
func (s *GormStore) WarmHistory(ctx context.Context, conversationID uint) error {
	if s.cache == nil {
		return nil
	}
	messages, err := s.messageRepo.ListByConversationID(ctx, conversationID)
	if err != nil {
		return err
	}
	s.fill(ctx, conversationID, messages)
	return nil
}

// ForgetHistory drops the cached history, e.g. when the conversation is deleted.
func (s *GormStore) ForgetHistory(ctx context.Context, conversationID uint) {
	s.invalidate(ctx, conversationID)
}

func (s *GormStore) fill(ctx context.Context, conversationID uint, messages []model.Message) {
	if messages == nil {
		messages = []model.Message{}
	}
	if err := s.cache.SetHistory(ctx, conversationID, messages); err != nil {
		s.logger.Warn("history cache write failed", "conversation_id", conversationID, "error", err)
	}
}

func (s *GormStore) LoadLinkedDocuments(ctx context.Context, conversationID uint) ([]model.Document, error) {
	ids, err := s.convRepo.LinkedDocumentIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.docRepo.ListByIDs(ctx, ids)
}

func (s *GormStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	if err := s.messageRepo.Create(ctx, msg); err != nil {
		return err
	}
	s.invalidate(ctx, msg.ConversationID)
	return nil
}

func (s *GormStore) TouchConversation(ctx context.Context, id uint, at time.Time) error {
	return s.convRepo.Touch(ctx, id, at)
}

func (s *GormStore) invalidate(ctx context.Context, conversationID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, conversationID); err != nil {
		s.logger.Warn("history cache invalidate failed", "conversation_id", conversationID, "error", err)
	}
}
