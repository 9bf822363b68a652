package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"botgpt/internal/model"
	"botgpt/internal/repository"
)

const (
	MaxMessageChars     = 10000
	DefaultTitleChars   = 50
	DefaultPageSize     = 20
	MaxPageSize         = 100
	defaultConversation = "New Conversation"
)

var (
	ErrMessageEmpty      = errors.New("message content is empty")
	ErrMessageTooLong    = errors.New("message content is too long")
	ErrInvalidMode       = errors.New("mode must be open or rag")
	ErrDocumentsRequired = errors.New("rag conversations need at least one existing document")
)

type ConversationService struct {
	convRepo     *repository.ConversationRepository
	docRepo      *repository.DocumentRepository
	usageRepo    *repository.UsageRepository
	store        *GormStore
	orchestrator *Orchestrator
	titleChars   int
}

func NewConversationService(
	convRepo *repository.ConversationRepository,
	docRepo *repository.DocumentRepository,
	usageRepo *repository.UsageRepository,
	store *GormStore,
	orchestrator *Orchestrator,
	titleChars int,
) *ConversationService {
	if titleChars <= 0 {
		titleChars = DefaultTitleChars
	}
	return &ConversationService{
		convRepo:     convRepo,
		docRepo:      docRepo,
		usageRepo:    usageRepo,
		store:        store,
		orchestrator: orchestrator,
		titleChars:   titleChars,
	}
}

type CreateConversationInput struct {
	UserID       uint
	FirstMessage string
	Mode         model.Mode
	DocumentIDs  []uint
}

type ConversationDetail struct {
	model.Conversation
	DocumentIDs []uint `json:"document_ids"`
}

type ConversationPage struct {
	Conversations []model.Conversation `json:"conversations"`
	Total         int64                `json:"total"`
	Page          int                  `json:"page"`
	PageSize      int                  `json:"page_size"`
}

type UsageReport struct {
	ConversationID uint                   `json:"conversation_id"`
	Totals         repository.UsageTotals `json:"totals"`
	Records        []model.UsageRecord    `json:"records"`
}

// Create stores a new conversation titled after its first message and runs
// that message through the orchestrator. Unknown document ids are skipped.
func (s *ConversationService) Create(ctx context.Context, input CreateConversationInput) (*ConversationDetail, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}
	text, err := validateMessage(input.FirstMessage)
	if err != nil {
		return nil, err
	}
	mode := input.Mode
	if mode == "" {
		mode = model.ModeOpen
	}
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}

	var docIDs []uint
	if mode == model.ModeRAG {
		docIDs, err = s.docRepo.ExistingIDs(ctx, input.DocumentIDs)
		if err != nil {
			return nil, err
		}
		if len(docIDs) == 0 {
			return nil, ErrDocumentsRequired
		}
	}

	conv := &model.Conversation{
		UserID: input.UserID,
		Title:  DeriveTitle(text, s.titleChars),
		Mode:   mode,
	}
	if err := s.convRepo.Create(ctx, conv, docIDs); err != nil {
		return nil, err
	}
	if _, err := s.orchestrator.HandleUserMessage(ctx, conv.ID, text); err != nil {
		return nil, err
	}
	return s.Get(ctx, input.UserID, conv.ID)
}

func (s *ConversationService) List(ctx context.Context, userID uint, page, pageSize int) (*ConversationPage, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	list, total, err := s.convRepo.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &ConversationPage{Conversations: list, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *ConversationService) Get(ctx context.Context, userID, conversationID uint) (*ConversationDetail, error) {
	conv, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.LoadHistory(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	docIDs, err := s.convRepo.LinkedDocumentIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	if docIDs == nil {
		docIDs = []uint{}
	}
	return &ConversationDetail{Conversation: *conv, DocumentIDs: docIDs}, nil
}

// AddMessage continues a conversation and returns the assistant reply.
func (s *ConversationService) AddMessage(ctx context.Context, userID, conversationID uint, content string) (*model.Message, error) {
	text, err := validateMessage(content)
	if err != nil {
		return nil, err
	}
	if _, err := s.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.orchestrator.HandleUserMessage(ctx, conversationID, text)
}

func (s *ConversationService) Delete(ctx context.Context, userID, conversationID uint) error {
	if userID == 0 || conversationID == 0 {
		return ErrInvalidInput
	}
	deleted, err := s.convRepo.DeleteByIDAndUserID(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrConversationNotFound
	}
	s.store.ForgetHistory(ctx, conversationID)
	return nil
}

func (s *ConversationService) Usage(ctx context.Context, userID, conversationID uint) (*UsageReport, error) {
	if _, err := s.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	records, err := s.usageRepo.ListByConversationID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	totals, err := s.usageRepo.TotalsByConversationID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []model.UsageRecord{}
	}
	return &UsageReport{ConversationID: conversationID, Totals: totals, Records: records}, nil
}

func (s *ConversationService) owned(ctx context.Context, userID, conversationID uint) (*model.Conversation, error) {
	if userID == 0 || conversationID == 0 {
		return nil, ErrInvalidInput
	}
	conv, err := s.convRepo.GetByIDAndUserID(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// DeriveTitle keeps the first maxChars runes of the first message, adding an
// ellipsis when it had to cut.
func DeriveTitle(message string, maxChars int) string {
	text := strings.Join(strings.Fields(message), " ")
	if text == "" {
		return defaultConversation
	}
	if maxChars <= 0 {
		maxChars = DefaultTitleChars
	}
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxChars])) + "..."
}

func validateMessage(content string) (string, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return "", ErrMessageEmpty
	}
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return "", ErrMessageTooLong
	}
	return text, nil
}
