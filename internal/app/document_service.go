package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"botgpt/internal/model"
	"botgpt/internal/pipeline"
	"botgpt/internal/pkg/pdfextract"
	"botgpt/internal/repository"
)

const DefaultMaxUploadBytes = 10 << 20

var (
	ErrDocumentNotFound     = errors.New("document not found")
	ErrDocumentEmpty        = errors.New("document content is empty")
	ErrUnsupportedFileType  = errors.New("only pdf uploads are supported")
	ErrDocumentUnreadable   = errors.New("document could not be read")
	ErrDocumentTooLarge     = errors.New("document exceeds upload limit")
	ErrDocumentFilenameSize = errors.New("filename is too long")
)

type DocumentService struct {
	docRepo        *repository.DocumentRepository
	chunkSize      int
	maxUploadBytes int64
}

func NewDocumentService(docRepo *repository.DocumentRepository, chunkSize int, maxUploadBytes int64) *DocumentService {
	if chunkSize <= 0 {
		chunkSize = pipeline.DefaultChunkSize
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &DocumentService{docRepo: docRepo, chunkSize: chunkSize, maxUploadBytes: maxUploadBytes}
}

type CreateDocumentInput struct {
	Filename string
	Content  string
	Metadata map[string]interface{}
}

type DocumentPage struct {
	Documents []model.Document `json:"documents"`
	Total     int64            `json:"total"`
	Page      int              `json:"page"`
	PageSize  int              `json:"page_size"`
}

// Create chunks the content once and stores it; documents never change
// afterwards.
func (s *DocumentService) Create(ctx context.Context, input CreateDocumentInput) (*model.Document, error) {
	filename := strings.TrimSpace(input.Filename)
	if filename == "" {
		filename = "Untitled"
	}
	if len(filename) > 255 {
		return nil, ErrDocumentFilenameSize
	}
	if strings.TrimSpace(input.Content) == "" {
		return nil, ErrDocumentEmpty
	}

	chunks := pipeline.ChunkText(input.Content, s.chunkSize)
	doc := &model.Document{
		Filename: filename,
		Content:  input.Content,
		Chunks:   chunks,
		Metadata: input.Metadata,
	}
	if err := s.docRepo.Create(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// UploadPDF extracts the text of a pdf and stores it like Create does.
func (s *DocumentService) UploadPDF(ctx context.Context, filename string, r io.Reader) (*model.Document, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return nil, ErrUnsupportedFileType
	}
	res, err := pdfextract.Extract(r, s.maxUploadBytes)
	switch {
	case errors.Is(err, pdfextract.ErrTooLarge):
		return nil, ErrDocumentTooLarge
	case errors.Is(err, pdfextract.ErrEmpty), errors.Is(err, pdfextract.ErrNoText):
		return nil, ErrDocumentEmpty
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrDocumentUnreadable, err)
	}
	return s.Create(ctx, CreateDocumentInput{
		Filename: filepath.Base(filename),
		Content:  res.Text,
		Metadata: map[string]interface{}{
			"source": "upload",
			"pages":  res.Pages,
		},
	})
}

func (s *DocumentService) List(ctx context.Context, page, pageSize int) (*DocumentPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	list, total, err := s.docRepo.List(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &DocumentPage{Documents: list, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *DocumentService) Get(ctx context.Context, id uint) (*model.Document, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}
	doc, err := s.docRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}
