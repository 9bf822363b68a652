package pdfextract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	ErrEmpty    = errors.New("pdf is empty")
	ErrTooLarge = errors.New("pdf exceeds size limit")
	ErrNoText   = errors.New("pdf has no extractable text")
)

type Result struct {
	Text  string
	Pages int
}

// Extract reads at most maxBytes from r and returns the plain text of every
// page, pages separated by a blank line.
func Extract(r io.Reader, maxBytes int64) (*Result, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read pdf failed: %w", err)
	}
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrTooLarge
	}

	reader, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("open pdf failed: %w", err)
	}

	pages := reader.NumPage()
	texts := make([]string, 0, pages)
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract pdf page %d failed: %w", i, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return nil, ErrNoText
	}
	return &Result{Text: strings.Join(texts, "\n\n"), Pages: pages}, nil
}
