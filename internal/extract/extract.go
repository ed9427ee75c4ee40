// Package extract turns uploaded documents into cleaned per-page text.
package extract

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/ledongthuc/pdf"
)

const (
	// DefaultMaxPages bounds documents when no limit is configured.
	DefaultMaxPages = 500

	formFeed = "\f"
)

// Extractor produces pages for PDF and plain text documents.
type Extractor struct {
	maxPages int
}

// New creates an Extractor that rejects documents with more than maxPages pages.
func New(maxPages int) *Extractor {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Extractor{maxPages: maxPages}
}

// Kind is the detected document format.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindText Kind = "text"
)

// Detect classifies a document by extension, then content type, then magic bytes.
func Detect(doc domain.Document) (Kind, error) {
	switch strings.ToLower(filepath.Ext(doc.Filename)) {
	case ".pdf":
		return KindPDF, nil
	case ".txt", ".md", ".markdown", ".text":
		return KindText, nil
	}

	contentType := strings.ToLower(doc.ContentType)
	switch {
	case strings.HasPrefix(contentType, "application/pdf"):
		return KindPDF, nil
	case strings.HasPrefix(contentType, "text/plain"), strings.HasPrefix(contentType, "text/markdown"):
		return KindText, nil
	}

	if bytes.HasPrefix(doc.Content, []byte("%PDF-")) {
		return KindPDF, nil
	}
	return "", domain.ErrUnsupportedFileType
}

// Extract returns every page of doc in order. Pages are cleaned but may be
// empty; deciding what to do with empty pages is left to the chunker.
func (e *Extractor) Extract(doc domain.Document) ([]domain.Page, error) {
	if strings.TrimSpace(doc.Filename) == "" {
		return nil, domain.ErrMissingFilename
	}
	if len(doc.Content) == 0 {
		return nil, domain.ErrEmptyDocument
	}

	kind, err := Detect(doc)
	if err != nil {
		return nil, err
	}

	var pages []domain.Page
	switch kind {
	case KindPDF:
		pages, err = e.extractPDF(doc.Content)
	default:
		pages, err = e.extractText(doc.Content)
	}
	if err != nil {
		return nil, err
	}
	return pages, nil
}

func (e *Extractor) extractPDF(content []byte) (pages []domain.Page, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = domain.ErrInvalidDocument.WithCause(fmt.Errorf("pdf reader: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, domain.ErrInvalidDocument.WithCause(err)
	}

	total := reader.NumPage()
	if total > e.maxPages {
		return nil, domain.ErrTooManyPages.WithCause(fmt.Errorf("%d pages, limit %d", total, e.maxPages))
	}

	pages = make([]domain.Page, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, domain.Page{Number: i})
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, domain.ErrInvalidDocument.WithCause(fmt.Errorf("page %d: %w", i, err))
		}
		pages = append(pages, domain.Page{Number: i, Text: CleanText(text)})
	}
	return pages, nil
}

// extractText treats form feeds as page breaks.
func (e *Extractor) extractText(content []byte) ([]domain.Page, error) {
	raw := strings.Split(string(content), formFeed)
	if len(raw) > e.maxPages {
		return nil, domain.ErrTooManyPages.WithCause(fmt.Errorf("%d pages, limit %d", len(raw), e.maxPages))
	}

	pages := make([]domain.Page, 0, len(raw))
	for i, text := range raw {
		pages = append(pages, domain.Page{Number: i + 1, Text: CleanText(text)})
	}
	return pages, nil
}

// CleanText joins hyphenated line breaks, turns newlines into spaces and
// collapses runs of whitespace.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "-\n", "")
	return strings.Join(strings.Fields(text), " ")
}
