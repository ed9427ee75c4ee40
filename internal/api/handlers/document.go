package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/cloo-solutions/docqa/internal/api"
	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/logging"
	"github.com/cloo-solutions/docqa/internal/pipeline"
	"go.uber.org/zap"
)

// DefaultMaxUploadBytes bounds an uploaded document.
const DefaultMaxUploadBytes int64 = 20 << 20

var errMissingFileField = domain.NewDomainError(domain.ErrCodeValidation, "multipart field \"file\" is required")

type IngestService interface {
	Ingest(ctx context.Context, doc domain.Document) (*pipeline.IngestResult, error)
}

type DocumentHandler struct {
	svc      IngestService
	maxBytes int64
}

func NewDocumentHandler(svc IngestService, maxBytes int64) *DocumentHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &DocumentHandler{svc: svc, maxBytes: maxBytes}
}

type UploadResponse struct {
	Status       string `json:"status"`
	Filename     string `json:"filename"`
	ChunkCount   int    `json:"chunk_count"`
	SkippedPages []int  `json:"skipped_pages"`
}

// Upload ingests a document sent either as the multipart field "file" or
// as a raw body named by the X-Filename header.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	doc, err := readDocument(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	logging.FromContext(r.Context()).Info("upload received",
		zap.String("filename", doc.Filename),
		zap.Int("bytes", len(doc.Content)))

	result, err := h.svc.Ingest(r.Context(), doc)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	skipped := result.SkippedPages
	if skipped == nil {
		skipped = []int{}
	}
	api.Success(w, http.StatusOK, UploadResponse{
		Status:       "success",
		Filename:     result.Filename,
		ChunkCount:   result.ChunkCount,
		SkippedPages: skipped,
	})
}

func readDocument(r *http.Request) (domain.Document, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return readMultipart(r)
	}

	filename := strings.TrimSpace(r.Header.Get("X-Filename"))
	if filename == "" {
		return domain.Document{}, domain.ErrMissingFilename
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		return domain.Document{}, bodyError(err)
	}
	return domain.Document{
		Filename:    filepath.Base(filename),
		ContentType: mediaType,
		Content:     content,
	}, nil
}

func readMultipart(r *http.Request) (domain.Document, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return domain.Document{}, errMissingFileField
		}
		return domain.Document{}, bodyError(err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return domain.Document{}, bodyError(err)
	}
	if strings.TrimSpace(header.Filename) == "" {
		return domain.Document{}, domain.ErrMissingFilename
	}
	return domain.Document{
		Filename:    filepath.Base(header.Filename),
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	}, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return domain.ErrDocumentTooLarge.WithCause(err)
	}
	return domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "could not read upload", err)
}
