package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/pipeline"
	"go.uber.org/zap"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"

	// MaxAttempts is how many times a file is ingested before it is moved to failed/
	MaxAttempts = 3
)

// Ingester is the part of the pipeline the inbox needs
type Ingester interface {
	Ingest(ctx context.Context, doc domain.Document) (*pipeline.IngestResult, error)
}

// InboxWorker ingests files dropped into a directory. Each file is moved to
// processed/ on success or failed/ with a .error note on failure. Files that
// fail with a retryable error stay in place for the next tick until
// MaxAttempts is reached.
type InboxWorker struct {
	dir      string
	ingester Ingester
	maxBytes int64
	logger   *zap.Logger

	mu       sync.Mutex
	attempts map[string]int
}

// NewInboxWorker creates the inbox layout under dir if needed.
func NewInboxWorker(dir string, ingester Ingester, maxBytes int64, logger *zap.Logger) (*InboxWorker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, sub := range []string{"", ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}
	return &InboxWorker{
		dir:      dir,
		ingester: ingester,
		maxBytes: maxBytes,
		logger:   logger,
		attempts: make(map[string]int),
	}, nil
}

// ProcessJobs implements the JobProcessor interface
func (w *InboxWorker) ProcessJobs(ctx context.Context) error {
	files, err := w.pending()
	if err != nil {
		return fmt.Errorf("failed to list inbox: %w", err)
	}
	if len(files) == 0 {
		return nil
	}

	w.logger.Info("processing inbox files", zap.Int("count", len(files)))

	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.processFile(ctx, name)
	}
	return nil
}

func (w *InboxWorker) pending() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (w *InboxWorker) processFile(ctx context.Context, name string) {
	path := filepath.Join(w.dir, name)
	logger := w.logger.With(zap.String("filename", name))

	result, err := w.ingestFile(ctx, path, name)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		attempt := w.recordAttempt(name)
		if retryable(err) && attempt < MaxAttempts {
			logger.Warn("inbox ingestion failed, will retry",
				zap.String("code", domain.CodeOf(err)),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", MaxAttempts),
				zap.Error(err))
			return
		}

		w.forget(name)
		logger.Error("inbox ingestion failed",
			zap.String("code", domain.CodeOf(err)),
			zap.Int("attempt", attempt),
			zap.Error(err))
		w.move(logger, path, FailedDir, name)
		note := filepath.Join(w.dir, FailedDir, name+".error")
		if werr := os.WriteFile(note, []byte(err.Error()+"\n"), 0o644); werr != nil {
			logger.Warn("failed to write error note", zap.Error(werr))
		}
		return
	}

	w.forget(name)
	logger.Info("inbox file ingested", zap.Int("chunks", result.ChunkCount))
	w.move(logger, path, ProcessedDir, name)
}

func (w *InboxWorker) recordAttempt(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[name]++
	return w.attempts[name]
}

func (w *InboxWorker) forget(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, name)
}

// retryable reports whether a later attempt could succeed. Problems with
// the document itself never go away.
func retryable(err error) bool {
	switch domain.CodeOf(err) {
	case domain.ErrCodeValidation, domain.ErrCodeTooLarge, domain.ErrCodeIngestion:
		return false
	}
	return true
}

func (w *InboxWorker) ingestFile(ctx context.Context, path, name string) (*pipeline.IngestResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if w.maxBytes > 0 && info.Size() > w.maxBytes {
		return nil, domain.ErrDocumentTooLarge
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return w.ingester.Ingest(ctx, domain.Document{Filename: name, Content: content})
}

func (w *InboxWorker) move(logger *zap.Logger, path, sub, name string) {
	if err := os.Rename(path, filepath.Join(w.dir, sub, name)); err != nil {
		logger.Error("failed to move inbox file", zap.String("to", sub), zap.Error(err))
	}
}
