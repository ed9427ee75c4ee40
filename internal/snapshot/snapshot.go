// Package snapshot moves a namespace of vectors to and from object storage
// as JSON lines, one record per line.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/vectorstore"
	"go.uber.org/zap"
)

const (
	ContentType      = "application/x-ndjson"
	defaultBatchSize = 100
	maxLineBytes     = 16 << 20
)

// ObjectStore is the subset of storage.S3Client a snapshot needs.
type ObjectStore interface {
	PutObject(ctx context.Context, key, contentType string, data []byte) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}

type line struct {
	ID       string          `json:"id"`
	Vector   []float32       `json:"vector"`
	Metadata json.RawMessage `json:"metadata"`
}

// Export writes every record of namespace to w and returns how many were written.
func Export(ctx context.Context, store vectorstore.Store, namespace string, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	err := store.Scan(ctx, namespace, func(r vectorstore.Record) error {
		if err := enc.Encode(line{ID: r.ID, Vector: r.Vector, Metadata: r.Metadata}); err != nil {
			return fmt.Errorf("encode %s: %w", r.ID, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("export namespace %q: %w", namespace, err)
	}
	return n, nil
}

// Import upserts every record read from r into namespace. Records are
// validated before they are written, and upserts are idempotent, so a
// snapshot can be imported more than once.
func Import(ctx context.Context, store vectorstore.Store, namespace string, r io.Reader, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var batch []vectorstore.Record
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.Upsert(ctx, namespace, batch); err != nil {
			return fmt.Errorf("import namespace %q: %w", namespace, err)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		rec, err := decodeLine(raw)
		if err != nil {
			return total, fmt.Errorf("line %d: %w", lineNo, err)
		}
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, fmt.Errorf("read snapshot: %w", err)
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

func decodeLine(raw []byte) (vectorstore.Record, error) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return vectorstore.Record{}, fmt.Errorf("decode record: %w", err)
	}
	if l.ID == "" {
		return vectorstore.Record{}, errors.New("record has no id")
	}
	if len(l.Vector) == 0 {
		return vectorstore.Record{}, fmt.Errorf("record %s has no vector", l.ID)
	}
	var meta domain.ChunkMetadata
	if err := json.Unmarshal(l.Metadata, &meta); err != nil {
		return vectorstore.Record{}, fmt.Errorf("record %s: decode metadata: %w", l.ID, err)
	}
	if err := meta.Validate(); err != nil {
		return vectorstore.Record{}, fmt.Errorf("record %s: %w", l.ID, err)
	}
	return vectorstore.Record{ID: l.ID, Vector: l.Vector, Metadata: l.Metadata}, nil
}

// Service exports and restores namespaces through an ObjectStore.
type Service struct {
	store     vectorstore.Store
	objects   ObjectStore
	batchSize int
	logger    *zap.Logger
}

func NewService(store vectorstore.Store, objects ObjectStore, batchSize int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, objects: objects, batchSize: batchSize, logger: logger}
}

// ExportTo writes namespace to key.
func (s *Service) ExportTo(ctx context.Context, namespace, key string) (int, error) {
	var buf bytes.Buffer
	n, err := Export(ctx, s.store, namespace, &buf)
	if err != nil {
		return 0, err
	}
	if err := s.objects.PutObject(ctx, key, ContentType, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("upload snapshot: %w", err)
	}
	s.logger.Info("snapshot exported",
		zap.String("namespace", namespace),
		zap.String("key", key),
		zap.Int("records", n),
		zap.Int("bytes", buf.Len()))
	return n, nil
}

// ImportFrom restores key into namespace.
func (s *Service) ImportFrom(ctx context.Context, namespace, key string) (int, error) {
	body, err := s.objects.GetObject(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("download snapshot: %w", err)
	}
	defer body.Close()

	n, err := Import(ctx, s.store, namespace, body, s.batchSize)
	if err != nil {
		return n, err
	}
	s.logger.Info("snapshot imported",
		zap.String("namespace", namespace),
		zap.String("key", key),
		zap.Int("records", n))
	return n, nil
}
