// Package index writes chunk vectors to a vector store and turns search hits
// back into candidates.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/retry"
	"github.com/cloo-solutions/docqa/internal/vectorstore"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of vectors written per store call.
const DefaultBatchSize = 100

type Config struct {
	BatchSize int
	Policy    retry.Policy
}

// Client is the only component that talks to the vector store.
type Client struct {
	store  vectorstore.Store
	cfg    Config
	logger *zap.Logger
}

func New(store vectorstore.Store, cfg Config, logger *zap.Logger) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Policy.Timeout <= 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{store: store, cfg: cfg, logger: logger}
}

// Upsert writes one vector per chunk in batches. Every chunk's metadata is
// validated before anything is written. When a batch fails, the batches
// already written are deleted before the error is returned.
func (c *Client) Upsert(ctx context.Context, namespace string, chunks []domain.Chunk, vectors [][]float32) (int, error) {
	if len(chunks) != len(vectors) {
		return 0, domain.NewStageError(domain.ErrCodeVectorStore, domain.StageIndex, domain.ErrVectorStoreFailed.Message,
			fmt.Errorf("%d chunks but %d vectors", len(chunks), len(vectors)))
	}

	records := make([]vectorstore.Record, len(chunks))
	for i, chunk := range chunks {
		meta := chunk.Metadata()
		if err := meta.Validate(); err != nil {
			return 0, &domain.DomainError{
				Code:    domain.ErrCodeVectorStore,
				Stage:   domain.StageIndex,
				Message: domain.ErrInvalidMetadata.Message,
				Err:     fmt.Errorf("chunk %s: %w", chunk.ID, err),
			}
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return 0, domain.NewStageError(domain.ErrCodeVectorStore, domain.StageIndex, domain.ErrVectorStoreFailed.Message, err)
		}
		records[i] = vectorstore.Record{ID: chunk.ID, Vector: vectors[i], Metadata: raw}
	}

	var written []string
	for start := 0; start < len(records); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(records))
		batch := records[start:end]

		_, err := retry.Do(ctx, c.cfg.Policy, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.store.Upsert(ctx, namespace, batch)
		}, c.notify("upsert", namespace))
		if err != nil {
			c.cleanup(ctx, namespace, written)
			return 0, domain.NewStageError(domain.ErrCodeVectorStore, domain.StageIndex, domain.ErrVectorStoreFailed.Message, err)
		}
		for _, r := range batch {
			written = append(written, r.ID)
		}
	}
	return len(records), nil
}

// cleanup removes partially written batches. It runs even if ctx is done.
func (c *Client) cleanup(ctx context.Context, namespace string, ids []string) {
	if len(ids) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Policy.Timeout)
	defer cancel()

	if err := c.store.Delete(cleanupCtx, namespace, ids); err != nil {
		c.logger.Error("failed to remove partially indexed vectors",
			zap.String("namespace", namespace),
			zap.Int("count", len(ids)),
			zap.Error(err))
		return
	}
	c.logger.Warn("removed partially indexed vectors",
		zap.String("namespace", namespace),
		zap.Int("count", len(ids)))
}

// Search returns up to k candidates ordered by similarity. An empty result is
// not an error; undecodable or incomplete metadata is.
func (c *Client) Search(ctx context.Context, namespace string, vector []float32, k int) ([]domain.Candidate, error) {
	matches, err := retry.Do(ctx, c.cfg.Policy, func(ctx context.Context) ([]vectorstore.Match, error) {
		return c.store.Search(ctx, namespace, vector, k)
	}, c.notify("search", namespace))
	if err != nil {
		return nil, domain.NewStageError(domain.ErrCodeVectorStore, domain.StageRetrieve, domain.ErrVectorStoreFailed.Message, err)
	}

	candidates := make([]domain.Candidate, 0, len(matches))
	for i, m := range matches {
		meta, err := decodeMetadata(m.Metadata)
		if err != nil {
			return nil, domain.ErrCorruptMetadata.WithStage(domain.StageRetrieve).
				WithCause(fmt.Errorf("entry %s: %w", m.ID, err))
		}
		candidates = append(candidates, domain.Candidate{
			ChunkID:         m.ID,
			Text:            meta.Text,
			Metadata:        meta,
			SimilarityScore: m.Score,
			Rank:            i,
		})
	}
	return candidates, nil
}

func decodeMetadata(raw json.RawMessage) (domain.ChunkMetadata, error) {
	var meta domain.ChunkMetadata
	if len(raw) == 0 {
		return meta, fmt.Errorf("metadata is empty")
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, err
	}
	if err := meta.Validate(); err != nil {
		return meta, err
	}
	return meta, nil
}

// Reset deletes every vector in namespace.
func (c *Client) Reset(ctx context.Context, namespace string) error {
	_, err := retry.Do(ctx, c.cfg.Policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.store.DeleteNamespace(ctx, namespace)
	}, c.notify("reset", namespace))
	if err != nil {
		return domain.NewStageError(domain.ErrCodeVectorStore, domain.StageIndex, domain.ErrVectorStoreFailed.Message, err)
	}
	return nil
}

// Count reports the number of vectors stored in namespace.
func (c *Client) Count(ctx context.Context, namespace string) (int, error) {
	count, err := retry.Do(ctx, c.cfg.Policy, func(ctx context.Context) (int, error) {
		return c.store.Count(ctx, namespace)
	}, nil)
	if err != nil {
		return 0, domain.NewStageError(domain.ErrCodeVectorStore, domain.StageRetrieve, domain.ErrVectorStoreFailed.Message, err)
	}
	return count, nil
}

// Store exposes the underlying store for snapshotting.
func (c *Client) Store() vectorstore.Store {
	return c.store
}

func (c *Client) notify(op, namespace string) retry.NotifyFunc {
	return func(err error, wait time.Duration) {
		c.logger.Warn("vector store call failed, retrying",
			zap.String("op", op),
			zap.String("namespace", namespace),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
}
