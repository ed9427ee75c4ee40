package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchConfig controls how the Batcher splits and schedules work.
type BatchConfig struct {
	BatchSize   int
	Concurrency int
	Policy      retry.Policy
}

// DefaultBatchConfig returns the batching defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:   32,
		Concurrency: 4,
		Policy:      retry.DefaultPolicy(),
	}
}

// Batcher embeds arbitrary numbers of texts through an Embedder.
type Batcher struct {
	embedder Embedder
	cfg      BatchConfig
	logger   *zap.Logger
}

// NewBatcher wraps embedder. Zero config fields fall back to DefaultBatchConfig.
func NewBatcher(embedder Embedder, cfg BatchConfig, logger *zap.Logger) *Batcher {
	defaults := DefaultBatchConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.Policy.Timeout <= 0 {
		cfg.Policy = defaults.Policy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{embedder: embedder, cfg: cfg, logger: logger}
}

// Dimensions reports the dimension of every vector the Batcher returns.
func (b *Batcher) Dimensions() int {
	return b.embedder.Dimensions()
}

// ModelName identifies the underlying model.
func (b *Batcher) ModelName() string {
	return b.embedder.ModelName()
}

// EmbedChunks embeds the text of every chunk, preserving order.
func (b *Batcher) EmbedChunks(ctx context.Context, chunks []domain.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	return b.EmbedTexts(ctx, texts, domain.StageEmbed)
}

// EmbedQuery embeds a single query as a one-item batch.
func (b *Batcher) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := b.EmbedTexts(ctx, []string{query}, domain.StageRetrieve)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedTexts embeds texts in batches. A failure in any batch cancels the
// rest and is reported as an embedding error attributed to stage.
func (b *Batcher) EmbedTexts(ctx context.Context, texts []string, stage domain.Stage) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)

	for start := 0; start < len(texts); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(texts))
		g.Go(func() error {
			batch, err := b.embedBatch(gctx, texts[start:end], start)
			if err != nil {
				return err
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// errgroup cancels gctx after the first failure; report that
		// failure rather than the cancellations it caused.
		return nil, domain.NewStageError(domain.ErrCodeEmbedding, stage, domain.ErrEmbeddingFailed.Message, err)
	}
	return vectors, nil
}

func (b *Batcher) embedBatch(ctx context.Context, texts []string, offset int) ([][]float32, error) {
	notify := func(err error, wait time.Duration) {
		b.logger.Warn("embedding batch failed, retrying",
			zap.Int("offset", offset),
			zap.Int("size", len(texts)),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	vectors, err := retry.Do(ctx, b.cfg.Policy, func(ctx context.Context) ([][]float32, error) {
		return b.embedder.Embed(ctx, texts)
	}, notify)
	if err != nil {
		return nil, err
	}
	if err := b.checkShape(texts, vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (b *Batcher) checkShape(texts []string, vectors [][]float32) error {
	if len(vectors) != len(texts) {
		return domain.ErrEmbeddingShape.WithCause(fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)))
	}
	want := b.embedder.Dimensions()
	for i, vec := range vectors {
		if len(vec) != want {
			return domain.ErrEmbeddingShape.WithCause(fmt.Errorf("vector %d has dimension %d, want %d", i, len(vec), want))
		}
	}
	return nil
}
