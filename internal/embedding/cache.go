package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cloo-solutions/docqa/internal/logging"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// WithCache wraps e with an in-process LRU so repeated texts, typically
// repeated questions, skip the remote call. Non-positive size or ttl
// disables caching.
func WithCache(e Embedder, size int, ttl time.Duration) Embedder {
	if e == nil || size <= 0 || ttl <= 0 {
		return e
	}
	return &cachedEmbedder{
		next:  e,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

type cachedEmbedder struct {
	next  Embedder
	cache *expirable.LRU[string, []float32]
}

// Embed serves cached vectors and forwards only the misses, in one call.
func (c *cachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missing []string
	var missingAt []int

	for i, text := range texts {
		keys[i] = cacheKey(c.next.ModelName(), text)
		if cached, ok := c.cache.Get(keys[i]); ok {
			vectors[i] = cloneVector(cached)
			continue
		}
		missing = append(missing, text)
		missingAt = append(missingAt, i)
	}

	if len(missing) == 0 {
		logging.FromContext(ctx).Debug("embedding cache hit", zap.Int("texts", len(texts)))
		return vectors, nil
	}

	fresh, err := c.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh), len(missing))
	}
	for j, vec := range fresh {
		i := missingAt[j]
		vectors[i] = vec
		c.cache.Add(keys[i], cloneVector(vec))
	}
	return vectors, nil
}

func (c *cachedEmbedder) Dimensions() int {
	return c.next.Dimensions()
}

func (c *cachedEmbedder) ModelName() string {
	return c.next.ModelName()
}

func cacheKey(model, text string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = "unknown"
	}
	hash := sha256.Sum256([]byte(text))
	return "embed:" + model + ":" + hex.EncodeToString(hash[:])
}

func cloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
