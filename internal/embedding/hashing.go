package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashingModelName identifies vectors produced by HashingEmbedder.
const HashingModelName = "feature-hash-v1"

// HashingEmbedder is an offline embedder using the hashing trick over
// lowercased word tokens and their bigrams. Vectors are L2-normalised, so
// identical texts have cosine similarity 1. It backs local runs and tests
// when no embedding provider is configured.
type HashingEmbedder struct {
	dimensions int
}

// NewHashingEmbedder returns a HashingEmbedder producing vectors of the given dimension.
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashingEmbedder{dimensions: dimensions}
}

func (h *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashingEmbedder) Dimensions() int {
	return h.dimensions
}

func (h *HashingEmbedder) ModelName() string {
	return HashingModelName
}

func (h *HashingEmbedder) vector(text string) []float32 {
	vec := make([]float32, h.dimensions)
	tokens := Tokenize(text)

	add := func(feature string, weight float32) {
		hasher := fnv.New64a()
		_, _ = hasher.Write([]byte(feature))
		sum := hasher.Sum64()
		idx := int(sum % uint64(h.dimensions))
		// The top bit picks the sign so collisions tend to cancel.
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}

	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Keep the vector non-zero so cosine similarity stays defined.
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
