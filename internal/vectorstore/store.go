// Package vectorstore defines the vector store contract used by the index
// client, with in-memory and bbolt-backed implementations. The pgvector
// implementation lives in the repository package.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
)

// ErrDimensionMismatch is returned when a query and a stored vector differ in length.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Record is one stored entry. Metadata is the JSON encoding of the chunk
// metadata and is returned untouched by Search and Scan.
type Record struct {
	ID       string          `json:"id"`
	Vector   []float32       `json:"vector"`
	Metadata json.RawMessage `json:"metadata"`
}

// Match is a search hit with its cosine similarity.
type Match struct {
	ID       string
	Score    float64
	Metadata json.RawMessage
}

// Store persists vectors per namespace. Upsert is idempotent by ID.
type Store interface {
	Upsert(ctx context.Context, namespace string, records []Record) error
	Search(ctx context.Context, namespace string, query []float32, k int) ([]Match, error)
	Delete(ctx context.Context, namespace string, ids []string) error
	DeleteNamespace(ctx context.Context, namespace string) error
	Count(ctx context.Context, namespace string) (int, error)
	Scan(ctx context.Context, namespace string, fn func(Record) error) error
}

// Cosine returns the cosine similarity of a and b, or 0 when either is zero.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topK keeps the k best matches, ordered by score descending then ID.
func topK(matches []Match, k int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
