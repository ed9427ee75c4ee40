// Package retrieval finds the chunks most similar to a question.
package retrieval

import (
	"context"
	"strings"

	"github.com/cloo-solutions/docqa/internal/domain"
)

// QueryEmbedder embeds a single query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Searcher runs a similarity search in a namespace.
type Searcher interface {
	Search(ctx context.Context, namespace string, vector []float32, k int) ([]domain.Candidate, error)
}

// DefaultTopK is the number of candidates retrieved when none is configured.
const DefaultTopK = 10

type Retriever struct {
	embedder  QueryEmbedder
	searcher  Searcher
	namespace string
	topK      int
}

func New(embedder QueryEmbedder, searcher Searcher, namespace string, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{embedder: embedder, searcher: searcher, namespace: namespace, topK: topK}
}

// TopK is the configured retrieval depth.
func (r *Retriever) TopK() int {
	return r.topK
}

// Retrieve embeds query and returns up to topK candidates. A non-positive
// topK uses the configured depth. No matches yields an empty slice.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.ErrEmptyQuery
	}
	if topK <= 0 {
		topK = r.topK
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates, err := r.searcher.Search(ctx, r.namespace, vector, topK)
	if err != nil {
		return nil, err
	}
	if candidates == nil {
		candidates = []domain.Candidate{}
	}
	return candidates, nil
}
