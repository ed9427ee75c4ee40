// Package rerank reorders retrieved candidates with a relevance scorer.
package rerank

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/retry"
	"go.uber.org/zap"
)

// Scorer scores every text against query in one call, one score per text.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
	Name() string
}

// DefaultTopN is the number of candidates kept when none is configured.
const DefaultTopN = 5

type Reranker struct {
	scorer Scorer
	topN   int
	policy retry.Policy
	logger *zap.Logger
}

func New(scorer Scorer, topN int, policy retry.Policy, logger *zap.Logger) *Reranker {
	if topN <= 0 {
		topN = DefaultTopN
	}
	if policy.Timeout <= 0 {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{scorer: scorer, topN: topN, policy: policy, logger: logger}
}

// TopN is the number of candidates Rank keeps.
func (r *Reranker) TopN() int {
	return r.topN
}

// Rank scores candidates against query and returns the best TopN of them.
func (r *Reranker) Rank(ctx context.Context, query string, candidates []domain.Candidate) ([]domain.RankedCandidate, error) {
	if len(candidates) == 0 {
		return []domain.RankedCandidate{}, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("rerank call failed, retrying",
			zap.String("scorer", r.scorer.Name()),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}
	scores, err := retry.Do(ctx, r.policy, func(ctx context.Context) ([]float64, error) {
		return r.scorer.Score(ctx, query, texts)
	}, notify)
	if err != nil {
		return nil, domain.NewStageError(domain.ErrCodeRerank, domain.StageRerank, domain.ErrRerankFailed.Message, err)
	}
	if len(scores) != len(candidates) {
		return nil, domain.ErrRerankScoreCount.WithStage(domain.StageRerank).
			WithCause(fmt.Errorf("got %d scores for %d candidates", len(scores), len(candidates)))
	}

	ranked := make([]domain.RankedCandidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = domain.RankedCandidate{Candidate: c, RerankScore: scores[i]}
	}
	Sort(ranked)
	return truncate(ranked, r.topN), nil
}

// SimilarityOrder is the degraded ranking used when the scorer is
// unavailable: retrieval order, with the similarity standing in for the
// rerank score.
func SimilarityOrder(candidates []domain.Candidate, topN int) []domain.RankedCandidate {
	ranked := make([]domain.RankedCandidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = domain.RankedCandidate{Candidate: c, RerankScore: c.SimilarityScore}
	}
	return truncate(ranked, topN)
}

// Sort orders by rerank score, then similarity, both descending, then by
// retrieval rank. The sort is stable.
func Sort(ranked []domain.RankedCandidate) {
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.RerankScore != b.RerankScore {
			return a.RerankScore > b.RerankScore
		}
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		return a.Rank < b.Rank
	})
}

func truncate(ranked []domain.RankedCandidate, n int) []domain.RankedCandidate {
	if n > 0 && len(ranked) > n {
		return ranked[:n]
	}
	return ranked
}
