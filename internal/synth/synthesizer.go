// Package synth builds grounded prompts and turns generator output into answers.
package synth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/retry"
	"go.uber.org/zap"
)

const (
	// SystemPrompt restricts the model to the supplied context.
	SystemPrompt = "You are a precise and helpful AI assistant. Answer the question based ONLY on the provided context. " +
		"If the answer is not in the context, say 'I cannot answer this based on the provided documents.'"

	// NoResultsAnswer is returned when retrieval found nothing to answer from.
	NoResultsAnswer = "No relevant information found."
)

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt domain.Prompt) (string, error)
	Name() string
}

type Synthesizer struct {
	generator Generator
	policy    retry.Policy
	logger    *zap.Logger
}

func New(generator Generator, policy retry.Policy, logger *zap.Logger) *Synthesizer {
	if policy.Timeout <= 0 {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{generator: generator, policy: policy, logger: logger}
}

// Synthesize answers query from ranked. With nothing ranked it returns the
// canned no-results answer without calling the generator. Sources are
// exactly the candidates placed in the prompt, in order.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, ranked []domain.RankedCandidate) (domain.Answer, error) {
	if len(ranked) == 0 {
		return NoResults(), nil
	}
	if s.generator == nil {
		return domain.Answer{}, domain.ErrNoGeneratorsConfig.WithStage(domain.StageSynthesize)
	}

	prompt := BuildPrompt(query, ranked)
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("answer generation failed, retrying",
			zap.String("generator", s.generator.Name()),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	text, err := retry.Do(ctx, s.policy, func(ctx context.Context) (string, error) {
		return s.generator.Generate(ctx, prompt)
	}, notify)
	if err != nil {
		return domain.Answer{}, domain.NewStageError(domain.ErrCodeLLM, domain.StageSynthesize, domain.ErrGenerationFailed.Message, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Answer{}, domain.ErrEmptyGeneration.WithStage(domain.StageSynthesize)
	}

	sources := make([]domain.RankedCandidate, len(ranked))
	copy(sources, ranked)
	return domain.Answer{Text: text, Sources: sources}, nil
}

// NoResults is the answer for a question with no matching chunks.
func NoResults() domain.Answer {
	return domain.Answer{Text: NoResultsAnswer, Sources: []domain.RankedCandidate{}}
}

// BuildPrompt numbers each candidate as a context block with its source and page.
func BuildPrompt(query string, ranked []domain.RankedCandidate) domain.Prompt {
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, c := range ranked {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] (source: %s, page %d)\n%s", i+1, c.Metadata.SourceFilename, c.Metadata.PageNumber, c.Text)
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(strings.TrimSpace(query))

	return domain.Prompt{System: SystemPrompt, User: b.String()}
}
