package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/retry"
	"go.uber.org/zap"
)

// FallbackGenerator tries each generator in order and returns the first
// non-empty answer.
type FallbackGenerator struct {
	generators []Generator
	logger     *zap.Logger
}

func NewFallbackGenerator(logger *zap.Logger, generators ...Generator) *FallbackGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackGenerator{generators: generators, logger: logger}
}

func (f *FallbackGenerator) Name() string {
	names := make([]string, len(f.generators))
	for i, g := range f.generators {
		names[i] = g.Name()
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}

// Generate returns the first successful answer. When every generator fails
// the errors are joined, and the result is permanent unless the last
// failure was transient.
func (f *FallbackGenerator) Generate(ctx context.Context, prompt domain.Prompt) (string, error) {
	if len(f.generators) == 0 {
		return "", retry.Permanent(domain.ErrNoGeneratorsConfig)
	}

	var errs []error
	var last error
	for i, g := range f.generators {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := g.Generate(ctx, prompt)
		if err == nil && strings.TrimSpace(text) != "" {
			if i > 0 {
				f.logger.Info("answer generated by fallback", zap.String("generator", g.Name()))
			}
			return text, nil
		}
		if err == nil {
			err = errors.New("empty answer")
		}
		f.logger.Warn("generator failed", zap.String("generator", g.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
		last = err
	}

	joined := errors.Join(errs...)
	if retry.IsPermanent(last) {
		return "", retry.Permanent(joined)
	}
	return "", joined
}
