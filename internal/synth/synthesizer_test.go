package synth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockGenerator struct {
	mock.Mock
	name string
}

func (m *MockGenerator) Generate(ctx context.Context, prompt domain.Prompt) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

func (m *MockGenerator) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func testPolicy() retry.Policy {
	return retry.Policy{Timeout: time.Second, MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func refundSources() []domain.RankedCandidate {
	return []domain.RankedCandidate{
		{
			Candidate: domain.Candidate{
				ChunkID:         "policy.pdf_chunk_3",
				Text:            "Refunds are accepted within 30 days of purchase.",
				Metadata:        domain.ChunkMetadata{Text: "Refunds are accepted within 30 days of purchase.", SourceFilename: "policy.pdf", PageNumber: 2, ChunkIndex: 3},
				SimilarityScore: 0.92,
			},
			RerankScore: 4.1,
		},
		{
			Candidate: domain.Candidate{
				ChunkID:         "policy.pdf_chunk_4",
				Text:            "Store credit is offered after 30 days.",
				Metadata:        domain.ChunkMetadata{Text: "Store credit is offered after 30 days.", SourceFilename: "policy.pdf", PageNumber: 3, ChunkIndex: 4},
				SimilarityScore: 0.81,
				Rank:            1,
			},
			RerankScore: 1.2,
		},
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(" What is the refund policy? ", refundSources())

	assert.Equal(t, SystemPrompt, prompt.System)
	assert.Equal(t,
		"Context:\n"+
			"[1] (source: policy.pdf, page 2)\nRefunds are accepted within 30 days of purchase.\n\n"+
			"[2] (source: policy.pdf, page 3)\nStore credit is offered after 30 days.\n\n"+
			"Question: What is the refund policy?",
		prompt.User)
}

func TestSynthesizer_Answer(t *testing.T) {
	gen := new(MockGenerator)
	s := New(gen, testPolicy(), nil)
	sources := refundSources()

	gen.On("Generate", mock.Anything, BuildPrompt("What is the refund policy?", sources)).
		Return(" Refunds are accepted within 30 days [1]. ", nil)

	answer, err := s.Synthesize(context.Background(), "What is the refund policy?", sources)
	require.NoError(t, err)
	assert.Equal(t, "Refunds are accepted within 30 days [1].", answer.Text)
	assert.Equal(t, sources, answer.Sources)
	gen.AssertExpectations(t)
}

func TestSynthesizer_NoResults(t *testing.T) {
	gen := new(MockGenerator)
	s := New(gen, testPolicy(), nil)

	answer, err := s.Synthesize(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Equal(t, NoResultsAnswer, answer.Text)
	assert.Empty(t, answer.Sources)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestSynthesizer_GeneratorFailureIsLLMError(t *testing.T) {
	gen := new(MockGenerator)
	s := New(gen, testPolicy(), nil)

	gen.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("upstream 502"))

	answer, err := s.Synthesize(context.Background(), "q", refundSources())
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.ErrCodeLLM))
	assert.Empty(t, answer.Text)
	gen.AssertNumberOfCalls(t, "Generate", 2)
}

func TestSynthesizer_EmptyGeneration(t *testing.T) {
	gen := new(MockGenerator)
	s := New(gen, testPolicy(), nil)

	gen.On("Generate", mock.Anything, mock.Anything).Return("   ", nil)

	_, err := s.Synthesize(context.Background(), "q", refundSources())
	assert.ErrorIs(t, err, domain.ErrEmptyGeneration)
}

func TestSynthesizer_Timeout(t *testing.T) {
	gen := new(MockGenerator)
	policy := testPolicy()
	policy.Timeout = 10 * time.Millisecond
	s := New(gen, policy, nil)

	gen.On("Generate", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return("", context.DeadlineExceeded)

	_, err := s.Synthesize(context.Background(), "q", refundSources())
	assert.True(t, domain.HasCode(err, domain.ErrCodeTimeout))
	gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestFallbackGenerator(t *testing.T) {
	primary := &MockGenerator{name: "primary"}
	secondary := &MockGenerator{name: "secondary"}
	prompt := domain.Prompt{System: "s", User: "u"}

	primary.On("Generate", mock.Anything, prompt).Return("", retry.Permanent(errors.New("401")))
	secondary.On("Generate", mock.Anything, prompt).Return("answer", nil)

	f := NewFallbackGenerator(nil, primary, secondary)
	text, err := f.Generate(context.Background(), prompt)

	require.NoError(t, err)
	assert.Equal(t, "answer", text)
	assert.Equal(t, "fallback(primary,secondary)", f.Name())
}

func TestFallbackGenerator_AllFail(t *testing.T) {
	primary := &MockGenerator{name: "primary"}
	secondary := &MockGenerator{name: "secondary"}

	primary.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("timeout"))
	secondary.On("Generate", mock.Anything, mock.Anything).Return("", retry.Permanent(errors.New("403")))

	f := NewFallbackGenerator(nil, primary, secondary)
	_, err := f.Generate(context.Background(), domain.Prompt{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary")
	assert.Contains(t, err.Error(), "secondary")
	assert.True(t, retry.IsPermanent(err))
}

func TestFallbackGenerator_Empty(t *testing.T) {
	_, err := NewFallbackGenerator(nil).Generate(context.Background(), domain.Prompt{})
	assert.ErrorIs(t, err, domain.ErrNoGeneratorsConfig)
}
