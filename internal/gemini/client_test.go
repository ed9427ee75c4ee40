package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type MockModels struct {
	mock.Mock
}

func (m *MockModels) EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	args := m.Called(ctx, model, contents, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*genai.EmbedContentResponse), args.Error(1)
}

func (m *MockModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	args := m.Called(ctx, model, contents, config)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*genai.GenerateContentResponse), args.Error(1)
}

func TestClient_Embed(t *testing.T) {
	models := new(MockModels)
	client := newWithModels(models, Config{EmbeddingDimensions: 2})

	models.On("EmbedContent", mock.Anything, DefaultEmbeddingModel,
		mock.MatchedBy(func(contents []*genai.Content) bool {
			return len(contents) == 2 && contents[1].Parts[0].Text == "second"
		}),
		mock.MatchedBy(func(cfg *genai.EmbedContentConfig) bool {
			return cfg.TaskType == TaskRetrievalDocument && *cfg.OutputDimensionality == 2
		}),
	).Return(&genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: []float32{1, 0}}, {Values: []float32{0, 1}}},
	}, nil)

	vectors, err := client.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
	assert.Equal(t, 2, client.Dimensions())
	assert.Equal(t, DefaultEmbeddingModel, client.ModelName())
	models.AssertExpectations(t)
}

func TestClient_WithTaskType(t *testing.T) {
	models := new(MockModels)
	docs := newWithModels(models, Config{EmbeddingDimensions: 2})
	queries := docs.WithTaskType(TaskRetrievalQuery)

	models.On("EmbedContent", mock.Anything, DefaultEmbeddingModel, mock.Anything,
		mock.MatchedBy(func(cfg *genai.EmbedContentConfig) bool { return cfg.TaskType == TaskRetrievalQuery }),
	).Return(&genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: []float32{1, 0}}},
	}, nil)

	_, err := queries.Embed(context.Background(), []string{"what is the refund policy?"})
	require.NoError(t, err)
	assert.Equal(t, TaskRetrievalDocument, docs.taskType)
	assert.Equal(t, docs.Dimensions(), queries.Dimensions())
	models.AssertExpectations(t)
}

func TestNewWithModels_Temperature(t *testing.T) {
	assert.Equal(t, float32(0.1), newWithModels(new(MockModels), Config{}).temperature)

	zero := float32(0)
	assert.Equal(t, float32(0), newWithModels(new(MockModels), Config{Temperature: &zero}).temperature)
}

func TestClient_Embed_NoValues(t *testing.T) {
	models := new(MockModels)
	client := newWithModels(models, Config{})

	models.On("EmbedContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&genai.EmbedContentResponse{}, nil)

	_, err := client.Embed(context.Background(), []string{"text"})
	assert.ErrorIs(t, err, ErrNoEmbeddings)
}

func TestClient_Generate(t *testing.T) {
	models := new(MockModels)
	client := newWithModels(models, Config{ChatModel: "gemini-test"})

	models.On("GenerateContent", mock.Anything, "gemini-test", mock.Anything,
		mock.MatchedBy(func(cfg *genai.GenerateContentConfig) bool {
			return cfg.SystemInstruction != nil &&
				cfg.SystemInstruction.Parts[0].Text == "system" &&
				cfg.MaxOutputTokens == 500
		}),
	).Return(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "  The refund window is 30 days. "}}},
		}},
	}, nil)

	answer, err := client.Generate(context.Background(), domain.Prompt{System: "system", User: "refunds?"})
	require.NoError(t, err)
	assert.Equal(t, "The refund window is 30 days.", answer)
	assert.Equal(t, "gemini/gemini-test", client.Name())
}

func TestClassify(t *testing.T) {
	assert.True(t, retry.IsPermanent(classify(genai.APIError{Code: 403, Message: "denied"})))
	assert.False(t, retry.IsPermanent(classify(genai.APIError{Code: 429, Message: "quota"})))
	assert.False(t, retry.IsPermanent(classify(genai.APIError{Code: 503, Message: "busy"})))
	assert.False(t, retry.IsPermanent(classify(errors.New("dial tcp: timeout"))))
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}
