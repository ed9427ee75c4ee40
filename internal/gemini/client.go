// Package gemini adapts the Gemini API to the embedding and answer
// generation capabilities.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/retry"
	"google.golang.org/genai"
)

const (
	DefaultEmbeddingModel = "text-embedding-004"
	DefaultChatModel      = "gemini-2.0-flash"
	// Gemini embedding task types
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

var (
	ErrNoAPIKey     = errors.New("gemini api key is required")
	ErrNoEmbeddings = errors.New("no embedding values returned")
)

// modelsAPI is the part of genai.Models the adapter needs.
type modelsAPI interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey              string
	EmbeddingModel      string
	EmbeddingDimensions int
	TaskType            string
	ChatModel           string
	MaxTokens           int
	// Temperature is used as given, including zero; nil selects 0.1.
	Temperature *float32
}

// Client serves both Embed and Generate through one genai client.
type Client struct {
	models      modelsAPI
	embedModel  string
	chatModel   string
	dimensions  int
	taskType    string
	maxTokens   int32
	temperature float32
}

// New connects to the Gemini API backend.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newWithModels(client.Models, cfg), nil
}

func newWithModels(models modelsAPI, cfg Config) *Client {
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.EmbeddingDimensions <= 0 {
		cfg.EmbeddingDimensions = 768
	}
	if cfg.TaskType == "" {
		cfg.TaskType = TaskRetrievalDocument
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	temperature := float32(0.1)
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	return &Client{
		models:      models,
		embedModel:  cfg.EmbeddingModel,
		chatModel:   cfg.ChatModel,
		dimensions:  cfg.EmbeddingDimensions,
		taskType:    cfg.TaskType,
		maxTokens:   int32(cfg.MaxTokens),
		temperature: temperature,
	}
}

// WithTaskType returns a copy of c that embeds with taskType, such as
// TaskRetrievalQuery for questions. Generation is unaffected.
func (c *Client) WithTaskType(taskType string) *Client {
	clone := *c
	clone.taskType = taskType
	return &clone
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: text}}}
	}

	config := &genai.EmbedContentConfig{
		TaskType:             c.taskType,
		OutputDimensionality: genai.Ptr(int32(c.dimensions)),
	}

	resp, err := c.models.EmbedContent(ctx, c.embedModel, contents, config)
	if err != nil {
		return nil, classify(fmt.Errorf("gemini embed: %w", err))
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, ErrNoEmbeddings
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			return nil, fmt.Errorf("embedding %d: %w", i, ErrNoEmbeddings)
		}
		out[i] = emb.Values
	}
	return out, nil
}

func (c *Client) Dimensions() int {
	return c.dimensions
}

func (c *Client) ModelName() string {
	return c.embedModel
}

func (c *Client) Name() string {
	return "gemini/" + c.chatModel
}

func (c *Client) Generate(ctx context.Context, prompt domain.Prompt) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(c.temperature),
		MaxOutputTokens: c.maxTokens,
	}
	if prompt.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: prompt.System}}}
	}

	resp, err := c.models.GenerateContent(ctx, c.chatModel,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt.User}}}},
		config)
	if err != nil {
		return "", classify(fmt.Errorf("gemini generate: %w", err))
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Text()), nil
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 &&
			apiErr.Code != http.StatusTooManyRequests && apiErr.Code != http.StatusRequestTimeout {
			return retry.Permanent(err)
		}
	}
	return err
}
