// Package openai adapts the OpenAI API to the embedding and answer
// generation capabilities.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/retry"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultEmbeddingModel is the OpenAI model used for generating embeddings
	DefaultEmbeddingModel = openai.SmallEmbedding3
	// DefaultEmbeddingDimensions is the vector size requested from the embedding model
	DefaultEmbeddingDimensions = 384
	// DefaultChatModel answers questions
	DefaultChatModel = "gpt-4o-mini"
	// DefaultMaxTokens bounds generated answers
	DefaultMaxTokens = 500
	// DefaultTemperature keeps answers close to the context
	DefaultTemperature float32 = 0.1
)

var (
	// ErrNoEmbeddingData is returned when the API answers without vectors
	ErrNoEmbeddingData = errors.New("no embedding data returned")
	// ErrNoChoices is returned when a chat completion has no choices
	ErrNoChoices = errors.New("chat completion returned no choices")
)

// EmbeddingAPI defines the interface for embedding generation
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, texts []string, dimensions int) ([][]float32, error)
}

// ChatAPI defines the interface for chat completions
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, system, user string, maxTokens int, temperature float32) (string, error)
}

// Client wraps the OpenAI API client
type Client struct {
	api         EmbeddingAPI
	chat        ChatAPI
	embedModel  string
	chatModel   string
	dimensions  int
	maxTokens   int
	temperature float32
}

type OpenAIAdapter struct {
	client     *openai.Client
	embedModel openai.EmbeddingModel
	chatModel  string
}

func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIAdapter{
		client:     openai.NewClientWithConfig(clientCfg),
		embedModel: cfg.EmbeddingModel,
		chatModel:  cfg.ChatModel,
	}
}

// CreateEmbeddings calls the OpenAI API to create embeddings, restoring input order
func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, texts []string, dimensions int) ([][]float32, error) {
	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      a.embedModel,
		Dimensions: dimensions,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, ErrNoEmbeddingData
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, item := range data {
		out[i] = item.Embedding
	}
	return out, nil
}

// CreateChatCompletion sends a system and user message and returns the first choice
func (a *OpenAIAdapter) CreateChatCompletion(ctx context.Context, system, user string, maxTokens int, temperature float32) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

type Config struct {
	APIKey              string
	BaseURL             string
	EmbeddingModel      openai.EmbeddingModel
	EmbeddingDimensions int
	ChatModel           string
	MaxTokens           int
	// Temperature is used as given, including zero; nil selects DefaultTemperature.
	Temperature *float32
}

func (c Config) withDefaults() Config {
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = DefaultEmbeddingModel
	}
	if c.EmbeddingDimensions <= 0 {
		c.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if c.ChatModel == "" {
		c.ChatModel = DefaultChatModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	return c
}

// NewClientWithConfig creates a new OpenAI client with explicit configuration.
func NewClientWithConfig(cfg Config) *Client {
	cfg = cfg.withDefaults()
	adapter := NewOpenAIAdapter(cfg)
	return &Client{
		api:         adapter,
		chat:        adapter,
		embedModel:  string(cfg.EmbeddingModel),
		chatModel:   cfg.ChatModel,
		dimensions:  cfg.EmbeddingDimensions,
		maxTokens:   cfg.MaxTokens,
		temperature: *cfg.Temperature,
	}
}

// Embed generates one embedding per text, in input order
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, retry.Permanent(fmt.Errorf("text %d is empty", i))
		}
	}

	vectors, err := c.api.CreateEmbeddings(ctx, texts, c.dimensions)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create embeddings: %w", err))
	}
	return vectors, nil
}

// Dimensions is the size of every returned vector
func (c *Client) Dimensions() int {
	return c.dimensions
}

// ModelName is the embedding model name
func (c *Client) ModelName() string {
	return c.embedModel
}

// Name identifies the generator in logs
func (c *Client) Name() string {
	return "openai/" + c.chatModel
}

// Generate produces an answer for prompt
func (c *Client) Generate(ctx context.Context, prompt domain.Prompt) (string, error) {
	text, err := c.chat.CreateChatCompletion(ctx, prompt.System, prompt.User, c.maxTokens, c.temperature)
	if err != nil {
		return "", classify(fmt.Errorf("failed to create chat completion: %w", err))
	}
	return text, nil
}

// classify marks client errors other than rate limiting as permanent so
// they are not retried.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return retry.Permanent(err)
	}
	return err
}
