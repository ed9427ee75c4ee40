//go:build integration

package openai

import (
	"context"
	"os"
	"testing"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_Embed_RealAPI(t *testing.T) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		t.Skip("OPENAI_API_KEY not set, skipping integration test")
	}

	client := NewClientWithConfig(Config{APIKey: apiKey})
	ctx := context.Background()

	vectors, err := client.Embed(ctx, []string{"This is a test document for generating embeddings.", "A second one."})

	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], DefaultEmbeddingDimensions)
}

func TestIntegration_Generate_RealAPI(t *testing.T) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		t.Skip("OPENAI_API_KEY not set, skipping integration test")
	}

	client := NewClientWithConfig(Config{APIKey: apiKey})
	answer, err := client.Generate(context.Background(), domain.Prompt{
		System: "Answer in one word.",
		User:   "What colour is the sky on a clear day?",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, answer)
}
