//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const policyText = `Returns and refunds.
Refunds are accepted within 30 days of purchase when a receipt is provided.
After 30 days only store credit is offered. Shipping fees are not refunded.`

type uploadData struct {
	Status     string `json:"status"`
	Filename   string `json:"filename"`
	ChunkCount int    `json:"chunk_count"`
}

type queryData struct {
	Answer   string `json:"answer"`
	Outcome  string `json:"outcome"`
	Degraded bool   `json:"degraded"`
	Sources  []struct {
		Text     string `json:"text"`
		Metadata struct {
			SourceFilename string `json:"source_filename"`
			PageNumber     int    `json:"page_number"`
		} `json:"metadata"`
	} `json:"sources"`
}

type healthData struct {
	Status  string `json:"status"`
	Vectors int    `json:"vectors"`
}

func TestE2E_UploadAndQuery(t *testing.T) {
	env := SetupE2EEnv(t)

	t.Run("empty index has no results", func(t *testing.T) {
		resp, err := env.Query("What is the refund policy?")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var q queryData
		require.NoError(t, json.Unmarshal(resp.Data, &q))
		assert.Equal(t, "no_results", q.Outcome)
		assert.Equal(t, "No relevant information found.", q.Answer)
		assert.Empty(t, env.LLM.Prompts())
	})

	t.Run("upload indexes the document", func(t *testing.T) {
		resp, err := env.UploadRaw("policy.txt", []byte(policyText))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, resp.Error)

		var up uploadData
		require.NoError(t, json.Unmarshal(resp.Data, &up))
		assert.Equal(t, "policy.txt", up.Filename)
		assert.Positive(t, up.ChunkCount)
	})

	t.Run("re-upload is idempotent", func(t *testing.T) {
		before := vectorCount(t, env)
		_, err := env.UploadRaw("policy.txt", []byte(policyText))
		require.NoError(t, err)
		assert.Equal(t, before, vectorCount(t, env))
	})

	t.Run("query answers with sources", func(t *testing.T) {
		resp, err := env.Query("What is the refund policy?")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, resp.Error)

		var q queryData
		require.NoError(t, json.Unmarshal(resp.Data, &q))
		assert.Equal(t, "success", q.Outcome)
		assert.Contains(t, q.Answer, "[1]")
		require.NotEmpty(t, q.Sources)
		assert.Equal(t, "policy.txt", q.Sources[0].Metadata.SourceFilename)

		prompts := env.LLM.Prompts()
		require.Len(t, prompts, 1)
		assert.Contains(t, prompts[0], "[1] (source: policy.txt, page 1)")
		assert.Contains(t, prompts[0], "Question: What is the refund policy?")
	})

	t.Run("unsupported file is rejected", func(t *testing.T) {
		resp, err := env.UploadRaw("image.png", []byte{0x89, 'P', 'N', 'G'})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "VALIDATION_ERROR", resp.Code)
		assert.Equal(t, "extract", resp.Stage)
	})

	t.Run("empty question is rejected", func(t *testing.T) {
		resp, err := env.Query("   ")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestE2E_CLIWorkflow(t *testing.T) {
	env := SetupE2EEnv(t)

	docPath := filepath.Join(t.TempDir(), "handbook.md")
	require.NoError(t, os.WriteFile(docPath, []byte(policyText), 0o644))

	t.Run("docqa health", func(t *testing.T) {
		output, err := env.RunDocqa("health")
		require.NoError(t, err, output)
		assert.Contains(t, output, "ok:")
	})

	t.Run("docqa upload", func(t *testing.T) {
		output, err := env.RunDocqa("upload", docPath)
		require.NoError(t, err, output)
		assert.Contains(t, output, "handbook.md:")
	})

	t.Run("docqa ask", func(t *testing.T) {
		output, err := env.RunDocqa("ask", "How long do I have to return an item?")
		require.NoError(t, err, output)
		assert.Contains(t, output, "Refunds are accepted within 30 days of purchase [1].")
		assert.Contains(t, output, "handbook.md, page 1")
	})

	t.Run("docqad snapshot round trip", func(t *testing.T) {
		count := vectorCount(t, env)
		require.Positive(t, count)

		output, err := env.RunDocqad("snapshot", "export", "e2e/handbook.ndjson")
		require.NoError(t, err, output)
		assert.Contains(t, output, "Exported")

		output, err = env.RunDocqad("reset", "--yes")
		require.NoError(t, err, output)
		assert.Equal(t, 0, vectorCount(t, env))

		output, err = env.RunDocqad("snapshot", "import", "e2e/handbook.ndjson")
		require.NoError(t, err, output)
		assert.Equal(t, count, vectorCount(t, env))
	})

	t.Run("docqad ask uses another namespace", func(t *testing.T) {
		output, err := env.RunDocqad("ask", "--namespace", "empty", "anything")
		require.NoError(t, err, output)
		assert.Contains(t, output, "No relevant information found.")
	})
}

func vectorCount(t *testing.T, env *E2ETestEnv) int {
	t.Helper()
	resp, err := env.Get("/health")
	require.NoError(t, err)
	var h healthData
	require.NoError(t, json.Unmarshal(resp.Data, &h))
	require.Equal(t, "ok", h.Status)
	return h.Vectors
}
