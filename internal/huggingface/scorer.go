// Package huggingface scores query/passage pairs with a cross-encoder hosted
// on the Hugging Face inference API.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloo-solutions/docqa/internal/retry"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://router.huggingface.co/hf-inference/models"
	DefaultModel   = "cross-encoder/ms-marco-MiniLM-L-6-v2"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 1 << 12
)

var ErrNoAPIKey = errors.New("hugging face api key is required")

type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Scorer calls the sentence-similarity task of the inference API.
type Scorer struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(cfg Config) (*Scorer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	return &Scorer{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.Model,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      cfg.Model,
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

func (s *Scorer) Name() string {
	return "huggingface/" + s.model
}

type scoreRequest struct {
	Inputs scoreInputs `json:"inputs"`
}

type scoreInputs struct {
	SourceSentence string   `json:"source_sentence"`
	Sentences      []string `json:"sentences"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Score returns one relevance score per text.
func (s *Scorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return []float64{}, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(scoreRequest{Inputs: scoreInputs{SourceSentence: query, Sentences: texts}})
	if err != nil {
		return nil, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var scores []float64
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return scores, nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		msg = parsed.Error
	}
	err := fmt.Errorf("rerank service returned %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(err)
	default:
		// 503 while the model is loading is worth retrying
		return err
	}
}
