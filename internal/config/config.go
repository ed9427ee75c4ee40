package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Debug       bool   `envconfig:"DEBUG" default:"false"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173,http://localhost:3000"`
	MaxUploadBytes int64    `envconfig:"MAX_UPLOAD_BYTES" default:"20971520"`
	MaxPages       int      `envconfig:"MAX_PAGES" default:"500"`

	// Vector store: "postgres" (pgvector), "bolt" (local file) or "memory"
	VectorStore      string `envconfig:"VECTOR_STORE" default:"postgres"`
	DatabaseURL      string `envconfig:"DATABASE_URL"`
	DatabaseMaxConns int32  `envconfig:"DATABASE_MAX_CONNS" default:"10"`
	BoltPath         string `envconfig:"BOLT_PATH" default:"docqa.db"`
	Namespace        string `envconfig:"NAMESPACE" default:"default"`
	IndexBatchSize   int    `envconfig:"INDEX_BATCH_SIZE" default:"100"`
	MigrationsDir    string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	ChunkSize              int           `envconfig:"CHUNK_SIZE" default:"500"`
	ChunkOverlapFraction   float64       `envconfig:"CHUNK_OVERLAP_FRACTION" default:"0.15"`
	RetrievalTopK          int           `envconfig:"RETRIEVAL_TOP_K" default:"10"`
	RerankTopN             int           `envconfig:"RERANK_TOP_N" default:"5"`
	EmbeddingBatchSize     int           `envconfig:"EMBEDDING_BATCH_SIZE" default:"32"`
	EmbeddingConcurrency   int           `envconfig:"EMBEDDING_CONCURRENCY" default:"4"`
	PerCallTimeout         time.Duration `envconfig:"PER_CALL_TIMEOUT" default:"30s"`
	MaxRetries             int           `envconfig:"MAX_RETRIES" default:"3"`
	DegradeOnRerankFailure bool          `envconfig:"DEGRADE_ON_RERANK_FAILURE" default:"true"`

	// Embedding provider: "openai", "gemini" or "hashing"
	EmbeddingProvider   string        `envconfig:"EMBEDDING_PROVIDER" default:"openai"`
	EmbeddingModel      string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	GeminiEmbedModel    string        `envconfig:"GEMINI_EMBEDDING_MODEL" default:"text-embedding-004"`
	EmbeddingDimensions int           `envconfig:"EMBEDDING_DIMENSIONS" default:"384"`
	EmbeddingCacheSize  int           `envconfig:"EMBEDDING_CACHE_SIZE" default:"1024"`
	EmbeddingCacheTTL   time.Duration `envconfig:"EMBEDDING_CACHE_TTL" default:"10m"`

	// Generators are tried in order until one succeeds
	GeneratorProviders []string `envconfig:"GENERATOR_PROVIDERS" default:"openai"`
	ChatModel          string   `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`
	GeminiChatModel    string   `envconfig:"GEMINI_CHAT_MODEL" default:"gemini-2.0-flash"`
	MaxAnswerTokens    int      `envconfig:"MAX_ANSWER_TOKENS" default:"500"`
	Temperature        float32  `envconfig:"TEMPERATURE" default:"0.1"`

	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`

	// Reranker: "huggingface", "lexical", or "auto" (huggingface when a key is set)
	RerankProvider     string  `envconfig:"RERANK_PROVIDER" default:"auto"`
	HuggingFaceAPIKey  string  `envconfig:"HUGGINGFACE_API_KEY"`
	HuggingFaceBaseURL string  `envconfig:"HUGGINGFACE_BASE_URL" default:"https://router.huggingface.co/hf-inference/models"`
	RerankModel        string  `envconfig:"RERANK_MODEL" default:"cross-encoder/ms-marco-MiniLM-L-6-v2"`
	RerankRPS          float64 `envconfig:"RERANK_RPS" default:"5"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"docqa-snapshots"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	// Inbox worker: files dropped here are ingested in the background
	InboxDir      string        `envconfig:"INBOX_DIR"`
	InboxInterval time.Duration `envconfig:"INBOX_INTERVAL" default:"15s"`
}

// PipelineSettings is the subset of configuration the pipeline recognizes.
type PipelineSettings struct {
	ChunkSize              int
	ChunkOverlapFraction   float64
	RetrievalTopK          int
	RerankTopN             int
	EmbeddingBatchSize     int
	EmbeddingConcurrency   int
	IndexBatchSize         int
	PerCallTimeout         time.Duration
	MaxRetries             int
	DegradeOnRerankFailure bool
	MaxPages               int
	Namespace              string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("DOCQA", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFlags loads the environment, applies flags that were set on fs
// and validates the result.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if fs != nil {
		if err := cfg.ApplyFlags(fs); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks pipeline ranges and backend requirements.
func (c *Config) Validate() error {
	var errs []error

	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("CHUNK_SIZE must be positive"))
	}
	if c.ChunkOverlapFraction < 0 || c.ChunkOverlapFraction >= 0.5 {
		errs = append(errs, errors.New("CHUNK_OVERLAP_FRACTION must be in [0, 0.5)"))
	}
	if c.RetrievalTopK <= 0 {
		errs = append(errs, errors.New("RETRIEVAL_TOP_K must be positive"))
	}
	if c.RerankTopN <= 0 {
		errs = append(errs, errors.New("RERANK_TOP_N must be positive"))
	}
	if c.EmbeddingBatchSize <= 0 {
		errs = append(errs, errors.New("EMBEDDING_BATCH_SIZE must be positive"))
	}
	if c.IndexBatchSize <= 0 {
		errs = append(errs, errors.New("INDEX_BATCH_SIZE must be positive"))
	}
	if c.PerCallTimeout <= 0 {
		errs = append(errs, errors.New("PER_CALL_TIMEOUT must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}

	switch c.EmbeddingProvider {
	case "openai", "gemini", "hashing":
	default:
		errs = append(errs, fmt.Errorf("unknown EMBEDDING_PROVIDER %q", c.EmbeddingProvider))
	}

	switch c.RerankProvider {
	case "huggingface":
		if c.HuggingFaceAPIKey == "" {
			errs = append(errs, errors.New("HUGGINGFACE_API_KEY is required when RERANK_PROVIDER=huggingface"))
		}
	case "auto", "lexical":
	default:
		errs = append(errs, fmt.Errorf("unknown RERANK_PROVIDER %q", c.RerankProvider))
	}

	for _, p := range c.GeneratorProviders {
		if p != "openai" && p != "gemini" {
			errs = append(errs, fmt.Errorf("unknown generator provider %q", p))
		}
	}

	switch c.VectorStore {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when VECTOR_STORE=postgres"))
		}
	case "bolt":
		if c.BoltPath == "" {
			errs = append(errs, errors.New("BOLT_PATH is required when VECTOR_STORE=bolt"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown VECTOR_STORE %q", c.VectorStore))
	}

	return errors.Join(errs...)
}

// PipelineSettings projects the pipeline-relevant configuration.
// RerankTopN is capped at RetrievalTopK.
func (c *Config) PipelineSettings() PipelineSettings {
	topN := c.RerankTopN
	if topN > c.RetrievalTopK {
		topN = c.RetrievalTopK
	}
	return PipelineSettings{
		ChunkSize:              c.ChunkSize,
		ChunkOverlapFraction:   c.ChunkOverlapFraction,
		RetrievalTopK:          c.RetrievalTopK,
		RerankTopN:             topN,
		EmbeddingBatchSize:     c.EmbeddingBatchSize,
		EmbeddingConcurrency:   c.EmbeddingConcurrency,
		IndexBatchSize:         c.IndexBatchSize,
		PerCallTimeout:         c.PerCallTimeout,
		MaxRetries:             c.MaxRetries,
		DegradeOnRerankFailure: c.DegradeOnRerankFailure,
		MaxPages:               c.MaxPages,
		Namespace:              c.Namespace,
	}
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

func (c *Config) HasGemini() bool {
	return c.GeminiAPIKey != ""
}

func (c *Config) HasHuggingFace() bool {
	return c.HuggingFaceAPIKey != ""
}

func (c *Config) HasDatabase() bool {
	return c.VectorStore == "postgres" && c.DatabaseURL != ""
}

// HasInbox reports whether the inbox worker should run.
func (c *Config) HasInbox() bool {
	return strings.TrimSpace(c.InboxDir) != ""
}
