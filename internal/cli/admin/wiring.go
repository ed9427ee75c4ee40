package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cloo-solutions/docqa/internal/chunker"
	"github.com/cloo-solutions/docqa/internal/config"
	"github.com/cloo-solutions/docqa/internal/database"
	"github.com/cloo-solutions/docqa/internal/embedding"
	"github.com/cloo-solutions/docqa/internal/extract"
	"github.com/cloo-solutions/docqa/internal/gemini"
	"github.com/cloo-solutions/docqa/internal/huggingface"
	"github.com/cloo-solutions/docqa/internal/index"
	"github.com/cloo-solutions/docqa/internal/logging"
	"github.com/cloo-solutions/docqa/internal/openai"
	"github.com/cloo-solutions/docqa/internal/pipeline"
	"github.com/cloo-solutions/docqa/internal/repository"
	"github.com/cloo-solutions/docqa/internal/rerank"
	"github.com/cloo-solutions/docqa/internal/retrieval"
	"github.com/cloo-solutions/docqa/internal/retry"
	"github.com/cloo-solutions/docqa/internal/storage"
	"github.com/cloo-solutions/docqa/internal/synth"
	"github.com/cloo-solutions/docqa/internal/telemetry"
	"github.com/cloo-solutions/docqa/internal/vectorstore"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Runtime holds the handles built once from configuration. Close releases
// them in reverse order of acquisition.
type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    vectorstore.Store
	Index    *index.Client
	Pipeline *pipeline.Pipeline

	closers []func()
}

func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

type runtimeOptions struct {
	migrate bool
}

// loadRuntime reads configuration with the command's flags applied and
// builds the runtime. Sentry is initialized when a DSN is configured.
func loadRuntime(cmd *cobra.Command, opts runtimeOptions) (*Runtime, error) {
	cfg, err := config.LoadWithFlags(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	// 10% sampling in production, everything in development
	sampleRate := 0.1
	if cfg.Environment == "development" {
		sampleRate = 1.0
	}
	shutdownTelemetry, err := telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		TracesSampleRate: sampleRate,
		Debug:            cfg.Debug,
	}, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without tracing", zap.Error(err))
		shutdownTelemetry = func() {}
	}

	rt, err := newRuntime(cmd.Context(), cfg, logger, opts)
	if err != nil {
		shutdownTelemetry()
		_ = logger.Sync()
		return nil, err
	}
	rt.closers = append([]func(){func() { _ = logger.Sync() }, shutdownTelemetry}, rt.closers...)
	return rt, nil
}

// newRuntime wires every pipeline component from cfg.
func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts runtimeOptions) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	store, err := openStore(ctx, cfg, logger, opts)
	if err != nil {
		return nil, err
	}
	rt.Store = store
	if c, isCloser := store.(interface{ Close() error }); isCloser {
		rt.onClose(func() { _ = c.Close() })
	}

	settings := cfg.PipelineSettings()
	policy := callPolicy(settings)

	embedder, queryEmbedder, err := buildEmbedder(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.EmbeddingCacheSize > 0 {
		embedder = embedding.WithCache(embedder, cfg.EmbeddingCacheSize, cfg.EmbeddingCacheTTL)
		queryEmbedder = embedding.WithCache(queryEmbedder, cfg.EmbeddingCacheSize, cfg.EmbeddingCacheTTL)
	}
	batchCfg := embedding.BatchConfig{
		BatchSize:   settings.EmbeddingBatchSize,
		Concurrency: settings.EmbeddingConcurrency,
		Policy:      policy,
	}
	batcher := embedding.NewBatcher(embedder, batchCfg, logger)
	queryBatcher := embedding.NewBatcher(queryEmbedder, batchCfg, logger)

	chunkCfg := chunker.DefaultChunkConfig()
	chunkCfg.Size = settings.ChunkSize
	chunkCfg.OverlapFraction = settings.ChunkOverlapFraction
	chunk, err := chunker.New(chunkCfg)
	if err != nil {
		return nil, fmt.Errorf("invalid chunk config: %w", err)
	}

	rt.Index = index.New(store, index.Config{BatchSize: settings.IndexBatchSize, Policy: policy}, logger)

	scorer, err := buildScorer(cfg, logger)
	if err != nil {
		return nil, err
	}

	generator, err := buildGenerator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(pipeline.Components{
		Extractor:   extract.New(settings.MaxPages),
		Chunker:     chunk,
		Embedder:    batcher,
		Index:       rt.Index,
		Retriever:   retrieval.New(queryBatcher, rt.Index, settings.Namespace, settings.RetrievalTopK),
		Reranker:    rerank.New(scorer, settings.RerankTopN, policy, logger),
		Synthesizer: synth.New(generator, policy, logger),
	}, pipeline.Settings{
		Namespace:              settings.Namespace,
		TopK:                   settings.RetrievalTopK,
		DegradeOnRerankFailure: settings.DegradeOnRerankFailure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	rt.Pipeline = p

	logger.Info("pipeline ready",
		zap.String("namespace", settings.Namespace),
		zap.String("vector_store", cfg.VectorStore),
		zap.String("embedder", embedder.ModelName()),
		zap.String("reranker", scorer.Name()),
		zap.Strings("generators", cfg.GeneratorProviders))

	ok = true
	return rt, nil
}

func callPolicy(settings config.PipelineSettings) retry.Policy {
	policy := retry.DefaultPolicy()
	policy.Timeout = settings.PerCallTimeout
	policy.MaxRetries = settings.MaxRetries
	return policy
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts runtimeOptions) (vectorstore.Store, error) {
	switch cfg.VectorStore {
	case "memory":
		logger.Warn("using in-memory vector store, vectors are lost on exit")
		return vectorstore.NewMemory(), nil
	case "bolt":
		store, err := vectorstore.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		logger.Info("opened bolt vector store", zap.String("path", cfg.BoltPath))
		return store, nil
	case "postgres":
		if opts.migrate {
			if err := runMigrations(cfg.DatabaseURL, cfg.MigrationsDir, logger); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL, MaxConns: cfg.DatabaseMaxConns})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("connected to database")
		return &pooledRepository{VectorRepository: repository.NewVectorRepository(pool), close: pool.Close}, nil
	default:
		return nil, fmt.Errorf("unknown vector store %q", cfg.VectorStore)
	}
}

// pooledRepository closes its pool along with the store.
type pooledRepository struct {
	*repository.VectorRepository
	close func()
}

func (r *pooledRepository) Close() error {
	r.close()
	return nil
}

// buildEmbedder returns the document embedder and the one used for
// questions. They differ only for providers with query-side task types.
func buildEmbedder(ctx context.Context, cfg *config.Config) (embedding.Embedder, embedding.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "hashing":
		e := embedding.NewHashingEmbedder(cfg.EmbeddingDimensions)
		return e, e, nil
	case "openai":
		if !cfg.HasOpenAI() {
			return nil, nil, errors.New("EMBEDDING_PROVIDER=openai requires DOCQA_OPENAI_API_KEY")
		}
		e := newOpenAI(cfg)
		return e, e, nil
	case "gemini":
		if !cfg.HasGemini() {
			return nil, nil, errors.New("EMBEDDING_PROVIDER=gemini requires DOCQA_GEMINI_API_KEY")
		}
		docs, err := newGemini(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return docs, docs.WithTaskType(gemini.TaskRetrievalQuery), nil
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

func buildScorer(cfg *config.Config, logger *zap.Logger) (rerank.Scorer, error) {
	switch cfg.RerankProvider {
	case "lexical":
		return rerank.NewLexicalScorer(), nil
	case "auto":
		if !cfg.HasHuggingFace() {
			logger.Warn("no Hugging Face API key, reranking with the lexical scorer")
			return rerank.NewLexicalScorer(), nil
		}
	case "huggingface":
		if !cfg.HasHuggingFace() {
			return nil, errors.New("RERANK_PROVIDER=huggingface requires DOCQA_HUGGINGFACE_API_KEY")
		}
	}
	scorer, err := huggingface.New(huggingface.Config{
		APIKey:            cfg.HuggingFaceAPIKey,
		BaseURL:           cfg.HuggingFaceBaseURL,
		Model:             cfg.RerankModel,
		RequestsPerSecond: cfg.RerankRPS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reranker: %w", err)
	}
	return scorer, nil
}

// buildGenerator returns the configured generators in order. Providers
// without credentials are skipped. With none left, reaching synthesis
// fails with ErrNoGeneratorsConfig.
func buildGenerator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (synth.Generator, error) {
	var generators []synth.Generator
	for _, provider := range cfg.GeneratorProviders {
		switch provider {
		case "openai":
			if !cfg.HasOpenAI() {
				logger.Warn("skipping generator without credentials", zap.String("provider", provider))
				continue
			}
			generators = append(generators, newOpenAI(cfg))
		case "gemini":
			if !cfg.HasGemini() {
				logger.Warn("skipping generator without credentials", zap.String("provider", provider))
				continue
			}
			g, err := newGemini(ctx, cfg)
			if err != nil {
				return nil, err
			}
			generators = append(generators, g)
		default:
			return nil, fmt.Errorf("unknown generator provider %q", provider)
		}
	}

	switch len(generators) {
	case 0:
		logger.Warn("no answer generator configured, queries with results will fail")
		return nil, nil
	case 1:
		return generators[0], nil
	default:
		return synth.NewFallbackGenerator(logger, generators...), nil
	}
}

func newOpenAI(cfg *config.Config) *openai.Client {
	return openai.NewClientWithConfig(openai.Config{
		APIKey:              cfg.OpenAIAPIKey,
		BaseURL:             cfg.OpenAIBaseURL,
		EmbeddingModel:      goopenai.EmbeddingModel(cfg.EmbeddingModel),
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		ChatModel:           cfg.ChatModel,
		MaxTokens:           cfg.MaxAnswerTokens,
		Temperature:         &cfg.Temperature,
	})
}

func newGemini(ctx context.Context, cfg *config.Config) (*gemini.Client, error) {
	client, err := gemini.New(ctx, gemini.Config{
		APIKey:              cfg.GeminiAPIKey,
		EmbeddingModel:      cfg.GeminiEmbedModel,
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		ChatModel:           cfg.GeminiChatModel,
		MaxTokens:           cfg.MaxAnswerTokens,
		TaskType:            gemini.TaskRetrievalDocument,
		Temperature:         &cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client, nil
}

// newS3 returns nil when no S3 endpoint is configured.
func newS3(ctx context.Context, cfg *config.Config) (*storage.S3Client, error) {
	if !cfg.HasS3() {
		return nil, nil
	}
	client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		Bucket:          cfg.S3Bucket,
		UsePathStyle:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return client, nil
}

func runMigrations(databaseURL, dir string, logger *zap.Logger) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	if dir == "" {
		dir = "migrations"
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	upErr := m.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", upErr)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info("migrations: no migrations applied")
	case err != nil:
		return fmt.Errorf("failed to get migration version: %w", err)
	case dirty:
		return fmt.Errorf("migration version %d is dirty, manual intervention required", version)
	case errors.Is(upErr, migrate.ErrNoChange):
		logger.Info("migrations: database is up to date", zap.Uint("version", version))
	default:
		logger.Info("migrations: applied", zap.Uint("version", version))
	}
	return nil
}
