// Package pipeline drives documents through ingestion and questions through
// retrieval, reranking and answer synthesis.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloo-solutions/docqa/internal/chunker"
	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/logging"
	"github.com/cloo-solutions/docqa/internal/rerank"
	"github.com/cloo-solutions/docqa/internal/synth"
	"github.com/cloo-solutions/docqa/internal/telemetry"
	"go.uber.org/zap"
)

// ExtractorInterface turns an uploaded document into cleaned pages
type ExtractorInterface interface {
	Extract(doc domain.Document) ([]domain.Page, error)
}

// ChunkerInterface plans the chunks of a page sequence
type ChunkerInterface interface {
	Chunk(pages []domain.Page, filename string) (*chunker.Plan, error)
}

// ChunkEmbedderInterface embeds chunk texts in order
type ChunkEmbedderInterface interface {
	EmbedChunks(ctx context.Context, chunks []domain.Chunk) ([][]float32, error)
}

// IndexInterface defines the index operations the pipeline uses
type IndexInterface interface {
	Upsert(ctx context.Context, namespace string, chunks []domain.Chunk, vectors [][]float32) (int, error)
	Reset(ctx context.Context, namespace string) error
	Count(ctx context.Context, namespace string) (int, error)
}

// RetrieverInterface finds candidates for a question
type RetrieverInterface interface {
	Retrieve(ctx context.Context, query string, topK int) ([]domain.Candidate, error)
}

// RankerInterface reorders candidates by relevance
type RankerInterface interface {
	Rank(ctx context.Context, query string, candidates []domain.Candidate) ([]domain.RankedCandidate, error)
	TopN() int
}

// SynthesizerInterface answers a question from ranked candidates
type SynthesizerInterface interface {
	Synthesize(ctx context.Context, query string, ranked []domain.RankedCandidate) (domain.Answer, error)
}

// Components are the stage implementations a Pipeline is built from.
type Components struct {
	Extractor   ExtractorInterface
	Chunker     ChunkerInterface
	Embedder    ChunkEmbedderInterface
	Index       IndexInterface
	Retriever   RetrieverInterface
	Reranker    RankerInterface
	Synthesizer SynthesizerInterface
}

func (c Components) validate() error {
	var errs []error
	if c.Extractor == nil {
		errs = append(errs, errors.New("extractor is required"))
	}
	if c.Chunker == nil {
		errs = append(errs, errors.New("chunker is required"))
	}
	if c.Embedder == nil {
		errs = append(errs, errors.New("embedder is required"))
	}
	if c.Index == nil {
		errs = append(errs, errors.New("index is required"))
	}
	if c.Retriever == nil {
		errs = append(errs, errors.New("retriever is required"))
	}
	if c.Reranker == nil {
		errs = append(errs, errors.New("reranker is required"))
	}
	if c.Synthesizer == nil {
		errs = append(errs, errors.New("synthesizer is required"))
	}
	return errors.Join(errs...)
}

// Settings are the pipeline-level knobs.
type Settings struct {
	Namespace              string
	TopK                   int
	DegradeOnRerankFailure bool
}

// Pipeline holds only handles built at startup and is safe for concurrent use.
type Pipeline struct {
	c        Components
	settings Settings
	logger   *zap.Logger
}

// IngestResult describes a finished or failed ingestion.
type IngestResult struct {
	Filename     string
	ChunkCount   int
	SkippedPages []int
	States       []domain.IngestState
}

// QueryResult describes a finished or failed query.
type QueryResult struct {
	Answer   domain.Answer
	Outcome  domain.Outcome
	Degraded bool
	States   []domain.QueryState
}

// New creates a Pipeline. Every component is required.
func New(c Components, settings Settings, logger *zap.Logger) (*Pipeline, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if settings.Namespace == "" {
		return nil, errors.New("namespace is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{c: c, settings: settings, logger: logger}, nil
}

// Namespace is the index namespace the pipeline reads and writes.
func (p *Pipeline) Namespace() string {
	return p.settings.Namespace
}

// Ingest extracts, chunks, embeds and indexes doc. The returned result
// carries the visited states even when err is non-nil.
func (p *Pipeline) Ingest(ctx context.Context, doc domain.Document) (*IngestResult, error) {
	trace := domain.NewIngestTrace()
	result := &IngestResult{Filename: doc.Filename}
	ctx, span := telemetry.StartSpan(ctx, "pipeline.ingest", telemetry.SpanAttributes{
		Namespace: p.settings.Namespace,
		Filename:  doc.Filename,
		RequestID: logging.RequestID(ctx),
		Operation: "ingest",
	})
	defer span.End()

	fail := func(stage domain.Stage, err error) (*IngestResult, error) {
		if terr := advance(ctx, trace.Advance, domain.IngestFailed); terr != nil {
			p.logger.Error("ingest trace rejected failure", zap.Error(terr))
		}
		result.States = trace.States()
		span.MarkFailed()
		return result, p.report(ctx, "ingestion failed", stage, err, zap.String("filename", doc.Filename))
	}

	var pages []domain.Page
	err := p.stage(ctx, domain.StageExtract, func(context.Context) (err error) {
		pages, err = p.c.Extractor.Extract(doc)
		return err
	})
	if err != nil {
		return fail(domain.StageExtract, err)
	}
	if err := advance(ctx, trace.Advance, domain.IngestExtracted); err != nil {
		return fail(domain.StageExtract, err)
	}

	var chunks []domain.Chunk
	err = p.stage(ctx, domain.StageChunk, func(context.Context) error {
		plan, err := p.c.Chunker.Chunk(pages, doc.Filename)
		if err != nil {
			return err
		}
		chunks = plan.Collect()
		result.SkippedPages = plan.SkippedPages
		return nil
	})
	if err != nil {
		return fail(domain.StageChunk, err)
	}
	if len(result.SkippedPages) > 0 {
		p.logger.Warn("skipped empty pages",
			zap.String("request_id", logging.RequestID(ctx)),
			zap.String("filename", doc.Filename),
			zap.Ints("pages", result.SkippedPages))
	}
	if err := advance(ctx, trace.Advance, domain.IngestChunked); err != nil {
		return fail(domain.StageChunk, err)
	}

	var vectors [][]float32
	err = p.stage(ctx, domain.StageEmbed, func(ctx context.Context) (err error) {
		vectors, err = p.c.Embedder.EmbedChunks(ctx, chunks)
		return err
	})
	if err != nil {
		return fail(domain.StageEmbed, err)
	}
	if err := advance(ctx, trace.Advance, domain.IngestEmbedded); err != nil {
		return fail(domain.StageEmbed, err)
	}

	err = p.stage(ctx, domain.StageIndex, func(ctx context.Context) (err error) {
		result.ChunkCount, err = p.c.Index.Upsert(ctx, p.settings.Namespace, chunks, vectors)
		return err
	})
	if err != nil {
		result.ChunkCount = 0
		return fail(domain.StageIndex, err)
	}
	for _, next := range []domain.IngestState{domain.IngestIndexed, domain.IngestDone} {
		if err := advance(ctx, trace.Advance, next); err != nil {
			return fail(domain.StageIndex, err)
		}
	}
	result.States = trace.States()

	p.logger.Info("document ingested",
		zap.String("request_id", logging.RequestID(ctx)),
		zap.String("filename", doc.Filename),
		zap.Int("chunks", result.ChunkCount))
	return result, nil
}

// Query answers question from the indexed documents. Zero candidates is a
// successful no-results outcome, not an error.
func (p *Pipeline) Query(ctx context.Context, question string) (*QueryResult, error) {
	trace := domain.NewQueryTrace()
	result := &QueryResult{}
	ctx, span := telemetry.StartSpan(ctx, "pipeline.query", telemetry.SpanAttributes{
		Namespace: p.settings.Namespace,
		RequestID: logging.RequestID(ctx),
		Operation: "query",
	})
	defer span.End()

	finish := func() *QueryResult {
		result.States = trace.States()
		result.Outcome = trace.Outcome()
		return result
	}
	fail := func(stage domain.Stage, err error) (*QueryResult, error) {
		if terr := advance(ctx, trace.Advance, domain.QueryFailed); terr != nil {
			p.logger.Error("query trace rejected failure", zap.Error(terr))
		}
		result.Answer = domain.Answer{}
		span.MarkFailed()
		return finish(), p.report(ctx, "query failed", stage, err)
	}

	var candidates []domain.Candidate
	err := p.stage(ctx, domain.StageRetrieve, func(ctx context.Context) (err error) {
		candidates, err = p.c.Retriever.Retrieve(ctx, question, p.settings.TopK)
		return err
	})
	if err != nil {
		return fail(domain.StageRetrieve, err)
	}
	if err := advance(ctx, trace.Advance, domain.QueryRetrieved); err != nil {
		return fail(domain.StageRetrieve, err)
	}

	if len(candidates) == 0 {
		if err := advance(ctx, trace.Advance, domain.QueryNoResults); err != nil {
			return fail(domain.StageRetrieve, err)
		}
		result.Answer = synth.NoResults()
		return finish(), nil
	}

	var ranked []domain.RankedCandidate
	err = p.stage(ctx, domain.StageRerank, func(ctx context.Context) (err error) {
		ranked, err = p.c.Reranker.Rank(ctx, question, candidates)
		return err
	})
	if err != nil {
		if !p.settings.DegradeOnRerankFailure || ctx.Err() != nil {
			return fail(domain.StageRerank, err)
		}
		p.logger.Warn("reranking failed, using similarity order",
			zap.String("request_id", logging.RequestID(ctx)),
			zap.String("stage", string(domain.StageRerank)),
			zap.Error(err))
		telemetry.CaptureStageError(ctx, string(domain.StageRerank), logging.RequestID(ctx), err)
		ranked = rerank.SimilarityOrder(candidates, p.c.Reranker.TopN())
		result.Degraded = true
	}
	if err := advance(ctx, trace.Advance, domain.QueryReranked); err != nil {
		return fail(domain.StageRerank, err)
	}

	var answer domain.Answer
	err = p.stage(ctx, domain.StageSynthesize, func(ctx context.Context) (err error) {
		answer, err = p.c.Synthesizer.Synthesize(ctx, question, ranked)
		return err
	})
	if err != nil {
		return fail(domain.StageSynthesize, err)
	}
	for _, next := range []domain.QueryState{domain.QuerySynthesized, domain.QueryDone} {
		if err := advance(ctx, trace.Advance, next); err != nil {
			return fail(domain.StageSynthesize, err)
		}
	}
	result.Answer = answer

	p.logger.Info("query answered",
		zap.String("request_id", logging.RequestID(ctx)),
		zap.Int("candidates", len(candidates)),
		zap.Int("sources", len(answer.Sources)),
		zap.Bool("degraded", result.Degraded))
	return finish(), nil
}

// Reset removes every vector in the pipeline's namespace.
func (p *Pipeline) Reset(ctx context.Context) error {
	if err := p.c.Index.Reset(ctx, p.settings.Namespace); err != nil {
		return domain.NewStageError(domain.ErrCodeVectorStore, domain.StageIndex, domain.ErrVectorStoreFailed.Message, err)
	}
	p.logger.Info("namespace reset", zap.String("namespace", p.settings.Namespace))
	return nil
}

// VectorCount returns the number of vectors in the pipeline's namespace.
func (p *Pipeline) VectorCount(ctx context.Context) (int, error) {
	n, err := p.c.Index.Count(ctx, p.settings.Namespace)
	if err != nil {
		return 0, domain.NewStageError(domain.ErrCodeVectorStore, domain.StageIndex, domain.ErrVectorStoreFailed.Message, err)
	}
	return n, nil
}

// advance moves a state trace to next and leaves a Sentry breadcrumb.
func advance[S ~string](ctx context.Context, step func(S) error, next S) error {
	if err := step(next); err != nil {
		return fmt.Errorf("state transition to %s: %w", next, err)
	}
	telemetry.AddBreadcrumb(ctx, "pipeline", string(next))
	return nil
}

// stage runs fn inside a child span tagged with the stage name.
func (p *Pipeline) stage(ctx context.Context, stage domain.Stage, fn func(context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "pipeline."+string(stage), telemetry.SpanAttributes{
		Namespace: p.settings.Namespace,
		Stage:     string(stage),
	})
	defer span.End()

	if err := fn(ctx); err != nil {
		span.MarkFailed()
		return err
	}
	return nil
}

// report normalizes err to a staged DomainError, logs it and sends it to Sentry.
func (p *Pipeline) report(ctx context.Context, msg string, stage domain.Stage, err error, fields ...zap.Field) error {
	staged := domain.NewStageError(domain.ErrCodeInternalError, stage, "internal error", err)
	requestID := logging.RequestID(ctx)

	fields = append(fields,
		zap.String("request_id", requestID),
		zap.String("stage", string(staged.Stage)),
		zap.String("code", staged.Code),
		zap.Error(err))
	p.logger.Error(msg, fields...)

	if staged.Code != domain.ErrCodeCanceled {
		telemetry.CaptureStageError(ctx, string(staged.Stage), requestID, staged)
	}
	return staged
}
