package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockJobProcessor is a mock implementation of JobProcessor
type MockJobProcessor struct {
	mock.Mock
}

func (m *MockJobProcessor) ProcessJobs(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockIngester is a mock implementation of Ingester
type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) Ingest(ctx context.Context, doc domain.Document) (*pipeline.IngestResult, error) {
	args := m.Called(ctx, doc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.IngestResult), args.Error(1)
}

// TestWorker_StartStop tests the worker start and stop functionality
func TestWorker_StartStop(t *testing.T) {
	mockProcessor := new(MockJobProcessor)
	mockProcessor.On("ProcessJobs", mock.Anything).Return(nil)

	worker := NewWorker(mockProcessor, 100*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Start(ctx)
	}()

	time.Sleep(250 * time.Millisecond)

	worker.Stop()
	wg.Wait()

	mockProcessor.AssertCalled(t, "ProcessJobs", mock.Anything)
}

// TestWorker_ContextCancellation tests worker stops on context cancellation
func TestWorker_ContextCancellation(t *testing.T) {
	mockProcessor := new(MockJobProcessor)
	mockProcessor.On("ProcessJobs", mock.Anything).Return(nil)

	worker := NewWorker(mockProcessor, 100*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Start(ctx)
	}()

	time.Sleep(150 * time.Millisecond)

	cancel()
	wg.Wait()

	mockProcessor.AssertCalled(t, "ProcessJobs", mock.Anything)
}

func writeInboxFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestInboxWorker_CreatesLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")

	_, err := NewInboxWorker(dir, new(MockIngester), 0, nil)
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(dir, ProcessedDir))
	assert.DirExists(t, filepath.Join(dir, FailedDir))
}

func TestInboxWorker_EmptyInbox(t *testing.T) {
	ingester := new(MockIngester)
	worker, err := NewInboxWorker(t.TempDir(), ingester, 0, nil)
	require.NoError(t, err)

	assert.NoError(t, worker.ProcessJobs(context.Background()))
	ingester.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
}

func TestInboxWorker_ProcessesFiles(t *testing.T) {
	dir := t.TempDir()
	ingester := new(MockIngester)
	worker, err := NewInboxWorker(dir, ingester, 0, nil)
	require.NoError(t, err)

	writeInboxFile(t, dir, "good.txt", "refunds are accepted within 30 days")
	writeInboxFile(t, dir, "bad.txt", "x")
	writeInboxFile(t, dir, ".partial", "still uploading")

	ingester.On("Ingest", mock.Anything, mock.MatchedBy(func(doc domain.Document) bool {
		return doc.Filename == "good.txt"
	})).Return(&pipeline.IngestResult{Filename: "good.txt", ChunkCount: 1}, nil)
	ingester.On("Ingest", mock.Anything, mock.MatchedBy(func(doc domain.Document) bool {
		return doc.Filename == "bad.txt"
	})).Return(&pipeline.IngestResult{}, domain.ErrNoExtractableText.WithStage(domain.StageChunk))

	require.NoError(t, worker.ProcessJobs(context.Background()))

	assert.FileExists(t, filepath.Join(dir, ProcessedDir, "good.txt"))
	assert.FileExists(t, filepath.Join(dir, FailedDir, "bad.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "good.txt"))
	assert.FileExists(t, filepath.Join(dir, ".partial"))

	note, err := os.ReadFile(filepath.Join(dir, FailedDir, "bad.txt.error"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(note), "could not extract text"))
	ingester.AssertNumberOfCalls(t, "Ingest", 2)
}

func TestInboxWorker_TooLarge(t *testing.T) {
	dir := t.TempDir()
	ingester := new(MockIngester)
	worker, err := NewInboxWorker(dir, ingester, 4, nil)
	require.NoError(t, err)

	writeInboxFile(t, dir, "big.txt", "more than four bytes")

	require.NoError(t, worker.ProcessJobs(context.Background()))

	assert.FileExists(t, filepath.Join(dir, FailedDir, "big.txt"))
	ingester.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
}

func TestInboxWorker_CanceledLeavesFile(t *testing.T) {
	dir := t.TempDir()
	ingester := new(MockIngester)
	worker, err := NewInboxWorker(dir, ingester, 0, nil)
	require.NoError(t, err)
	writeInboxFile(t, dir, "a.txt", "some text")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, worker.ProcessJobs(ctx), context.Canceled)
	assert.FileExists(t, filepath.Join(dir, "a.txt"))
}

func TestInboxWorker_RetriesTransientFailures(t *testing.T) {
	dir := t.TempDir()
	ingester := new(MockIngester)
	worker, err := NewInboxWorker(dir, ingester, 0, nil)
	require.NoError(t, err)
	writeInboxFile(t, dir, "policy.txt", "refunds are accepted within 30 days")

	storeErr := domain.ErrVectorStoreFailed.WithStage(domain.StageIndex)
	ingester.On("Ingest", mock.Anything, mock.Anything).Return(&pipeline.IngestResult{}, storeErr).Once()
	ingester.On("Ingest", mock.Anything, mock.Anything).Return(&pipeline.IngestResult{Filename: "policy.txt", ChunkCount: 1}, nil).Once()

	require.NoError(t, worker.ProcessJobs(context.Background()))
	assert.FileExists(t, filepath.Join(dir, "policy.txt"), "a transient failure leaves the file for the next tick")
	assert.NoFileExists(t, filepath.Join(dir, FailedDir, "policy.txt"))

	require.NoError(t, worker.ProcessJobs(context.Background()))
	assert.FileExists(t, filepath.Join(dir, ProcessedDir, "policy.txt"))
	ingester.AssertNumberOfCalls(t, "Ingest", 2)
}

func TestInboxWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	ingester := new(MockIngester)
	worker, err := NewInboxWorker(dir, ingester, 0, nil)
	require.NoError(t, err)
	writeInboxFile(t, dir, "policy.txt", "refunds are accepted within 30 days")

	ingester.On("Ingest", mock.Anything, mock.Anything).
		Return(&pipeline.IngestResult{}, domain.ErrEmbeddingFailed.WithStage(domain.StageEmbed))

	for i := 1; i < MaxAttempts; i++ {
		require.NoError(t, worker.ProcessJobs(context.Background()))
		assert.FileExists(t, filepath.Join(dir, "policy.txt"), "attempt %d", i)
	}
	require.NoError(t, worker.ProcessJobs(context.Background()))

	assert.FileExists(t, filepath.Join(dir, FailedDir, "policy.txt"))
	assert.FileExists(t, filepath.Join(dir, FailedDir, "policy.txt.error"))
	ingester.AssertNumberOfCalls(t, "Ingest", MaxAttempts)

	// an emptied inbox makes no further calls
	require.NoError(t, worker.ProcessJobs(context.Background()))
	ingester.AssertNumberOfCalls(t, "Ingest", MaxAttempts)
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(domain.ErrUnsupportedFileType))
	assert.False(t, retryable(domain.ErrDocumentTooLarge))
	assert.False(t, retryable(domain.ErrNoExtractableText))
	assert.True(t, retryable(domain.ErrVectorStoreFailed))
	assert.True(t, retryable(domain.ErrEmbeddingFailed))
	assert.True(t, retryable(errors.New("disk hiccup")))
}
