package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/retry"
	"github.com/cloo-solutions/docqa/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore wraps a memory store and fails selected calls.
type flakyStore struct {
	*vectorstore.Memory
	upserts      int
	searches     int
	failUpsertAt int
	searchDelay  time.Duration
	searchErr    error
}

func (s *flakyStore) Upsert(ctx context.Context, ns string, records []vectorstore.Record) error {
	s.upserts++
	if s.failUpsertAt > 0 && s.upserts >= s.failUpsertAt {
		return retry.Permanent(errors.New("disk full"))
	}
	return s.Memory.Upsert(ctx, ns, records)
}

func (s *flakyStore) Search(ctx context.Context, ns string, q []float32, k int) ([]vectorstore.Match, error) {
	s.searches++
	if s.searchDelay > 0 {
		select {
		case <-time.After(s.searchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.Memory.Search(ctx, ns, q, k)
}

func testPolicy() retry.Policy {
	return retry.Policy{Timeout: time.Second, MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func chunksAndVectors(n int) ([]domain.Chunk, [][]float32) {
	chunks := make([]domain.Chunk, n)
	vectors := make([][]float32, n)
	for i := range chunks {
		chunks[i] = domain.Chunk{
			ID:             fmt.Sprintf("policy.pdf_chunk_%d", i),
			Text:           fmt.Sprintf("chunk text %d", i),
			SourceFilename: "policy.pdf",
			PageNumber:     1 + i/3,
			ChunkIndex:     i,
		}
		vec := make([]float32, n)
		vec[i] = 1
		vectors[i] = vec
	}
	return chunks, vectors
}

func TestClient_UpsertAndSearch(t *testing.T) {
	store := &flakyStore{Memory: vectorstore.NewMemory()}
	client := New(store, Config{BatchSize: 2, Policy: testPolicy()}, nil)
	ctx := context.Background()

	chunks, vectors := chunksAndVectors(5)
	n, err := client.Upsert(ctx, "default", chunks, vectors)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 3, store.upserts)

	count, err := client.Count(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	candidates, err := client.Search(ctx, "default", vectors[3], 3)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, chunks[3].ID, candidates[0].ChunkID)
	assert.Equal(t, chunks[3].Text, candidates[0].Text)
	assert.Equal(t, chunks[3].Metadata(), candidates[0].Metadata)
	assert.InDelta(t, 1.0, candidates[0].SimilarityScore, 1e-9)
	for i, c := range candidates {
		assert.Equal(t, i, c.Rank)
	}
}

func TestClient_UpsertIsIdempotent(t *testing.T) {
	client := New(vectorstore.NewMemory(), Config{Policy: testPolicy()}, nil)
	ctx := context.Background()
	chunks, vectors := chunksAndVectors(4)

	_, err := client.Upsert(ctx, "default", chunks, vectors)
	require.NoError(t, err)
	_, err = client.Upsert(ctx, "default", chunks, vectors)
	require.NoError(t, err)

	count, err := client.Count(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestClient_UpsertRejectsInvalidMetadata(t *testing.T) {
	store := &flakyStore{Memory: vectorstore.NewMemory()}
	client := New(store, Config{Policy: testPolicy()}, nil)

	chunks, vectors := chunksAndVectors(3)
	chunks[2].PageNumber = 0

	_, err := client.Upsert(context.Background(), "default", chunks, vectors)
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.ErrCodeVectorStore))
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)
	assert.Contains(t, err.Error(), "page_number")
	assert.Zero(t, store.upserts)
}

func TestClient_UpsertCleansUpEarlierBatches(t *testing.T) {
	store := &flakyStore{Memory: vectorstore.NewMemory(), failUpsertAt: 3}
	client := New(store, Config{BatchSize: 2, Policy: testPolicy()}, nil)
	ctx := context.Background()

	chunks, vectors := chunksAndVectors(6)
	_, err := client.Upsert(ctx, "default", chunks, vectors)
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.ErrCodeVectorStore))

	count, err := store.Memory.Count(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestClient_UpsertLengthMismatch(t *testing.T) {
	client := New(vectorstore.NewMemory(), Config{Policy: testPolicy()}, nil)
	chunks, vectors := chunksAndVectors(3)

	_, err := client.Upsert(context.Background(), "default", chunks, vectors[:2])
	assert.True(t, domain.HasCode(err, domain.ErrCodeVectorStore))
}

func TestClient_SearchTimeout(t *testing.T) {
	store := &flakyStore{Memory: vectorstore.NewMemory(), searchDelay: time.Second}
	policy := testPolicy()
	policy.Timeout = 20 * time.Millisecond
	client := New(store, Config{Policy: policy}, nil)

	_, err := client.Search(context.Background(), "default", []float32{1, 0}, 5)
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.ErrCodeTimeout))

	var de *domain.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.StageRetrieve, de.Stage)
	assert.Equal(t, "search service timed out", de.Message)
}

func TestClient_SearchStoreFailureIsNotEmpty(t *testing.T) {
	store := &flakyStore{Memory: vectorstore.NewMemory(), searchErr: errors.New("connection refused")}
	client := New(store, Config{Policy: testPolicy()}, nil)

	candidates, err := client.Search(context.Background(), "default", []float32{1, 0}, 5)
	assert.Nil(t, candidates)
	assert.True(t, domain.HasCode(err, domain.ErrCodeVectorStore))
}

func TestClient_SearchEmpty(t *testing.T) {
	client := New(vectorstore.NewMemory(), Config{Policy: testPolicy()}, nil)

	candidates, err := client.Search(context.Background(), "default", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.NotNil(t, candidates)
	assert.Empty(t, candidates)
}

func TestClient_SearchCorruptMetadata(t *testing.T) {
	tests := []struct {
		name string
		meta json.RawMessage
	}{
		{"missing text", json.RawMessage(`{"source_filename":"a.pdf","page_number":1,"chunk_index":0}`)},
		{"not json", json.RawMessage(`"just a string"`)},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := vectorstore.NewMemory()
			require.NoError(t, mem.Upsert(context.Background(), "default", []vectorstore.Record{
				{ID: "a.pdf_chunk_0", Vector: []float32{1, 0}, Metadata: tt.meta},
			}))
			client := New(mem, Config{Policy: testPolicy()}, nil)

			_, err := client.Search(context.Background(), "default", []float32{1, 0}, 5)
			assert.ErrorIs(t, err, domain.ErrCorruptMetadata)
			assert.True(t, domain.HasCode(err, domain.ErrCodeVectorStore))
		})
	}
}

func TestClient_Reset(t *testing.T) {
	client := New(vectorstore.NewMemory(), Config{Policy: testPolicy()}, nil)
	ctx := context.Background()
	chunks, vectors := chunksAndVectors(2)

	_, err := client.Upsert(ctx, "default", chunks, vectors)
	require.NoError(t, err)
	require.NoError(t, client.Reset(ctx, "default"))

	count, err := client.Count(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestClient_SearchDoesNotRetryPermanentErrors(t *testing.T) {
	store := &flakyStore{Memory: vectorstore.NewMemory()}
	policy := testPolicy()
	policy.MaxRetries = 3
	client := New(store, Config{BatchSize: 10, Policy: policy}, nil)
	ctx := context.Background()

	chunks, vectors := chunksAndVectors(3)
	_, err := client.Upsert(ctx, "default", chunks, vectors)
	require.NoError(t, err)

	_, err = client.Search(ctx, "default", []float32{1, 0}, 3)
	require.Error(t, err)
	assert.True(t, domain.HasCode(err, domain.ErrCodeVectorStore))
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
	assert.Equal(t, 1, store.searches)
}

func TestClient_SearchRetriesTransientErrors(t *testing.T) {
	store := &flakyStore{Memory: vectorstore.NewMemory(), searchErr: errors.New("connection reset")}
	policy := testPolicy()
	policy.MaxRetries = 3
	client := New(store, Config{BatchSize: 10, Policy: policy}, nil)

	_, err := client.Search(context.Background(), "default", []float32{1, 0}, 3)
	require.Error(t, err)
	assert.Equal(t, 4, store.searches)
}
