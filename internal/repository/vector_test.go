//go:build integration

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/cloo-solutions/docqa/internal/testutil"
	"github.com/cloo-solutions/docqa/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorRecord(i int, vec ...float32) vectorstore.Record {
	meta, _ := json.Marshal(map[string]any{
		"text":            fmt.Sprintf("chunk %d", i),
		"source_filename": "handbook.pdf",
		"page_number":     1,
		"chunk_index":     i,
	})
	return vectorstore.Record{ID: fmt.Sprintf("handbook.pdf_chunk_%d", i), Vector: vec, Metadata: meta}
}

func TestVectorRepository_UpsertSearch(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	repo := NewVectorRepository(pool)
	records := []vectorstore.Record{
		vectorRecord(0, 1, 0, 0),
		vectorRecord(1, 0, 1, 0),
		vectorRecord(2, 0, 0, 1),
	}

	require.NoError(t, repo.Upsert(ctx, "default", records))
	require.NoError(t, repo.Upsert(ctx, "default", records))

	count, err := repo.Count(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	for _, rec := range records {
		matches, err := repo.Search(ctx, "default", rec.Vector, 3)
		require.NoError(t, err)
		require.Len(t, matches, 3)
		assert.Equal(t, rec.ID, matches[0].ID)
		assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
		assert.JSONEq(t, string(rec.Metadata), string(matches[0].Metadata))
	}

	other, err := repo.Search(ctx, "other", []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestVectorRepository_DeleteAndScan(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	repo := NewVectorRepository(pool)
	require.NoError(t, repo.Upsert(ctx, "default", []vectorstore.Record{
		vectorRecord(0, 1, 0),
		vectorRecord(1, 0, 1),
		vectorRecord(2, 1, 1),
	}))

	require.NoError(t, repo.Delete(ctx, "default", []string{"handbook.pdf_chunk_1"}))

	var ids []string
	require.NoError(t, repo.Scan(ctx, "default", func(rec vectorstore.Record) error {
		ids = append(ids, rec.ID)
		assert.Len(t, rec.Vector, 2)
		return nil
	}))
	assert.Equal(t, []string{"handbook.pdf_chunk_0", "handbook.pdf_chunk_2"}, ids)

	require.NoError(t, repo.DeleteNamespace(ctx, "default"))
	count, err := repo.Count(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.NoError(t, repo.Ping(ctx))
}

func TestVectorRepository_TxRollback(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)

	txRepo := NewVectorRepositoryWithTx(tx)
	require.NoError(t, txRepo.Upsert(ctx, "default", []vectorstore.Record{vectorRecord(0, 1, 0)}))

	count, err := txRepo.Count(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, tx.Rollback(ctx))

	repo := NewVectorRepository(pool)
	count, err = repo.Count(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, repo.Upsert(ctx, "default", []vectorstore.Record{vectorRecord(1, 0, 1)}))
	require.NoError(t, testutil.TruncateAll(ctx, pool))
	count, err = repo.Count(ctx, "default")
	require.NoError(t, err)
	assert.Zero(t, count)
}
