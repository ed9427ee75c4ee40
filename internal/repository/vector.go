package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloo-solutions/docqa/internal/retry"
	"github.com/cloo-solutions/docqa/internal/vectorstore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// VectorRepository stores chunk vectors in Postgres with pgvector.
type VectorRepository struct {
	pool *pgxpool.Pool
	db   dbtx
}

func NewVectorRepository(pool *pgxpool.Pool) *VectorRepository {
	return &VectorRepository{pool: pool, db: pool}
}

func NewVectorRepositoryWithTx(tx dbtx) *VectorRepository {
	return &VectorRepository{db: tx}
}

// Upsert writes records in a single transaction, replacing rows with the same id.
func (r *VectorRepository) Upsert(ctx context.Context, namespace string, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	if r.pool == nil {
		return classify(upsertVectors(ctx, r.db, namespace, records))
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	if err := upsertVectors(ctx, tx, namespace, records); err != nil {
		_ = tx.Rollback(ctx)
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

func upsertVectors(ctx context.Context, db dbtx, namespace string, records []vectorstore.Record) error {
	for _, rec := range records {
		_, err := db.Exec(ctx,
			`INSERT INTO document_vectors (namespace, id, embedding, metadata)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (namespace, id) DO UPDATE
			 SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata, updated_at = NOW()`,
			namespace,
			rec.ID,
			pgvector.NewVector(rec.Vector),
			[]byte(rec.Metadata),
		)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", rec.ID, err)
		}
	}
	return nil
}

// Search returns the k nearest rows by cosine distance. Score is cosine similarity.
func (r *VectorRepository) Search(ctx context.Context, namespace string, query []float32, k int) ([]vectorstore.Match, error) {
	if k <= 0 {
		k = 10
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, 1 - (embedding <=> $1) AS score, metadata
		 FROM document_vectors
		 WHERE namespace = $2
		 ORDER BY embedding <=> $1, id
		 LIMIT $3`,
		pgvector.NewVector(query), namespace, k,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	matches := make([]vectorstore.Match, 0, k)
	for rows.Next() {
		var m vectorstore.Match
		var meta []byte
		if err := rows.Scan(&m.ID, &m.Score, &meta); err != nil {
			return nil, classify(err)
		}
		m.Metadata = json.RawMessage(meta)
		matches = append(matches, m)
	}

	return matches, classify(rows.Err())
}

func (r *VectorRepository) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`DELETE FROM document_vectors WHERE namespace = $1 AND id = ANY($2)`,
		namespace, ids,
	)
	return classify(err)
}

func (r *VectorRepository) DeleteNamespace(ctx context.Context, namespace string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM document_vectors WHERE namespace = $1`, namespace)
	return classify(err)
}

func (r *VectorRepository) Count(ctx context.Context, namespace string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_vectors WHERE namespace = $1`, namespace,
	).Scan(&count)
	return count, classify(err)
}

// Scan streams every row of the namespace in id order.
func (r *VectorRepository) Scan(ctx context.Context, namespace string, fn func(vectorstore.Record) error) error {
	rows, err := r.db.Query(ctx,
		`SELECT id, embedding, metadata FROM document_vectors WHERE namespace = $1 ORDER BY id`,
		namespace,
	)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec vectorstore.Record
		var vec pgvector.Vector
		var meta []byte
		if err := rows.Scan(&rec.ID, &vec, &meta); err != nil {
			return classify(err)
		}
		rec.Vector = vec.Slice()
		rec.Metadata = json.RawMessage(meta)
		if err := fn(rec); err != nil {
			return err
		}
	}
	return classify(rows.Err())
}

// Ping checks that the table is reachable.
func (r *VectorRepository) Ping(ctx context.Context) error {
	var one int
	err := r.db.QueryRow(ctx, `SELECT 1 FROM document_vectors LIMIT 1`).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

// classify marks Postgres errors that cannot succeed on retry as permanent.
// Connection failures, serialization conflicts, resource exhaustion and
// operator intervention stay retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch sqlStateClass(pgErr.Code) {
	case "08", "40", "53", "57":
		return err
	}
	return retry.Permanent(err)
}

func sqlStateClass(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}
