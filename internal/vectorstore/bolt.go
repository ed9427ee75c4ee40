package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloo-solutions/docqa/internal/retry"
	"go.etcd.io/bbolt"
)

var bucketNamespaces = []byte("namespaces")

// Bolt is a single-file Store. Each namespace is a nested bucket of
// JSON-encoded records keyed by ID. Search is a brute-force cosine scan,
// fine for the document counts of a single deployment.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNamespaces)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

func (s *Bolt) Upsert(ctx context.Context, namespace string, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketNamespaces).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		for _, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(r.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) Search(ctx context.Context, namespace string, query []float32, k int) ([]Match, error) {
	var matches []Match
	err := s.Scan(ctx, namespace, func(r Record) error {
		if len(r.Vector) != len(query) {
			return retry.Permanent(fmt.Errorf("%w: record %s has %d, query has %d", ErrDimensionMismatch, r.ID, len(r.Vector), len(query)))
		}
		matches = append(matches, Match{ID: r.ID, Score: Cosine(query, r.Vector), Metadata: r.Metadata})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topK(matches, k), nil
}

func (s *Bolt) Delete(ctx context.Context, namespace string, ids []string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNamespaces).Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) DeleteNamespace(ctx context.Context, namespace string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketNamespaces).DeleteBucket([]byte(namespace))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *Bolt) Count(ctx context.Context, namespace string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNamespaces).Bucket([]byte(namespace))
		if b != nil {
			count = b.Stats().KeyN
		}
		return nil
	})
	return count, err
}

// Scan runs fn inside a read transaction; fn must not write to the store.
func (s *Bolt) Scan(ctx context.Context, namespace string, fn func(Record) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNamespaces).Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return retry.Permanent(fmt.Errorf("decode record %s: %w", k, err))
			}
			return fn(r)
		})
	})
}
