package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloo-solutions/docqa/internal/retry"
)

// Memory is a process-local Store. It is safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Record
}

func NewMemory() *Memory {
	return &Memory{namespaces: make(map[string]map[string]Record)}
}

func (m *Memory) Upsert(ctx context.Context, namespace string, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]Record)
		m.namespaces[namespace] = ns
	}
	for _, r := range records {
		ns[r.ID] = cloneRecord(r)
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, namespace string, query []float32, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	ns := m.namespaces[namespace]
	matches := make([]Match, 0, len(ns))
	for _, r := range ns {
		if len(r.Vector) != len(query) {
			return nil, retry.Permanent(fmt.Errorf("%w: record %s has %d, query has %d", ErrDimensionMismatch, r.ID, len(r.Vector), len(query)))
		}
		matches = append(matches, Match{ID: r.ID, Score: Cosine(query, r.Vector), Metadata: r.Metadata})
	}
	return topK(matches, k), nil
}

func (m *Memory) Delete(ctx context.Context, namespace string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.namespaces[namespace]
	for _, id := range ids {
		delete(ns, id)
	}
	return nil
}

func (m *Memory) DeleteNamespace(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	return nil
}

func (m *Memory) Count(ctx context.Context, namespace string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.namespaces[namespace]), nil
}

// Scan visits a snapshot of the namespace, so fn may call back into the store.
func (m *Memory) Scan(ctx context.Context, namespace string, fn func(Record) error) error {
	m.mu.RLock()
	records := make([]Record, 0, len(m.namespaces[namespace]))
	for _, r := range m.namespaces[namespace] {
		records = append(records, cloneRecord(r))
	}
	m.mu.RUnlock()

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func cloneRecord(r Record) Record {
	out := Record{ID: r.ID}
	out.Vector = append([]float32(nil), r.Vector...)
	out.Metadata = append([]byte(nil), r.Metadata...)
	return out
}
