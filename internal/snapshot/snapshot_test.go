package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memObjects struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) PutObject(ctx context.Context, key, contentType string, data []byte) error {
	m.objects[key] = append([]byte(nil), data...)
	m.types[key] = contentType
	return nil
}

func (m *memObjects) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func seed(t *testing.T, store vectorstore.Store, ns string, n int) {
	t.Helper()
	records := make([]vectorstore.Record, n)
	for i := range records {
		meta, err := json.Marshal(domain.ChunkMetadata{
			Text:           fmt.Sprintf("chunk %d", i),
			SourceFilename: "policy.pdf",
			PageNumber:     1,
			ChunkIndex:     i,
		})
		require.NoError(t, err)
		records[i] = vectorstore.Record{ID: fmt.Sprintf("policy.pdf_chunk_%d", i), Vector: []float32{float32(i), 1}, Metadata: meta}
	}
	require.NoError(t, store.Upsert(context.Background(), ns, records))
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemory()
	seed(t, store, "prod", 5)

	var buf bytes.Buffer
	n, err := Export(ctx, store, "prod", &buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, strings.Count(buf.String(), "\n"))

	imported, err := Import(ctx, store, "restore", bytes.NewReader(buf.Bytes()), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, imported)

	count, err := store.Count(ctx, "restore")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	matches, err := store.Search(ctx, "restore", []float32{3, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "policy.pdf_chunk_3", matches[0].ID)
}

func TestImport_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemory()
	seed(t, store, "prod", 3)

	var buf bytes.Buffer
	_, err := Export(ctx, store, "prod", &buf)
	require.NoError(t, err)

	_, err = Import(ctx, store, "prod", bytes.NewReader(buf.Bytes()), 0)
	require.NoError(t, err)

	count, err := store.Count(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestImport_RejectsInvalidRecords(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"not json", `{oops`, "decode record"},
		{"no id", `{"vector":[1],"metadata":{}}`, "no id"},
		{"no vector", `{"id":"a","metadata":{}}`, "no vector"},
		{"incomplete metadata", `{"id":"a","vector":[1],"metadata":{"text":"","source_filename":"f","page_number":1}}`, "metadata is incomplete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := vectorstore.NewMemory()
			_, err := Import(context.Background(), store, "ns", strings.NewReader("\n"+tt.line+"\n"), 0)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "line 2")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestService_ExportToImportFrom(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemory()
	objects := newMemObjects()
	seed(t, store, "prod", 4)

	svc := NewService(store, objects, 0, nil)

	n, err := svc.ExportTo(ctx, "prod", "snapshots/prod.jsonl")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, ContentType, objects.types["snapshots/prod.jsonl"])

	n, err = svc.ImportFrom(ctx, "staging", "snapshots/prod.jsonl")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestService_ImportFromMissingKey(t *testing.T) {
	svc := NewService(vectorstore.NewMemory(), newMemObjects(), 0, nil)

	_, err := svc.ImportFrom(context.Background(), "ns", "missing.jsonl")
	assert.ErrorContains(t, err, "download snapshot")
}
