package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloo-solutions/docqa/internal/api/handlers"
	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/logging"
	"github.com/cloo-solutions/docqa/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) Ingest(ctx context.Context, doc domain.Document) (*pipeline.IngestResult, error) {
	args := m.Called(ctx, doc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.IngestResult), args.Error(1)
}

func (m *MockPipeline) Query(ctx context.Context, question string) (*pipeline.QueryResult, error) {
	args := m.Called(ctx, question)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.QueryResult), args.Error(1)
}

func (m *MockPipeline) Namespace() string { return "docs" }

func (m *MockPipeline) VectorCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func newTestRouter(p *MockPipeline) http.Handler {
	return NewRouter(RouterConfig{
		AllowedOrigins:  []string{"https://app.example.com"},
		DocumentHandler: handlers.NewDocumentHandler(p, 1024),
		QueryHandler:    handlers.NewQueryHandler(p),
		HealthHandler:   handlers.NewHealthHandler(p),
	})
}

func TestRouter_Health(t *testing.T) {
	p := new(MockPipeline)
	p.On("VectorCount", mock.Anything).Return(3, nil)

	w := httptest.NewRecorder()
	newTestRouter(p).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Contains(t, w.Body.String(), `"vectors":3`)
}

func TestRouter_Upload(t *testing.T) {
	p := new(MockPipeline)
	p.On("Ingest", mock.Anything, mock.Anything).Return(&pipeline.IngestResult{Filename: "a.txt", ChunkCount: 2}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("some text to index"))
	req.Header.Set("X-Filename", "a.txt")
	w := httptest.NewRecorder()
	newTestRouter(p).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	p.AssertExpectations(t)
}

func TestRouter_QueryCarriesRequestID(t *testing.T) {
	p := new(MockPipeline)
	p.On("Query", mock.MatchedBy(func(ctx context.Context) bool {
		return logging.RequestID(ctx) == "req-42"
	}), "q").Return(&pipeline.QueryResult{Outcome: domain.OutcomeNoResults}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"query":"q"}`))
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	newTestRouter(p).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	var resp map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "no_results", resp["data"]["outcome"])
}

func TestRouter_QueryBodyLimit(t *testing.T) {
	p := new(MockPipeline)

	body := `{"query":"` + strings.Repeat("x", int(maxQueryBodyBytes)) + `"}`
	w := httptest.NewRecorder()
	newTestRouter(p).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	p.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}

func TestRouter_QueryBodyLimitChunked(t *testing.T) {
	p := new(MockPipeline)

	body := `{"query":"` + strings.Repeat("x", int(maxQueryBodyBytes)) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(body))
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	w := httptest.NewRecorder()
	newTestRouter(p).ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "request body too large")
	p.AssertNotCalled(t, "Query", mock.Anything, mock.Anything)
}

func TestRouter_UnknownRoute(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(new(MockPipeline)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/documents", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"route not found"}`, w.Body.String())
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	newTestRouter(new(MockPipeline)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/query", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.JSONEq(t, `{"error":"method not allowed"}`, w.Body.String())
}

func TestRouter_CORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/query", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	newTestRouter(new(MockPipeline)).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
