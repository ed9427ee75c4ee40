package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockHealthService struct {
	mock.Mock
}

func (m *MockHealthService) Namespace() string {
	return "docs"
}

func (m *MockHealthService) VectorCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestHealthHandler_OK(t *testing.T) {
	mockSvc := new(MockHealthService)
	mockSvc.On("VectorCount", mock.Anything).Return(42, nil)

	w := httptest.NewRecorder()
	NewHealthHandler(mockSvc).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"status":"ok","namespace":"docs","vectors":42}}`, w.Body.String())
}

func TestHealthHandler_StoreDown(t *testing.T) {
	mockSvc := new(MockHealthService)
	mockSvc.On("VectorCount", mock.Anything).Return(0, errors.New("connection refused"))

	w := httptest.NewRecorder()
	NewHealthHandler(mockSvc).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
	assert.NotContains(t, w.Body.String(), "connection refused")
}
