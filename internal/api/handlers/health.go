package handlers

import (
	"context"
	"net/http"

	"github.com/cloo-solutions/docqa/internal/api"
	"github.com/cloo-solutions/docqa/internal/logging"
	"go.uber.org/zap"
)

type HealthService interface {
	Namespace() string
	VectorCount(ctx context.Context) (int, error)
}

type HealthHandler struct {
	svc HealthService
}

func NewHealthHandler(svc HealthService) *HealthHandler {
	return &HealthHandler{svc: svc}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Namespace string `json:"namespace"`
	Vectors   int    `json:"vectors"`
}

// Health reports the vector count of the namespace, or 503 when the store
// cannot be reached.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.svc.VectorCount(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Warn("health check failed", zap.Error(err))
		api.Success(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Namespace: h.svc.Namespace()})
		return
	}

	api.Success(w, http.StatusOK, HealthResponse{Status: "ok", Namespace: h.svc.Namespace(), Vectors: count})
}
