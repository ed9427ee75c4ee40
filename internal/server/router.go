package server

import (
	"net/http"

	"github.com/cloo-solutions/docqa/internal/api"
	"github.com/cloo-solutions/docqa/internal/api/handlers"
	"github.com/cloo-solutions/docqa/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxQueryBodyBytes int64 = 64 * 1024

type RouterConfig struct {
	Logger          *zap.Logger
	AllowedOrigins  []string
	DocumentHandler *handlers.DocumentHandler
	QueryHandler    *handlers.QueryHandler
	HealthHandler   *handlers.HealthHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SentryMiddleware)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(cfg.AllowedOrigins))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.Error(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		api.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", cfg.HealthHandler.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", cfg.DocumentHandler.Upload)
		r.With(middleware.MaxBodyBytes(maxQueryBodyBytes)).Post("/query", cfg.QueryHandler.Query)
	})

	return r
}
