package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloo-solutions/docqa/internal/api"
	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/pipeline"
)

var errInvalidQueryBody = domain.NewDomainError(domain.ErrCodeValidation, "invalid request body")

type QueryService interface {
	Query(ctx context.Context, question string) (*pipeline.QueryResult, error)
}

type QueryHandler struct {
	svc QueryService
}

func NewQueryHandler(svc QueryService) *QueryHandler {
	return &QueryHandler{svc: svc}
}

type QueryRequest struct {
	Query string `json:"query"`
}

type SourceResponse struct {
	Text        string               `json:"text"`
	Score       float64              `json:"score"`
	RerankScore float64              `json:"rerank_score"`
	Metadata    domain.ChunkMetadata `json:"metadata"`
}

type QueryResponse struct {
	Answer   string           `json:"answer"`
	Outcome  string           `json:"outcome"`
	Degraded bool             `json:"degraded"`
	Sources  []SourceResponse `json:"sources"`
}

func queryToResponse(result *pipeline.QueryResult) QueryResponse {
	sources := make([]SourceResponse, len(result.Answer.Sources))
	for i, s := range result.Answer.Sources {
		sources[i] = SourceResponse{
			Text:        s.Text,
			Score:       s.SimilarityScore,
			RerankScore: s.RerankScore,
			Metadata:    s.Metadata,
		}
	}
	return QueryResponse{
		Answer:   result.Answer.Text,
		Outcome:  string(result.Outcome),
		Degraded: result.Degraded,
		Sources:  sources,
	}
}

func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.HandleError(w, domain.ErrRequestTooLarge.WithCause(err))
			return
		}
		api.HandleError(w, errInvalidQueryBody.WithCause(err))
		return
	}

	result, err := h.svc.Query(r.Context(), req.Query)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, queryToResponse(result))
}
