package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloo-solutions/docqa/internal/domain"
)

// StatusClientClosedRequest is returned when the client went away mid-request.
const StatusClientClosedRequest = 499

// SuccessResponse wraps successful API responses
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse represents an error API response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Stage string `json:"stage,omitempty"`
}

// JSON writes a JSON response with the given status code
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Success writes a successful JSON response
func Success(w http.ResponseWriter, status int, data interface{}) {
	JSON(w, status, SuccessResponse{Data: data})
}

// Error writes an error JSON response
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// DomainErrorToHTTP maps domain errors to HTTP status codes
func DomainErrorToHTTP(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		return http.StatusInternalServerError
	}

	switch domainErr.Code {
	case domain.ErrCodeValidation:
		return http.StatusBadRequest
	case domain.ErrCodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.ErrCodeIngestion:
		return http.StatusUnprocessableEntity
	case domain.ErrCodeEmbedding, domain.ErrCodeVectorStore, domain.ErrCodeRerank, domain.ErrCodeLLM:
		return http.StatusServiceUnavailable
	case domain.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrCodeCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes the error envelope. Only the user-facing message of a
// DomainError is exposed; causes stay in the logs.
func HandleError(w http.ResponseWriter, err error) {
	status := DomainErrorToHTTP(err)

	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		JSON(w, status, ErrorResponse{Error: "internal server error", Code: domain.ErrCodeInternalError})
		return
	}
	JSON(w, status, ErrorResponse{
		Error: domainErr.Message,
		Code:  domainErr.Code,
		Stage: string(domainErr.Stage),
	})
}
