package domain

import (
	"context"
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Stage   Stage
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	prefix := e.Code
	if e.Stage != "" {
		prefix = fmt.Sprintf("%s/%s", e.Code, e.Stage)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code and message.
// Sentinels declared below compare equal to copies carrying a stage or cause.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// WithStage returns a copy of the error attributed to the given pipeline stage.
func (e *DomainError) WithStage(stage Stage) *DomainError {
	clone := *e
	clone.Stage = stage
	return &clone
}

// WithCause returns a copy of the error wrapping err.
func (e *DomainError) WithCause(err error) *DomainError {
	clone := *e
	clone.Err = err
	return &clone
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewStageError builds the error for a failed capability call at stage.
// Deadline and cancellation causes override code so callers can tell a
// slow dependency from a broken one. An err that is already a DomainError
// is returned with the stage filled in.
func NewStageError(code string, stage Stage, message string, err error) *DomainError {
	var existing *DomainError
	if errors.As(err, &existing) {
		if existing.Stage == "" {
			return existing.WithStage(stage)
		}
		return existing
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &DomainError{Code: ErrCodeTimeout, Stage: stage, Message: stageTimeoutMessage(stage), Err: err}
	case errors.Is(err, context.Canceled):
		return &DomainError{Code: ErrCodeCanceled, Stage: stage, Message: "request canceled", Err: err}
	}

	return &DomainError{Code: code, Stage: stage, Message: message, Err: err}
}

func stageTimeoutMessage(stage Stage) string {
	switch stage {
	case StageEmbed:
		return "embedding service timed out"
	case StageIndex, StageRetrieve:
		return "search service timed out"
	case StageRerank:
		return "reranking service timed out"
	case StageSynthesize:
		return "answer generation timed out"
	default:
		return "operation timed out"
	}
}

// CodeOf returns the DomainError code carried by err, or ErrCodeInternalError.
func CodeOf(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given DomainError code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Pipeline error codes
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeTooLarge      = "PAYLOAD_TOO_LARGE"
	ErrCodeIngestion     = "INGESTION_ERROR"
	ErrCodeEmbedding     = "EMBEDDING_ERROR"
	ErrCodeVectorStore   = "VECTOR_STORE_ERROR"
	ErrCodeRerank        = "RERANK_ERROR"
	ErrCodeLLM           = "LLM_ERROR"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeCanceled      = "CANCELED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Validation errors
var (
	ErrEmptyQuery          = NewDomainError(ErrCodeValidation, "query must not be empty")
	ErrMissingFilename     = NewDomainError(ErrCodeValidation, "filename is required")
	ErrEmptyDocument       = NewDomainError(ErrCodeValidation, "uploaded file is empty")
	ErrUnsupportedFileType = NewDomainError(ErrCodeValidation, "only PDF and plain text files are supported")
	ErrTooManyPages        = NewDomainError(ErrCodeTooLarge, "document exceeds the page limit")
	ErrDocumentTooLarge    = NewDomainError(ErrCodeTooLarge, "document exceeds the size limit")
	ErrRequestTooLarge     = NewDomainError(ErrCodeTooLarge, "request body too large")
	ErrInvalidMetadata     = NewDomainError(ErrCodeValidation, "chunk metadata is incomplete")
)

// Ingestion errors
var (
	ErrNoExtractableText = NewDomainError(ErrCodeIngestion, "could not extract text from document")
	ErrInvalidDocument   = NewDomainError(ErrCodeIngestion, "document could not be parsed")
)

// Capability errors
var (
	ErrEmbeddingFailed    = NewDomainError(ErrCodeEmbedding, "embedding service unavailable")
	ErrEmbeddingShape     = NewDomainError(ErrCodeEmbedding, "embedding service returned malformed vectors")
	ErrVectorStoreFailed  = NewDomainError(ErrCodeVectorStore, "search service unavailable")
	ErrCorruptMetadata    = NewDomainError(ErrCodeVectorStore, "index entry has corrupt metadata")
	ErrRerankFailed       = NewDomainError(ErrCodeRerank, "reranking service unavailable")
	ErrRerankScoreCount   = NewDomainError(ErrCodeRerank, "reranking service returned the wrong number of scores")
	ErrGenerationFailed   = NewDomainError(ErrCodeLLM, "answer generation failed")
	ErrEmptyGeneration    = NewDomainError(ErrCodeLLM, "answer generation returned no text")
	ErrNoGeneratorsConfig = NewDomainError(ErrCodeLLM, "no answer generator configured")
)
