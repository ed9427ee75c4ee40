package domain

import (
	"fmt"
	"strings"
)

// Document is an uploaded file. It lives only for the duration of one
// ingestion request.
type Document struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Page is the cleaned text of a single page, numbered from 1.
type Page struct {
	Number int
	Text   string
}

// Chunk is a bounded window of document text, the unit of embedding and retrieval.
type Chunk struct {
	ID             string
	Text           string
	SourceFilename string
	PageNumber     int
	ChunkIndex     int
}

// Metadata returns the metadata stored alongside the chunk's vector.
func (c Chunk) Metadata() ChunkMetadata {
	return ChunkMetadata{
		Text:           c.Text,
		SourceFilename: c.SourceFilename,
		PageNumber:     c.PageNumber,
		ChunkIndex:     c.ChunkIndex,
	}
}

// ChunkMetadata is everything retrieval needs to rebuild a candidate
// without a second lookup.
type ChunkMetadata struct {
	Text           string `json:"text"`
	SourceFilename string `json:"source_filename"`
	PageNumber     int    `json:"page_number"`
	ChunkIndex     int    `json:"chunk_index"`
}

// Validate checks that every field required to reconstruct a candidate is present.
func (m ChunkMetadata) Validate() error {
	var missing []string
	if strings.TrimSpace(m.Text) == "" {
		missing = append(missing, "text")
	}
	if strings.TrimSpace(m.SourceFilename) == "" {
		missing = append(missing, "source_filename")
	}
	if m.PageNumber < 1 {
		missing = append(missing, "page_number")
	}
	if m.ChunkIndex < 0 {
		missing = append(missing, "chunk_index")
	}
	if len(missing) > 0 {
		return NewDomainErrorWithCause(ErrInvalidMetadata.Code, ErrInvalidMetadata.Message,
			fmt.Errorf("missing or invalid fields: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// IndexedVector is the key/vector/metadata triple written to a vector store.
type IndexedVector struct {
	ChunkID  string
	Vector   []float32
	Metadata ChunkMetadata
}

// Candidate is a search hit for one query.
type Candidate struct {
	ChunkID         string
	Text            string
	Metadata        ChunkMetadata
	SimilarityScore float64
	// Rank is the 0-based position in the similarity search result.
	Rank int
}

// RankedCandidate is a candidate after reranking.
type RankedCandidate struct {
	Candidate
	RerankScore float64
}

// Answer is the response artifact for one query.
type Answer struct {
	Text    string
	Sources []RankedCandidate
}

// Prompt is the input to a generative model.
type Prompt struct {
	System string
	User   string
}
