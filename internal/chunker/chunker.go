// Package chunker splits extracted pages into overlapping, page-attributed
// windows of text.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/cloo-solutions/docqa/internal/domain"
)

// MaxChunkSize keeps chunks well inside the input limit of every supported
// embedding model.
const MaxChunkSize = 8000

// ChunkConfig controls chunking for document embeddings.
type ChunkConfig struct {
	Size            int
	OverlapFraction float64
	// MinTextChars is the least amount of text a document must yield.
	MinTextChars int
}

// DefaultChunkConfig provides sane defaults for chunking.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		Size:            500,
		OverlapFraction: 0.15,
		MinTextChars:    10,
	}
}

// Overlap is the number of runes shared by consecutive windows.
func (c ChunkConfig) Overlap() int {
	return int(math.Round(float64(c.Size) * c.OverlapFraction))
}

// Validate rejects sizes and overlaps that cannot produce forward progress.
func (c ChunkConfig) Validate() error {
	if c.Size <= 0 || c.Size > MaxChunkSize {
		return domain.NewDomainError(domain.ErrCodeValidation,
			fmt.Sprintf("chunk size must be between 1 and %d", MaxChunkSize))
	}
	if c.OverlapFraction < 0 || c.OverlapFraction >= 0.5 {
		return domain.NewDomainError(domain.ErrCodeValidation, "chunk overlap fraction must be in [0, 0.5)")
	}
	return nil
}

// Chunker turns pages into a Plan.
type Chunker struct {
	cfg ChunkConfig
}

// New validates cfg and returns a Chunker.
func New(cfg ChunkConfig) (*Chunker, error) {
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = DefaultChunkConfig().MinTextChars
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Config returns the chunker's configuration.
func (c *Chunker) Config() ChunkConfig {
	return c.cfg
}

// Plan is the chunking of one document. It is immutable and its sequence
// can be walked any number of times.
type Plan struct {
	// SkippedPages lists page numbers that had no text.
	SkippedPages []int

	filename string
	prefix   string
	runes    []rune
	// pageStarts[i] is the rune offset where pageNumbers[i] begins.
	pageStarts  []int
	pageNumbers []int
	cfg         ChunkConfig
}

// Chunk builds the plan for pages of filename. Empty pages are skipped; a
// document with too little text overall is an ingestion error.
func (c *Chunker) Chunk(pages []domain.Page, filename string) (*Plan, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, domain.ErrMissingFilename
	}

	plan := &Plan{
		filename: filename,
		prefix:   IDPrefix(filename),
		cfg:      c.cfg,
	}

	var b strings.Builder
	offset := 0
	for _, page := range pages {
		text := strings.TrimSpace(page.Text)
		if text == "" {
			plan.SkippedPages = append(plan.SkippedPages, page.Number)
			continue
		}
		if offset > 0 {
			b.WriteByte(' ')
			offset++
		}
		plan.pageStarts = append(plan.pageStarts, offset)
		plan.pageNumbers = append(plan.pageNumbers, page.Number)
		b.WriteString(text)
		offset += len([]rune(text))
	}

	plan.runes = []rune(b.String())
	if len(plan.runes) < c.cfg.MinTextChars {
		return nil, domain.ErrNoExtractableText.WithCause(
			fmt.Errorf("%d characters of text, need at least %d", len(plan.runes), c.cfg.MinTextChars))
	}
	return plan, nil
}

// All yields the document's chunks in order. Each call starts over.
func (p *Plan) All() iter.Seq[domain.Chunk] {
	return func(yield func(domain.Chunk) bool) {
		size := p.cfg.Size
		overlap := p.cfg.Overlap()
		runes := p.runes
		index := 0

		start := 0
		for start < len(runes) {
			end := start + size
			if end > len(runes) {
				end = len(runes)
			}

			if end < len(runes) {
				cut := end
				minCut := start + size/2
				for i := end; i > minCut; i-- {
					if unicode.IsSpace(runes[i-1]) {
						cut = i
						break
					}
				}
				end = cut
			}

			if end <= start {
				return
			}

			lead := start
			for lead < end && unicode.IsSpace(runes[lead]) {
				lead++
			}
			text := strings.TrimSpace(string(runes[start:end]))
			if text != "" {
				chunk := domain.Chunk{
					ID:             fmt.Sprintf("%s_chunk_%d", p.prefix, index),
					Text:           text,
					SourceFilename: p.filename,
					PageNumber:     p.pageAt(lead),
					ChunkIndex:     index,
				}
				if !yield(chunk) {
					return
				}
				index++
			}

			if end >= len(runes) {
				return
			}

			nextStart := end
			if overlap > 0 && end-start > overlap {
				nextStart = end - overlap
			}
			if nextStart <= start {
				nextStart = end
			}
			start = nextStart
		}
	}
}

// Collect materialises the plan.
func (p *Plan) Collect() []domain.Chunk {
	var chunks []domain.Chunk
	for chunk := range p.All() {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (p *Plan) pageAt(offset int) int {
	i := sort.Search(len(p.pageStarts), func(i int) bool { return p.pageStarts[i] > offset })
	if i == 0 {
		return p.pageNumbers[0]
	}
	return p.pageNumbers[i-1]
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// IDPrefix is the chunk id prefix for filename: the sanitized name plus a
// short hash of the raw name, so distinct filenames never share ids.
func IDPrefix(filename string) string {
	sum := sha256.Sum256([]byte(filename))
	return SanitizeFilename(filename) + "-" + hex.EncodeToString(sum[:4])
}

// SanitizeFilename makes filename safe for use inside a chunk id.
func SanitizeFilename(filename string) string {
	clean := unsafeIDChars.ReplaceAllString(strings.TrimSpace(filename), "_")
	clean = strings.Trim(clean, "_")
	if clean == "" {
		return "document"
	}
	return clean
}
