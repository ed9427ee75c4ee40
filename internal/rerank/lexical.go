package rerank

import (
	"context"
	"math"

	"github.com/cloo-solutions/docqa/internal/embedding"
)

// LexicalScorer scores texts with BM25 over the candidate set itself. It
// needs no network and serves as the scorer when no cross-encoder is
// configured.
type LexicalScorer struct {
	k1 float64
	b  float64
}

func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{k1: 1.2, b: 0.75}
}

func (s *LexicalScorer) Name() string {
	return "lexical-bm25"
}

func (s *LexicalScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	docs := make([][]string, len(texts))
	df := make(map[string]int)
	total := 0
	for i, text := range texts {
		docs[i] = embedding.Tokenize(text)
		total += len(docs[i])
		seen := make(map[string]bool)
		for _, tok := range docs[i] {
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}

	scores := make([]float64, len(texts))
	if len(texts) == 0 || total == 0 {
		return scores, nil
	}
	avgLen := float64(total) / float64(len(texts))
	n := float64(len(texts))

	terms := uniqueTerms(embedding.Tokenize(query))
	for i, doc := range docs {
		tf := make(map[string]int, len(doc))
		for _, tok := range doc {
			tf[tok]++
		}
		docLen := float64(len(doc))
		for _, term := range terms {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
			scores[i] += idf * f * (s.k1 + 1) / (f + s.k1*(1-s.b+s.b*docLen/avgLen))
		}
	}
	return scores, nil
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0:0]
	for _, tok := range tokens {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}
