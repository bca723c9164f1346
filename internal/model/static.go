package model

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// Vector weights for the hash embedding.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

var tokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// StaticEmbedder produces deterministic hash-based vectors with no model,
// no network and no subprocess. Semantic quality is poor but identical
// text always maps to the identical vector, which keeps indexing and
// search coherent when the real backend is unavailable.
type StaticEmbedder struct {
	dim int
}

// NewStaticEmbedder returns a static embedder with the given dimension.
func NewStaticEmbedder(dim int) *StaticEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &StaticEmbedder{dim: dim}
}

// Embed generates one vector per text.
func (e *StaticEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

// EmbedQuery is identical to Embed; there is no queue to jump.
func (e *StaticEmbedder) EmbedQuery(ctx context.Context, texts []string) ([][]float32, error) {
	return e.Embed(ctx, texts)
}

// Dimension returns the vector width.
func (e *StaticEmbedder) Dimension() int { return e.dim }

func (e *StaticEmbedder) vector(text string) []float32 {
	vec := make([]float32, e.dim)
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if trimmed == "" {
		return vec
	}

	tokens := tokenRe.FindAllString(trimmed, -1)
	for _, token := range tokens {
		vec[hashToIndex(token, e.dim)] += tokenWeight
		for j := 0; j+ngramSize <= len(token); j++ {
			vec[hashToIndex(token[j:j+ngramSize], e.dim)] += ngramWeight
		}
	}

	var sumSquares float64
	for _, f := range vec {
		sumSquares += float64(f) * float64(f)
	}
	if sumSquares > 0 {
		inv := float32(1 / math.Sqrt(sumSquares))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func hashToIndex(s string, dim int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dim))
}
