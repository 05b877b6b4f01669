// Package testutil holds shared test fakes.
package testutil

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
)

// HashEmbedder derives deterministic normalized vectors from a text hash,
// so identical texts always embed to the same point and self-similarity
// search is exact.
type HashEmbedder struct {
	mu    sync.Mutex
	Calls [][]string
	Fail  bool

	// FailAfter makes document embedding fail once that many successful
	// batch calls have happened. Zero never triggers.
	FailAfter int
}

func (e *HashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Fail {
		return nil, fmt.Errorf("embedder unavailable")
	}
	if e.FailAfter > 0 && len(e.Calls) >= e.FailAfter {
		return nil, fmt.Errorf("embedder unavailable")
	}
	e.Calls = append(e.Calls, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t)
	}
	return out, nil
}

func (e *HashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Fail {
		return nil, fmt.Errorf("embedder unavailable")
	}
	return hashVector(text), nil
}

func hashVector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, 8)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)) / float32(1<<30)
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
