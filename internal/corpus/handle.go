package corpus

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

// Handle is an opened corpus ready for similarity search.
type Handle struct {
	ID       string
	Metadata *Metadata

	collection *chromem.Collection
}

// Count returns the number of chunks in the corpus.
func (h *Handle) Count() int {
	return h.collection.Count()
}

// Search returns up to k chunks most similar to the query, ordered by
// descending similarity. k is capped at the corpus size; an empty corpus
// yields no results rather than an error.
func (h *Handle) Search(ctx context.Context, query string, k int) ([]Chunk, error) {
	count := h.collection.Count()
	if count == 0 || k <= 0 {
		return []Chunk{}, nil
	}
	if k > count {
		k = count
	}

	results, err := h.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("searching corpus %s: %w", h.ID, err)
	}

	chunks := make([]Chunk, len(results))
	for i, r := range results {
		meta := make(map[string]string, len(r.Metadata))
		for key, v := range r.Metadata {
			meta[key] = v
		}
		chunks[i] = Chunk{
			Content:  r.Content,
			Metadata: meta,
			Score:    r.Similarity,
		}
	}
	return chunks, nil
}
