package corpus

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"github.com/hollowaylabs/docqd/internal/embeddings"
)

// NewEphemeral builds an in-memory corpus over the given chunks. Nothing is
// written to disk; the handle is good for the lifetime of a single request.
//
// Used to re-rank mixed document and web chunks in one similarity space.
func NewEphemeral(ctx context.Context, embedder embeddings.Embedder, chunks []Chunk) (*Handle, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks to index", ErrEmptyCorpus)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding ephemeral corpus: %w", err)
	}

	db := chromem.NewDB()
	collection, err := db.CreateCollection(collectionName, nil, func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("creating ephemeral collection: %w", err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		meta := make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			meta[k] = v
		}
		docs[i] = chromem.Document{
			ID:        fmt.Sprintf("ephemeral_%06d", i),
			Content:   c.Content,
			Metadata:  meta,
			Embedding: vectors[i],
		}
	}
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		return nil, fmt.Errorf("indexing ephemeral chunks: %w", err)
	}

	return &Handle{ID: "ephemeral", collection: collection}, nil
}
