package embeddings

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// DefaultBatchSize keeps peak memory low on resource-constrained hosts.
const DefaultBatchSize = 4

// Batcher wraps an Embedder and embeds documents in small batches.
//
// Embedding models can exhaust GPU or unified memory when handed large
// text slices at once. Batcher bounds the batch size, releases memory
// between batches, and retries a failed batch once against a fallback
// embedder (typically a CPU-only endpoint) before giving up.
type Batcher struct {
	primary   Embedder
	fallback  Embedder // may be nil
	batchSize int
	logger    *zap.Logger
}

// NewBatcher creates a Batcher around primary. fallback may be nil.
func NewBatcher(primary Embedder, fallback Embedder, batchSize int, logger *zap.Logger) *Batcher {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		primary:   primary,
		fallback:  fallback,
		batchSize: batchSize,
		logger:    logger,
	}
}

// EmbedDocuments embeds texts in batches of the configured size.
func (b *Batcher) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	all := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.batchSize {
		end := start + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := b.embedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w: batch %d: %v", ErrEmbeddingFailed, start/b.batchSize, err)
		}
		all = append(all, vectors...)

		// Give the runtime a chance to return batch allocations before
		// the next one lands.
		runtime.GC()
	}
	return all, nil
}

// embedBatch embeds one batch, retrying once on the fallback embedder.
func (b *Batcher) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	vectors, err := b.primary.EmbedDocuments(ctx, batch)
	if err == nil {
		return vectors, nil
	}
	if b.fallback == nil {
		return nil, err
	}

	b.logger.Warn("embedding batch failed, retrying on fallback backend",
		zap.Int("batch_size", len(batch)),
		zap.Error(err),
	)
	return b.fallback.EmbedDocuments(ctx, batch)
}

// EmbedQuery embeds a single query, retrying once on the fallback embedder.
func (b *Batcher) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := b.primary.EmbedQuery(ctx, text)
	if err == nil {
		return vector, nil
	}
	if b.fallback == nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	b.logger.Warn("query embedding failed, retrying on fallback backend", zap.Error(err))
	vector, err = b.fallback.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

var _ Embedder = (*Batcher)(nil)
