// Package retrieval turns a question into ranked context chunks. Four
// strategies share one Retriever interface: document-only search against a
// persisted corpus, web-only search over live results, a hybrid of both,
// and an empty strategy for questions with no context at all.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hollowaylabs/docqd/internal/corpus"
	"github.com/hollowaylabs/docqd/internal/embeddings"
	"github.com/hollowaylabs/docqd/internal/websearch"
)

var tracer = otel.Tracer("docqd.retrieval")

// Hybrid retrieval pulls fewer chunks from each side before re-ranking.
// Document chunks go first: uploaded content outranks the open web.
const (
	hybridDocumentK = 3
	hybridWebK      = 2
)

// Retriever produces ranked context chunks for a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]corpus.Chunk, error)
}

// DocumentRetriever searches a persisted corpus.
type DocumentRetriever struct {
	Handle *corpus.Handle
	K      int
}

func (r *DocumentRetriever) Retrieve(ctx context.Context, query string) ([]corpus.Chunk, error) {
	ctx, span := tracer.Start(ctx, "retrieval.document")
	defer span.End()
	span.SetAttributes(attribute.String("corpus_id", r.Handle.ID), attribute.Int("k", r.K))
	return r.Handle.Search(ctx, query, r.K)
}

// WebRetriever searches the web, wraps page text as chunks, and ranks them
// in an ephemeral index so scoring stays uniform with document retrieval.
type WebRetriever struct {
	Client   *websearch.Client
	Embedder embeddings.Embedder
	Logger   *zap.Logger
	K        int
}

func (r *WebRetriever) Retrieve(ctx context.Context, query string) ([]corpus.Chunk, error) {
	ctx, span := tracer.Start(ctx, "retrieval.web")
	defer span.End()
	span.SetAttributes(attribute.Int("k", r.K))

	results := r.Client.SearchAndExtract(ctx, query, r.K)
	chunks := webChunks(results)
	if len(chunks) == 0 {
		span.SetAttributes(attribute.Int("chunks", 0))
		return []corpus.Chunk{}, nil
	}

	handle, err := corpus.NewEphemeral(ctx, r.Embedder, chunks)
	if err != nil {
		return nil, fmt.Errorf("indexing web results: %w", err)
	}
	ranked, err := handle.Search(ctx, query, r.K)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("chunks", len(ranked)))
	return ranked, nil
}

// webChunks converts search results into chunks, preferring extracted page
// text over the result snippet.
func webChunks(results []websearch.Result) []corpus.Chunk {
	chunks := make([]corpus.Chunk, 0, len(results))
	for i, res := range results {
		content := res.Content
		if content == "" {
			content = res.Snippet
		}
		if content == "" {
			continue
		}
		chunks = append(chunks, corpus.Chunk{
			Content: content,
			Metadata: map[string]string{
				corpus.MetaOrigin:        corpus.OriginWeb,
				corpus.MetaURL:           res.URL,
				corpus.MetaTitle:         res.Title,
				corpus.MetaSourceLabel:   res.URL,
				corpus.MetaPositionIndex: strconv.Itoa(i),
			},
		})
	}
	return chunks
}

// HybridRetriever merges document and web context. Both sides are fetched
// with small k values, concatenated document-first, then re-embedded into
// an ephemeral index and re-ranked against the query.
type HybridRetriever struct {
	Document *DocumentRetriever
	Web      *WebRetriever
	Embedder embeddings.Embedder
	Logger   *zap.Logger
	K        int
}

func (r *HybridRetriever) Retrieve(ctx context.Context, query string) ([]corpus.Chunk, error) {
	ctx, span := tracer.Start(ctx, "retrieval.hybrid")
	defer span.End()

	docChunks, err := r.Document.Retrieve(ctx, query)
	if err != nil {
		return nil, err
	}

	webChunks, err := r.Web.Retrieve(ctx, query)
	if err != nil {
		r.Logger.Warn("web side of hybrid retrieval failed", zap.Error(err))
		webChunks = nil
	}
	if len(webChunks) == 0 {
		span.SetAttributes(attribute.Bool("web_empty", true))
		return docChunks, nil
	}

	combined := make([]corpus.Chunk, 0, len(docChunks)+len(webChunks))
	combined = append(combined, docChunks...)
	combined = append(combined, webChunks...)
	if len(combined) == 0 {
		return []corpus.Chunk{}, nil
	}

	handle, err := corpus.NewEphemeral(ctx, r.Embedder, combined)
	if err != nil {
		return nil, fmt.Errorf("re-ranking hybrid context: %w", err)
	}
	ranked, err := handle.Search(ctx, query, r.K)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("document_chunks", len(docChunks)),
		attribute.Int("web_chunks", len(webChunks)),
		attribute.Int("ranked", len(ranked)),
	)
	return ranked, nil
}

// EmptyRetriever returns no context. Used when the question names no
// corpus and web search is disabled.
type EmptyRetriever struct{}

func (EmptyRetriever) Retrieve(context.Context, string) ([]corpus.Chunk, error) {
	return []corpus.Chunk{}, nil
}

// Selector builds the right retriever for a request.
type Selector struct {
	store    *corpus.Store
	web      *websearch.Client
	embedder embeddings.Embedder
	logger   *zap.Logger
}

// NewSelector creates a retriever selector.
func NewSelector(store *corpus.Store, web *websearch.Client, embedder embeddings.Embedder, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{store: store, web: web, embedder: embedder, logger: logger}
}

// Select picks a strategy for the given corpus id and web flag.
//
// A missing corpus falls back to web-only retrieval when the web is
// enabled; with the web disabled it surfaces corpus.ErrCorpusNotFound.
// An empty corpus id means no documents were requested at all; the
// corpus.WebOnlyCorpusID sentinel requests web retrieval regardless of
// the flag.
func (s *Selector) Select(ctx context.Context, corpusID string, useWeb bool, maxResults int) (Retriever, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	webRetriever := func(k int) *WebRetriever {
		return &WebRetriever{Client: s.web, Embedder: s.embedder, Logger: s.logger, K: k}
	}

	if corpusID == corpus.WebOnlyCorpusID {
		return webRetriever(maxResults), nil
	}

	if corpusID == "" {
		if useWeb {
			return webRetriever(maxResults), nil
		}
		return EmptyRetriever{}, nil
	}

	handle, err := s.store.Load(ctx, corpusID)
	if err != nil {
		if errors.Is(err, corpus.ErrCorpusNotFound) && useWeb {
			s.logger.Warn("corpus missing, falling back to web retrieval",
				zap.String("corpus_id", corpusID))
			return webRetriever(maxResults), nil
		}
		return nil, err
	}

	document := &DocumentRetriever{Handle: handle, K: maxResults}
	if !useWeb {
		return document, nil
	}

	return &HybridRetriever{
		Document: &DocumentRetriever{Handle: handle, K: hybridDocumentK},
		Web:      webRetriever(hybridWebK),
		Embedder: s.embedder,
		Logger:   s.logger,
		K:        maxResults,
	}, nil
}
