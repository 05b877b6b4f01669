// Package corpus stores embedded text chunks and answers similarity queries.
//
// A corpus is one named collection of chunks plus their vector embeddings,
// persisted as a chromem-go database directory with a JSON metadata sidecar.
// Corpora are created on document upload, may be extended incrementally, and
// are deleted wholesale by the retention manager.
package corpus

import (
	"errors"
	"time"
)

// Sentinel errors for corpus operations.
var (
	// ErrCorpusNotFound is returned when the requested corpus id has no index.
	ErrCorpusNotFound = errors.New("corpus not found")

	// ErrEmptyCorpus is returned when ingestion produced zero chunks.
	ErrEmptyCorpus = errors.New("corpus has no chunks")

	// ErrInvalidCorpusID indicates a corpus id that is unsafe as a path element.
	ErrInvalidCorpusID = errors.New("invalid corpus id")
)

// Metadata keys every chunk carries.
const (
	MetaSourceID      = "source_id"
	MetaSourceLabel   = "source_label"
	MetaPositionIndex = "position_index"
	MetaOrigin        = "origin"
	MetaPage          = "page"
	MetaTitle         = "title"
	MetaURL           = "url"
)

// Chunk origins.
const (
	OriginDocument = "document"
	OriginWeb      = "web"
)

// WebOnlyCorpusID is the reserved corpus id that requests web-only
// retrieval. No corpus may be created under this name.
const WebOnlyCorpusID = "web_only"

// Chunk is a contiguous span of source text with metadata, the atomic unit
// of retrieval. Chunks are immutable once created.
type Chunk struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`

	// Score is the similarity to the query on search results; zero otherwise.
	Score float32 `json:"score,omitempty"`
}

// Origin returns the chunk's origin, defaulting to "document".
func (c Chunk) Origin() string {
	if o := c.Metadata[MetaOrigin]; o != "" {
		return o
	}
	return OriginDocument
}

// SourceKey returns the stable per-origin dedup key for the chunk: the URL
// for web chunks, the source id for document chunks.
func (c Chunk) SourceKey() string {
	if c.Origin() == OriginWeb {
		if url := c.Metadata[MetaURL]; url != "" {
			return url
		}
	}
	return c.Metadata[MetaSourceID]
}

// Metadata is the sidecar record persisted next to each corpus index.
type Metadata struct {
	CorpusID    string    `json:"corpus_id"`
	SourceFiles []string  `json:"source_filenames"`
	ChunkCount  int       `json:"chunk_count"`
	PageCount   int       `json:"page_count"`
	CreatedAt   time.Time `json:"created_at"`
	ModelUsed   string    `json:"model_used"`
}
