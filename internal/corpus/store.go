package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hollowaylabs/docqd/internal/embeddings"
)

var storeTracer = otel.Tracer("docqd.corpus")

// collectionName is the single collection inside each per-corpus database.
const collectionName = "chunks"

// metadataSuffix is appended to the corpus id to form the sidecar filename.
const metadataSuffix = ".metadata.json"

// StoreConfig holds configuration for the corpus store.
type StoreConfig struct {
	// Dir holds one subdirectory per corpus plus metadata sidecars.
	Dir string

	// CheckpointDir holds incremental-ingestion checkpoints.
	CheckpointDir string

	// Compress enables gzip compression for persisted vectors.
	Compress bool

	// CheckpointBatch is the number of chunks embedded between checkpoint
	// writes during Extend. Default: 50.
	CheckpointBatch int
}

// ApplyDefaults sets default values for unset fields.
func (c *StoreConfig) ApplyDefaults() {
	if c.Dir == "" {
		c.Dir = "./vector_stores"
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "./processing_state"
	}
	if c.CheckpointBatch == 0 {
		c.CheckpointBatch = 50
	}
}

// Store manages a directory of persisted corpora.
//
// Each corpus is an embedded chromem-go database in its own subdirectory;
// opening one requires only the embedding backend, never the generative
// model.
type Store struct {
	config   StoreConfig
	embedder embeddings.Embedder
	logger   *zap.Logger
}

// NewStore creates a Store rooted at config.Dir.
func NewStore(config StoreConfig, embedder embeddings.Embedder, logger *zap.Logger) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	for _, dir := range []string{config.Dir, config.CheckpointDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	logger.Info("corpus store initialized",
		zap.String("dir", config.Dir),
		zap.Bool("compress", config.Compress),
	)

	return &Store{config: config, embedder: embedder, logger: logger}, nil
}

// validateCorpusID rejects ids that are empty or unsafe as path elements.
func validateCorpusID(id string) error {
	if id == "" || id == "." || id == ".." || id == WebOnlyCorpusID {
		return fmt.Errorf("%w: %q", ErrInvalidCorpusID, id)
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q contains path separators", ErrInvalidCorpusID, id)
	}
	return nil
}

func (s *Store) corpusDir(id string) string {
	return filepath.Join(s.config.Dir, id)
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.config.Dir, id+metadataSuffix)
}

// embeddingFunc adapts the store's embedder to chromem's query-time hook.
func (s *Store) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// CreateInfo carries source details recorded in the metadata sidecar.
type CreateInfo struct {
	SourceFiles []string
	PageCount   int
	ModelUsed   string
}

// Create embeds chunks, builds a new corpus index, and persists it together
// with its metadata sidecar. The index is built in a temporary directory and
// renamed into place so a failed ingestion never leaves a half-written
// corpus behind.
//
// Returns ErrEmptyCorpus when chunks is empty and ErrEmbeddingFailed when
// the embedding backend is unreachable.
func (s *Store) Create(ctx context.Context, id string, chunks []Chunk, info CreateInfo) (*Metadata, error) {
	ctx, span := storeTracer.Start(ctx, "corpus.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("corpus_id", id),
		attribute.Int("chunk_count", len(chunks)),
	)

	if err := validateCorpusID(id); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		span.SetStatus(codes.Error, "no chunks")
		return nil, fmt.Errorf("%w: corpus %s", ErrEmptyCorpus, id)
	}
	if s.Exists(id) {
		return nil, fmt.Errorf("corpus %s already exists", id)
	}

	tmpDir, err := os.MkdirTemp(s.config.Dir, ".tmp-"+id+"-")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	db, err := chromem.NewPersistentDB(tmpDir, s.config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating corpus database: %w", err)
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}

	if err := s.addChunks(ctx, collection, id, chunks, 0); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := os.Rename(tmpDir, s.corpusDir(id)); err != nil {
		return nil, fmt.Errorf("publishing corpus %s: %w", id, err)
	}

	meta := &Metadata{
		CorpusID:    id,
		SourceFiles: info.SourceFiles,
		ChunkCount:  len(chunks),
		PageCount:   info.PageCount,
		CreatedAt:   time.Now(),
		ModelUsed:   info.ModelUsed,
	}
	if err := s.writeMetadata(meta); err != nil {
		// Roll back the index so we never leave a corpus without metadata.
		os.RemoveAll(s.corpusDir(id))
		return nil, err
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("created corpus",
		zap.String("corpus_id", id),
		zap.Int("chunks", len(chunks)),
		zap.Strings("sources", info.SourceFiles),
	)
	return meta, nil
}

// addChunks embeds and appends chunks starting at the given position offset.
func (s *Store) addChunks(ctx context.Context, collection *chromem.Collection, id string, chunks []Chunk, offset int) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding corpus %s: %w", id, err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		meta := make(map[string]string, len(c.Metadata)+1)
		for k, v := range c.Metadata {
			meta[k] = v
		}
		if meta[MetaPositionIndex] == "" {
			meta[MetaPositionIndex] = fmt.Sprintf("%d", offset+i)
		}
		docs[i] = chromem.Document{
			ID:        fmt.Sprintf("%s_%06d", id, offset+i),
			Content:   c.Content,
			Metadata:  meta,
			Embedding: vectors[i],
		}
	}

	// Concurrency 1: embeddings are already computed.
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents to corpus %s: %w", id, err)
	}
	return nil
}

// Extend embeds and appends new chunks to an existing corpus.
//
// Extension is resumable: a checkpoint records how many of the given chunks
// have been embedded, so re-running after a crash skips completed batches.
// The checkpoint is removed once all chunks are in.
func (s *Store) Extend(ctx context.Context, id string, chunks []Chunk) (*Metadata, error) {
	ctx, span := storeTracer.Start(ctx, "corpus.extend")
	defer span.End()
	span.SetAttributes(
		attribute.String("corpus_id", id),
		attribute.Int("chunk_count", len(chunks)),
	)

	if err := validateCorpusID(id); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: nothing to extend with", ErrEmptyCorpus)
	}

	handle, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	processed := 0
	if cp, err := s.loadCheckpoint(id); err == nil && cp != nil && cp.TotalChunks == len(chunks) {
		processed = cp.ProcessedChunks
		s.logger.Info("resuming corpus extension",
			zap.String("corpus_id", id),
			zap.Int("processed", processed),
			zap.Int("total", len(chunks)),
		)
	}

	// On resume the collection already holds the chunks the interrupted
	// run persisted; subtract them so base is where the original corpus
	// ended and position indexes continue without a gap.
	base := handle.Count() - processed
	for processed < len(chunks) {
		end := processed + s.config.CheckpointBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[processed:end]

		if err := s.addChunks(ctx, handle.collection, id, batch, base+processed); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			// Leave the checkpoint so the caller can resume.
			_ = s.saveCheckpoint(id, &checkpoint{
				ProcessedChunks: processed,
				TotalChunks:     len(chunks),
				UpdatedAt:       time.Now(),
			})
			return nil, err
		}

		processed = end
		if err := s.saveCheckpoint(id, &checkpoint{
			ProcessedChunks: processed,
			TotalChunks:     len(chunks),
			UpdatedAt:       time.Now(),
		}); err != nil {
			s.logger.Warn("failed to write extension checkpoint",
				zap.String("corpus_id", id), zap.Error(err))
		}
	}
	s.clearCheckpoint(id)

	meta := handle.Metadata
	meta.ChunkCount = handle.Count()
	if err := s.writeMetadata(meta); err != nil {
		return nil, err
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("extended corpus",
		zap.String("corpus_id", id),
		zap.Int("added", len(chunks)),
		zap.Int("total", meta.ChunkCount),
	)
	return meta, nil
}

// Load opens a persisted corpus for querying.
//
// Returns ErrCorpusNotFound if no index exists for the id.
func (s *Store) Load(ctx context.Context, id string) (*Handle, error) {
	_, span := storeTracer.Start(ctx, "corpus.load")
	defer span.End()
	span.SetAttributes(attribute.String("corpus_id", id))

	if err := validateCorpusID(id); err != nil {
		return nil, err
	}

	dir := s.corpusDir(id)
	if _, err := os.Stat(dir); err != nil {
		span.SetStatus(codes.Error, "not found")
		return nil, fmt.Errorf("%w: %s", ErrCorpusNotFound, id)
	}

	db, err := chromem.NewPersistentDB(dir, s.config.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening corpus %s: %w", id, err)
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("opening collection for corpus %s: %w", id, err)
	}

	meta, err := s.readMetadata(id)
	if err != nil {
		// An index without a sidecar is still searchable; synthesize the
		// minimum and let the retention manager flag it.
		s.logger.Warn("corpus metadata missing", zap.String("corpus_id", id), zap.Error(err))
		meta = &Metadata{CorpusID: id, ChunkCount: collection.Count()}
	}

	return &Handle{ID: id, Metadata: meta, collection: collection}, nil
}

// Metadata returns the sidecar record for a corpus without opening its
// index. Returns ErrCorpusNotFound if the corpus does not exist.
func (s *Store) Metadata(id string) (*Metadata, error) {
	if err := validateCorpusID(id); err != nil {
		return nil, err
	}
	if !s.Exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrCorpusNotFound, id)
	}
	return s.readMetadata(id)
}

// Delete removes a corpus index and its metadata. Deleting a corpus that
// does not exist is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, span := storeTracer.Start(ctx, "corpus.delete")
	defer span.End()
	span.SetAttributes(attribute.String("corpus_id", id))

	if err := validateCorpusID(id); err != nil {
		return err
	}

	var firstErr error
	if err := os.RemoveAll(s.corpusDir(id)); err != nil {
		firstErr = fmt.Errorf("removing corpus index %s: %w", id, err)
	}
	if err := os.Remove(s.metadataPath(id)); err != nil && !os.IsNotExist(err) {
		if firstErr == nil {
			firstErr = fmt.Errorf("removing corpus metadata %s: %w", id, err)
		}
	}
	s.clearCheckpoint(id)

	if firstErr != nil {
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, firstErr.Error())
		return firstErr
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("deleted corpus", zap.String("corpus_id", id))
	return nil
}

// Exists reports whether a corpus index is present on disk.
func (s *Store) Exists(id string) bool {
	if validateCorpusID(id) != nil {
		return false
	}
	_, err := os.Stat(s.corpusDir(id))
	return err == nil
}

// Entry describes one persisted corpus for listing and retention decisions.
type Entry struct {
	Metadata  *Metadata
	ModTime   time.Time
	SizeBytes int64
}

// List returns all persisted corpora with their metadata, modification time,
// and on-disk size. Sidecars whose index directory is missing are skipped
// with a warning.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	_, span := storeTracer.Start(ctx, "corpus.list")
	defer span.End()

	matches, err := filepath.Glob(filepath.Join(s.config.Dir, "*"+metadataSuffix))
	if err != nil {
		return nil, fmt.Errorf("listing corpora: %w", err)
	}

	entries := make([]Entry, 0, len(matches))
	for _, metaPath := range matches {
		id := strings.TrimSuffix(filepath.Base(metaPath), metadataSuffix)

		if _, err := os.Stat(s.corpusDir(id)); err != nil {
			s.logger.Warn("orphaned metadata sidecar", zap.String("corpus_id", id))
			continue
		}

		info, err := os.Stat(metaPath)
		if err != nil {
			s.logger.Warn("failed to stat metadata", zap.String("corpus_id", id), zap.Error(err))
			continue
		}

		meta, err := s.readMetadata(id)
		if err != nil {
			s.logger.Warn("failed to read metadata", zap.String("corpus_id", id), zap.Error(err))
			continue
		}

		entries = append(entries, Entry{
			Metadata:  meta,
			ModTime:   info.ModTime(),
			SizeBytes: dirSize(s.corpusDir(id)) + info.Size(),
		})
	}

	span.SetAttributes(attribute.Int("corpus_count", len(entries)))
	return entries, nil
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// writeMetadata persists the sidecar atomically (write temp, rename).
func (s *Store) writeMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	tmp, err := os.CreateTemp(s.config.Dir, ".meta-*")
	if err != nil {
		return fmt.Errorf("creating metadata temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing metadata temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.metadataPath(meta.CorpusID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing metadata: %w", err)
	}
	return nil
}

func (s *Store) readMetadata(id string) (*Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing metadata for %s: %w", id, err)
	}
	return &meta, nil
}
