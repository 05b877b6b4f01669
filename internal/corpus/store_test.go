package corpus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hollowaylabs/docqd/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, *testutil.HashEmbedder) {
	t.Helper()
	embedder := &testutil.HashEmbedder{}
	store, err := NewStore(StoreConfig{
		Dir:           filepath.Join(t.TempDir(), "stores"),
		CheckpointDir: filepath.Join(t.TempDir(), "state"),
	}, embedder, zap.NewNop())
	require.NoError(t, err)
	return store, embedder
}

func testChunks(n int) []Chunk {
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{
			Content: fmt.Sprintf("chunk %d about topic %d", i, i%3),
			Metadata: map[string]string{
				MetaSourceID:    "doc-1",
				MetaSourceLabel: "report.pdf",
				MetaOrigin:      OriginDocument,
			},
		}
	}
	return chunks
}

func TestCreateLoadSearch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	chunks := testChunks(5)
	meta, err := store.Create(ctx, "corpus-a", chunks, CreateInfo{
		SourceFiles: []string{"report.pdf"},
		PageCount:   3,
		ModelUsed:   "nomic-embed-text",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, meta.ChunkCount)
	assert.Equal(t, []string{"report.pdf"}, meta.SourceFiles)

	handle, err := store.Load(ctx, "corpus-a")
	require.NoError(t, err)
	assert.Equal(t, 5, handle.Count())
	assert.Equal(t, "nomic-embed-text", handle.Metadata.ModelUsed)

	// Querying with a chunk's own text must surface that chunk first.
	results, err := handle.Search(ctx, chunks[2].Content, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, chunks[2].Content, results[0].Content)
	assert.Equal(t, "report.pdf", results[0].Metadata[MetaSourceLabel])
	assert.Greater(t, results[0].Score, results[2].Score)
}

func TestSearchCapsKAtCorpusSize(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "small", testChunks(2), CreateInfo{})
	require.NoError(t, err)

	handle, err := store.Load(ctx, "small")
	require.NoError(t, err)

	results, err := handle.Search(ctx, "topic", 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestCreateEmptyCorpus(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Create(context.Background(), "empty", nil, CreateInfo{})
	assert.ErrorIs(t, err, ErrEmptyCorpus)
	assert.False(t, store.Exists("empty"))
}

func TestCreateEmbeddingFailureLeavesNothingBehind(t *testing.T) {
	store, embedder := newTestStore(t)
	embedder.Fail = true

	_, err := store.Create(context.Background(), "broken", testChunks(3), CreateInfo{})
	require.Error(t, err)
	assert.False(t, store.Exists("broken"))

	entries, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateRejectsInvalidID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"", "..", "a/b", `a\b`, WebOnlyCorpusID} {
		_, err := store.Create(ctx, id, testChunks(1), CreateInfo{})
		assert.ErrorIs(t, err, ErrInvalidCorpusID, "id %q", id)
	}
}

func TestLoadMissingCorpus(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCorpusNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "corpus-a", testChunks(2), CreateInfo{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "corpus-a"))
	assert.False(t, store.Exists("corpus-a"))

	// Second delete is a no-op.
	require.NoError(t, store.Delete(ctx, "corpus-a"))
}

func TestExtendAppendsChunks(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "grow", testChunks(3), CreateInfo{})
	require.NoError(t, err)

	meta, err := store.Extend(ctx, "grow", []Chunk{
		{Content: "appended chunk one", Metadata: map[string]string{MetaOrigin: OriginDocument}},
		{Content: "appended chunk two", Metadata: map[string]string{MetaOrigin: OriginDocument}},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, meta.ChunkCount)

	handle, err := store.Load(ctx, "grow")
	require.NoError(t, err)
	assert.Equal(t, 5, handle.Count())

	results, err := handle.Search(ctx, "appended chunk one", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "appended chunk one", results[0].Content)

	// Checkpoint must be gone after a clean run.
	_, err = os.Stat(store.checkpointPath("grow"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtendResumesFromCheckpoint(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()
	store.config.CheckpointBatch = 2

	_, err := store.Create(ctx, "resume", testChunks(1), CreateInfo{})
	require.NoError(t, err)
	embedder.Calls = nil

	extra := make([]Chunk, 4)
	for i := range extra {
		extra[i] = Chunk{Content: fmt.Sprintf("extension chunk %d", i)}
	}

	// First batch lands, second crashes; the checkpoint records batch one.
	embedder.FailAfter = 1
	_, err = store.Extend(ctx, "resume", extra)
	require.Error(t, err)

	embedder.FailAfter = 0
	embedder.Calls = nil
	meta, err := store.Extend(ctx, "resume", extra)
	require.NoError(t, err)

	// Only the remaining two chunks were embedded.
	require.Len(t, embedder.Calls, 1)
	assert.Equal(t, []string{"extension chunk 2", "extension chunk 3"}, embedder.Calls[0])

	// The chunks persisted before the crash are not counted twice.
	handle, err := store.Load(ctx, "resume")
	require.NoError(t, err)
	assert.Equal(t, 5, handle.Count())
	assert.Equal(t, 5, meta.ChunkCount)

	// Position indexes stay contiguous across the interruption.
	chunks, err := handle.Search(ctx, "extension chunk 3", 5)
	require.NoError(t, err)
	positions := make(map[string]bool)
	for _, c := range chunks {
		positions[c.Metadata[MetaPositionIndex]] = true
	}
	for _, want := range []string{"0", "1", "2", "3", "4"} {
		assert.True(t, positions[want], "missing position %s", want)
	}
}

func TestExtendIgnoresStaleCheckpoint(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "stale", testChunks(1), CreateInfo{})
	require.NoError(t, err)
	embedder.Calls = nil

	// Checkpoint total does not match the new batch; start from scratch.
	require.NoError(t, store.saveCheckpoint("stale", &checkpoint{
		ProcessedChunks: 5,
		TotalChunks:     9,
	}))

	_, err = store.Extend(ctx, "stale", []Chunk{{Content: "fresh chunk"}})
	require.NoError(t, err)
	require.Len(t, embedder.Calls, 1)
	assert.Equal(t, []string{"fresh chunk"}, embedder.Calls[0])
}

func TestListReturnsAllCorpora(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "list-a", testChunks(2), CreateInfo{SourceFiles: []string{"a.pdf"}})
	require.NoError(t, err)
	_, err = store.Create(ctx, "list-b", testChunks(3), CreateInfo{SourceFiles: []string{"b.pdf"}})
	require.NoError(t, err)

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	ids := map[string]int{}
	for _, e := range entries {
		ids[e.Metadata.CorpusID] = e.Metadata.ChunkCount
		assert.Greater(t, e.SizeBytes, int64(0))
		assert.False(t, e.ModTime.IsZero())
	}
	assert.Equal(t, map[string]int{"list-a": 2, "list-b": 3}, ids)
}

func TestListSkipsOrphanedSidecar(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "kept", testChunks(1), CreateInfo{})
	require.NoError(t, err)

	// A sidecar without an index directory must not be listed.
	require.NoError(t, os.WriteFile(store.metadataPath("ghost"), []byte(`{"corpus_id":"ghost"}`), 0o644))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Metadata.CorpusID)
}

func TestEphemeralCorpus(t *testing.T) {
	ctx := context.Background()
	embedder := &testutil.HashEmbedder{}

	chunks := []Chunk{
		{Content: "web result about pricing", Metadata: map[string]string{MetaOrigin: OriginWeb, MetaURL: "https://example.com"}},
		{Content: "document section about pricing", Metadata: map[string]string{MetaOrigin: OriginDocument}},
		{Content: "unrelated content", Metadata: map[string]string{MetaOrigin: OriginDocument}},
	}

	handle, err := NewEphemeral(ctx, embedder, chunks)
	require.NoError(t, err)
	assert.Equal(t, 3, handle.Count())

	results, err := handle.Search(ctx, "web result about pricing", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "web result about pricing", results[0].Content)
	assert.Equal(t, OriginWeb, results[0].Origin())
}

func TestChunkSourceKey(t *testing.T) {
	web := Chunk{Metadata: map[string]string{MetaOrigin: OriginWeb, MetaURL: "https://example.com/a"}}
	doc := Chunk{Metadata: map[string]string{MetaOrigin: OriginDocument, MetaSourceID: "doc-7"}}

	assert.Equal(t, "https://example.com/a", web.SourceKey())
	assert.Equal(t, "doc-7", doc.SourceKey())
}
