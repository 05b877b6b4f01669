package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hollowaylabs/docqd/internal/corpus"
	"github.com/hollowaylabs/docqd/internal/testutil"
	"github.com/hollowaylabs/docqd/internal/websearch"
)

type fixture struct {
	selector *Selector
	store    *corpus.Store
	server   *httptest.Server
	mux      *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	embedder := &testutil.HashEmbedder{}
	store, err := corpus.NewStore(corpus.StoreConfig{
		Dir:           filepath.Join(t.TempDir(), "stores"),
		CheckpointDir: filepath.Join(t.TempDir(), "state"),
	}, embedder, zap.NewNop())
	require.NoError(t, err)

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	web := websearch.NewClient(websearch.Config{
		SearchURL: server.URL + "/html/",
		Timeout:   2 * time.Second,
	}, zap.NewNop())

	return &fixture{
		selector: NewSelector(store, web, embedder, zap.NewNop()),
		store:    store,
		server:   server,
		mux:      mux,
	}
}

// serveResults wires the fake search endpoint plus one content page per
// result.
func (f *fixture) serveResults(contents ...string) {
	f.mux.HandleFunc("/html/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body>")
		for i := range contents {
			fmt.Fprintf(w, `<div class="result__body"><a class="result__a" href="%s/page/%d">Result %d</a></div>`,
				f.server.URL, i, i)
		}
		fmt.Fprint(w, "</body></html>")
	})
	for i, content := range contents {
		body := content
		f.mux.HandleFunc(fmt.Sprintf("/page/%d", i), func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, "<html><body>%s</body></html>", body)
		})
	}
}

func (f *fixture) serveNoResults() {
	f.mux.HandleFunc("/html/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body></body></html>")
	})
}

func (f *fixture) createCorpus(t *testing.T, id string, contents ...string) {
	t.Helper()
	chunks := make([]corpus.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = corpus.Chunk{
			Content: c,
			Metadata: map[string]string{
				corpus.MetaSourceID:    "doc-1",
				corpus.MetaSourceLabel: id + ".pdf",
				corpus.MetaOrigin:      corpus.OriginDocument,
			},
		}
	}
	_, err := f.store.Create(context.Background(), id, chunks, corpus.CreateInfo{})
	require.NoError(t, err)
}

func TestSelectDocumentOnly(t *testing.T) {
	f := newFixture(t)
	f.createCorpus(t, "docs", "alpha content", "beta content", "gamma content")

	r, err := f.selector.Select(context.Background(), "docs", false, 2)
	require.NoError(t, err)
	require.IsType(t, &DocumentRetriever{}, r)

	chunks, err := r.Retrieve(context.Background(), "alpha content")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "alpha content", chunks[0].Content)
	assert.Equal(t, corpus.OriginDocument, chunks[0].Origin())
}

func TestSelectWebOnlySentinel(t *testing.T) {
	f := newFixture(t)
	f.serveResults("web page about the topic")

	// The sentinel routes to the web even with the flag off.
	r, err := f.selector.Select(context.Background(), corpus.WebOnlyCorpusID, false, 3)
	require.NoError(t, err)
	require.IsType(t, &WebRetriever{}, r)

	chunks, err := r.Retrieve(context.Background(), "the topic")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, corpus.OriginWeb, chunks[0].Origin())
}

func TestSelectMissingCorpusWithoutWeb(t *testing.T) {
	f := newFixture(t)

	_, err := f.selector.Select(context.Background(), "absent", false, 3)
	assert.ErrorIs(t, err, corpus.ErrCorpusNotFound)
}

func TestSelectMissingCorpusFallsBackToWeb(t *testing.T) {
	f := newFixture(t)
	f.serveResults("web page about the topic")

	r, err := f.selector.Select(context.Background(), "absent", true, 3)
	require.NoError(t, err)
	require.IsType(t, &WebRetriever{}, r)

	chunks, err := r.Retrieve(context.Background(), "topic")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "web page about the topic", chunks[0].Content)
	assert.Equal(t, corpus.OriginWeb, chunks[0].Origin())
	assert.NotEmpty(t, chunks[0].Metadata[corpus.MetaURL])
}

func TestSelectNoCorpus(t *testing.T) {
	f := newFixture(t)

	r, err := f.selector.Select(context.Background(), "", false, 3)
	require.NoError(t, err)
	require.IsType(t, EmptyRetriever{}, r)

	chunks, err := r.Retrieve(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	r, err = f.selector.Select(context.Background(), "", true, 3)
	require.NoError(t, err)
	assert.IsType(t, &WebRetriever{}, r)
}

func TestHybridMergesBothOrigins(t *testing.T) {
	f := newFixture(t)
	f.createCorpus(t, "docs", "document section on pricing", "unrelated document text")
	f.serveResults("web article about pricing")

	r, err := f.selector.Select(context.Background(), "docs", true, 5)
	require.NoError(t, err)
	require.IsType(t, &HybridRetriever{}, r)

	chunks, err := r.Retrieve(context.Background(), "web article about pricing")
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// The re-ranked result set contains both origins, with the chunk
	// matching the query verbatim on top.
	assert.Equal(t, "web article about pricing", chunks[0].Content)
	origins := map[string]bool{}
	for _, c := range chunks {
		origins[c.Origin()] = true
	}
	assert.True(t, origins[corpus.OriginDocument])
	assert.True(t, origins[corpus.OriginWeb])
}

func TestHybridFallsBackToDocumentsOnEmptyWeb(t *testing.T) {
	f := newFixture(t)
	f.createCorpus(t, "docs", "only document content here")
	f.serveNoResults()

	r, err := f.selector.Select(context.Background(), "docs", true, 5)
	require.NoError(t, err)

	chunks, err := r.Retrieve(context.Background(), "document content")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "only document content here", chunks[0].Content)
}

func TestWebChunksPreferExtractedContent(t *testing.T) {
	chunks := webChunks([]websearch.Result{
		{Title: "With content", URL: "https://a", Snippet: "snippet a", Content: "full text a"},
		{Title: "Snippet only", URL: "https://b", Snippet: "snippet b"},
		{Title: "Empty", URL: "https://c"},
	})

	require.Len(t, chunks, 2)
	assert.Equal(t, "full text a", chunks[0].Content)
	assert.Equal(t, "snippet b", chunks[1].Content)
	assert.Equal(t, "https://b", chunks[1].SourceKey())
}
