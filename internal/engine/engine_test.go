package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/hollowaylabs/docqd/internal/config"
	"github.com/hollowaylabs/docqd/internal/corpus"
	"github.com/hollowaylabs/docqd/internal/intent"
	"github.com/hollowaylabs/docqd/internal/retrieval"
	"github.com/hollowaylabs/docqd/internal/testutil"
)

// fakeModel records every call and plays back a canned response, streaming
// it in two fragments when a streaming func is set.
type fakeModel struct {
	mu       sync.Mutex
	response string
	failures int
	prompts  []string
	callOpts []llms.CallOptions
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	m.callOpts = append(m.callOpts, opts)

	var promptText string
	if len(messages) > 0 && len(messages[0].Parts) > 0 {
		if part, ok := messages[0].Parts[0].(llms.TextContent); ok {
			promptText = part.Text
		}
	}
	m.prompts = append(m.prompts, promptText)

	if m.failures > 0 {
		m.failures--
		return nil, fmt.Errorf("backend exploded")
	}

	if opts.StreamingFunc != nil {
		half := len(m.response) / 2
		for _, frag := range []string{m.response[:half], m.response[half:]} {
			if frag != "" {
				if err := opts.StreamingFunc(ctx, []byte(frag)); err != nil {
					return nil, err
				}
			}
		}
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: m.response}},
	}, nil
}

func (m *fakeModel) Call(ctx context.Context, promptText string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, promptText),
	}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

type factoryCall struct {
	model  string
	params config.ModelParams
}

type fixture struct {
	engine *Engine
	store  *corpus.Store
	model  *fakeModel
	calls  *[]factoryCall
}

func newFixture(t *testing.T, response string, cfgEdit func(*config.LLMConfig)) *fixture {
	t.Helper()

	embedder := &testutil.HashEmbedder{}
	store, err := corpus.NewStore(corpus.StoreConfig{
		Dir:           filepath.Join(t.TempDir(), "stores"),
		CheckpointDir: filepath.Join(t.TempDir(), "state"),
	}, embedder, zap.NewNop())
	require.NoError(t, err)

	cfg := config.LLMConfig{
		DefaultModel: "mistral:latest",
		Temperature:  0.7,
		TopP:         0.9,
		MaxContext:   2048,
		NumThreads:   8,
	}
	if cfgEdit != nil {
		cfgEdit(&cfg)
	}

	model := &fakeModel{response: response}
	calls := &[]factoryCall{}

	selector := retrieval.NewSelector(store, nil, embedder, zap.NewNop())
	eng := New(cfg, selector, store, zap.NewNop(), WithModelFactory(
		func(name string, params config.ModelParams) (llms.Model, error) {
			*calls = append(*calls, factoryCall{model: name, params: params})
			return model, nil
		},
	))
	return &fixture{engine: eng, store: store, model: model, calls: calls}
}

func (f *fixture) createCorpus(t *testing.T, id string, contents ...string) {
	t.Helper()
	chunks := make([]corpus.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = corpus.Chunk{
			Content: c,
			Metadata: map[string]string{
				corpus.MetaSourceID:    fmt.Sprintf("doc-%d", i),
				corpus.MetaSourceLabel: id + ".pdf",
				corpus.MetaOrigin:      corpus.OriginDocument,
			},
		}
	}
	_, err := f.store.Create(context.Background(), id, chunks, corpus.CreateInfo{
		SourceFiles: []string{id + ".pdf"},
		PageCount:   3,
	})
	require.NoError(t, err)
}

func TestAnswerDocumentQuestion(t *testing.T) {
	f := newFixture(t, "This document covers machine learning basics.", nil)
	f.createCorpus(t, "ml",
		"machine learning basics introduction",
		"supervised and unsupervised methods",
		"evaluation metrics overview",
	)

	answer, err := f.engine.Answer(context.Background(), Query{
		Text:       "What is this document about?",
		CorpusID:   "ml",
		MaxResults: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, "This document covers machine learning basics.", answer.Text)
	assert.Equal(t, intent.DocumentQuestion, answer.Intent)
	assert.GreaterOrEqual(t, answer.IntentConfidence, 0.5)
	assert.NotEmpty(t, answer.Sources)
	assert.Equal(t, "mistral:latest", answer.ModelUsed)
	assert.Greater(t, answer.ProcessingSeconds, 0.0)

	// The prompt carries retrieved context and the document listing.
	require.Len(t, f.model.prompts, 1)
	assert.Contains(t, f.model.prompts[0], "machine learning basics introduction")
	assert.Contains(t, f.model.prompts[0], "ml.pdf")
}

func TestCasualChatSkipsRetrieval(t *testing.T) {
	f := newFixture(t, "Hi! I'm doing well, thanks.", nil)

	// The named corpus does not exist; the greeting path must never look
	// for it.
	answer, err := f.engine.Answer(context.Background(), Query{
		Text:     "Hello, how are you?",
		CorpusID: "does-not-exist",
	})
	require.NoError(t, err)

	assert.Equal(t, intent.CasualChat, answer.Intent)
	assert.InDelta(t, 0.9, answer.IntentConfidence, 1e-9)
	assert.Empty(t, answer.Sources)
	require.Len(t, f.model.prompts, 1)
	assert.NotContains(t, f.model.prompts[0], "Context")
}

func TestMissingCorpusWithoutWeb(t *testing.T) {
	f := newFixture(t, "unused", nil)

	_, err := f.engine.Answer(context.Background(), Query{
		Text:     "What does the report say?",
		CorpusID: "absent",
	})
	assert.ErrorIs(t, err, corpus.ErrCorpusNotFound)
	assert.True(t, IsNotFound(err))
}

func TestUnsupportedModelFailsFast(t *testing.T) {
	f := newFixture(t, "unused", func(cfg *config.LLMConfig) {
		cfg.UnsupportedModels = []string{"broken:7b"}
	})

	_, err := f.engine.Answer(context.Background(), Query{
		Text:      "What is the total?",
		ModelName: "broken:7b",
	})
	assert.ErrorIs(t, err, ErrUnsupportedModel)
	assert.Empty(t, *f.calls)
}

func TestComputationClampsTemperature(t *testing.T) {
	f := newFixture(t, "The sum is 30.", nil)
	f.createCorpus(t, "invoices", "invoice line items: 10, 20")

	high := 0.9
	_, err := f.engine.Answer(context.Background(), Query{
		Text:        "What is the sum of the invoice total?",
		CorpusID:    "invoices",
		Temperature: &high,
	})
	require.NoError(t, err)

	require.Len(t, f.model.callOpts, 1)
	assert.InDelta(t, 0.3, f.model.callOpts[0].Temperature, 1e-9)
}

func TestExtractionClampsTemperature(t *testing.T) {
	f := newFixture(t, "item one\nitem two", nil)
	f.createCorpus(t, "docs", "items: one, two")

	_, err := f.engine.Answer(context.Background(), Query{
		Text:     "List all items in the file",
		CorpusID: "docs",
	})
	require.NoError(t, err)

	require.Len(t, f.model.callOpts, 1)
	assert.InDelta(t, 0.2, f.model.callOpts[0].Temperature, 1e-9)
}

func TestDefaultTemperaturePassesThrough(t *testing.T) {
	f := newFixture(t, "answer", nil)
	f.createCorpus(t, "docs", "some content")

	_, err := f.engine.Answer(context.Background(), Query{
		Text:     "What does the report say?",
		CorpusID: "docs",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, f.model.callOpts[0].Temperature, 1e-9)
}

func TestStreamTokensThenFinal(t *testing.T) {
	f := newFixture(t, "Hello world", nil)
	f.createCorpus(t, "docs", "content")

	var tokens []string
	var final *Answer
	for ev := range f.engine.Stream(context.Background(), Query{
		Text:     "What does the report say?",
		CorpusID: "docs",
	}) {
		switch ev.Kind {
		case EventToken:
			tokens = append(tokens, ev.Token)
			assert.Nil(t, final, "tokens must precede the terminal event")
		case EventFinal:
			require.Nil(t, final, "exactly one terminal event")
			final = ev.Answer
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}

	require.NotNil(t, final)
	assert.Equal(t, "Hello world", final.Text)
	assert.Equal(t, "Hello world", joinTokens(tokens))
}

func joinTokens(tokens []string) string {
	out := ""
	for _, tok := range tokens {
		out += tok
	}
	return out
}

func TestStreamEndsWithErrorEvent(t *testing.T) {
	f := newFixture(t, "unused", nil)
	f.model.failures = 2 // first attempt and the minimal-parameter retry

	var terminal []Event
	for ev := range f.engine.Stream(context.Background(), Query{Text: "What does the report say?"}) {
		if ev.Kind == EventError || ev.Kind == EventFinal {
			terminal = append(terminal, ev)
		}
	}

	require.Len(t, terminal, 1)
	assert.Equal(t, EventError, terminal[0].Kind)
	assert.ErrorIs(t, terminal[0].Err, ErrGenerationFailed)
}

func TestGenerationRetriesWithMinimalParams(t *testing.T) {
	f := newFixture(t, "recovered", nil)
	f.createCorpus(t, "docs", "content")
	f.model.failures = 1

	answer, err := f.engine.Answer(context.Background(), Query{
		Text:     "What does the report say?",
		CorpusID: "docs",
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", answer.Text)

	require.Len(t, *f.calls, 2)
	assert.Equal(t, 1024, (*f.calls)[1].params.NumCtx)
}

func TestSourceDeduplication(t *testing.T) {
	f := newFixture(t, "answer", nil)

	// Five chunks, two sharing a source id.
	chunks := []corpus.Chunk{
		{Content: "first chunk from shared source", Metadata: map[string]string{corpus.MetaSourceID: "shared", corpus.MetaSourceLabel: "a.pdf"}},
		{Content: "alpha content", Metadata: map[string]string{corpus.MetaSourceID: "s1", corpus.MetaSourceLabel: "b.pdf"}},
		{Content: "second chunk from shared source", Metadata: map[string]string{corpus.MetaSourceID: "shared", corpus.MetaSourceLabel: "a.pdf"}},
		{Content: "beta content", Metadata: map[string]string{corpus.MetaSourceID: "s2", corpus.MetaSourceLabel: "c.pdf"}},
		{Content: "gamma content", Metadata: map[string]string{corpus.MetaSourceID: "s3", corpus.MetaSourceLabel: "d.pdf"}},
	}
	_, err := f.store.Create(context.Background(), "dedup", chunks, corpus.CreateInfo{})
	require.NoError(t, err)

	answer, err := f.engine.Answer(context.Background(), Query{
		Text:       "What does the report say?",
		CorpusID:   "dedup",
		MaxResults: 5,
	})
	require.NoError(t, err)

	require.Len(t, answer.Sources, 4)
	seen := map[string]int{}
	for _, s := range answer.Sources {
		seen[s.Key]++
	}
	for key, count := range seen {
		assert.Equal(t, 1, count, "source %s appears once", key)
	}
}

func TestEmptyQuestionRejected(t *testing.T) {
	f := newFixture(t, "unused", nil)
	_, err := f.engine.Answer(context.Background(), Query{Text: "   "})
	assert.Error(t, err)
}

func TestComputationWithNoCorpus(t *testing.T) {
	f := newFixture(t, "15% of 200 is 30.", nil)

	answer, err := f.engine.Answer(context.Background(), Query{
		Text: "Calculate 15% of 200",
	})
	require.NoError(t, err)

	assert.Equal(t, intent.Computation, answer.Intent)
	assert.Empty(t, answer.Sources)
	assert.InDelta(t, 0.3, f.model.callOpts[0].Temperature, 1e-9)
	assert.Contains(t, f.model.prompts[0], "(no context available)")
}

func TestModelFactoryErrorSurfaces(t *testing.T) {
	f := newFixture(t, "unused", nil)
	f.createCorpus(t, "docs", "content")

	eng := New(f.engine.config, f.engine.selector, f.store, zap.NewNop(), WithModelFactory(
		func(string, config.ModelParams) (llms.Model, error) {
			return nil, errors.New("no such model")
		},
	))

	_, err := eng.Answer(context.Background(), Query{Text: "What does the report say?", CorpusID: "docs"})
	assert.ErrorIs(t, err, ErrGenerationFailed)
}
