// Package engine orchestrates answer generation: classify the question,
// pick a retrieval strategy, build the prompt, stream the model's answer,
// and attach deduplicated source provenance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hollowaylabs/docqd/internal/config"
	"github.com/hollowaylabs/docqd/internal/corpus"
	"github.com/hollowaylabs/docqd/internal/intent"
	"github.com/hollowaylabs/docqd/internal/prompt"
	"github.com/hollowaylabs/docqd/internal/retrieval"
)

var tracer = otel.Tracer("docqd.engine")

// casualConfidenceFloor gates the retrieval-free greeting path. Below it,
// even a casual classification goes through normal retrieval.
const casualConfidenceFloor = 0.7

// ModelFactory builds a generative backend for one request.
type ModelFactory func(model string, params config.ModelParams) (llms.Model, error)

// Engine answers queries.
type Engine struct {
	config     config.LLMConfig
	selector   *retrieval.Selector
	store      *corpus.Store
	webEnabled bool
	logger     *zap.Logger
	newModel   ModelFactory
}

// Option configures an Engine.
type Option func(*Engine)

// WithModelFactory replaces the default Ollama-backed model factory.
func WithModelFactory(f ModelFactory) Option {
	return func(e *Engine) { e.newModel = f }
}

// WithWebSearch toggles web-augmented retrieval.
func WithWebSearch(enabled bool) Option {
	return func(e *Engine) { e.webEnabled = enabled }
}

// New creates an answer engine.
func New(cfg config.LLMConfig, selector *retrieval.Selector, store *corpus.Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		config:   cfg,
		selector: selector,
		store:    store,
		logger:   logger,
	}
	e.newModel = func(model string, params config.ModelParams) (llms.Model, error) {
		return ollama.New(
			ollama.WithModel(model),
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithRunnerNumCtx(params.NumCtx),
			ollama.WithRunnerNumThread(params.NumThread),
		)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stream answers the query as an event stream: zero or more token events
// followed by exactly one terminal event, EventFinal on success or
// EventError on failure. The channel is closed after the terminal event.
func (e *Engine) Stream(ctx context.Context, q Query) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		answer, err := e.answer(ctx, q, func(token string) {
			events <- Event{Kind: EventToken, Token: token}
		})
		if err != nil {
			events <- Event{Kind: EventError, Err: err}
			return
		}
		events <- Event{Kind: EventFinal, Answer: answer}
	}()
	return events
}

// Answer runs the full pipeline without exposing the token stream.
func (e *Engine) Answer(ctx context.Context, q Query) (*Answer, error) {
	return e.answer(ctx, q, nil)
}

func (e *Engine) answer(ctx context.Context, q Query, emit func(token string)) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "engine.answer")
	defer span.End()

	start := time.Now()
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("question must not be empty")
	}

	cls := intent.Classify(q.Text)
	span.SetAttributes(
		attribute.String("intent", string(cls.Intent)),
		attribute.Float64("confidence", cls.Confidence),
	)
	e.logger.Info("classified query",
		zap.String("intent", string(cls.Intent)),
		zap.Float64("confidence", cls.Confidence),
	)

	model := q.ModelName
	if model == "" {
		model = e.config.DefaultModel
	}
	params, err := e.lookupParams(model)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var promptText string
	var chunks []corpus.Chunk

	// Greetings never touch document content.
	if cls.Intent == intent.CasualChat && cls.Confidence > casualConfidenceFloor {
		promptText = prompt.CasualReply(q.Text)
	} else {
		useWeb := e.webEnabled && (q.UseWeb || cls.Intent == intent.WebSearch)
		retriever, err := e.selector.Select(ctx, q.CorpusID, useWeb, q.MaxResults)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		chunks, err = retriever.Retrieve(ctx, q.Text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		chunks = budgetChunks(chunks, q.Text, contextLimit(model))
		promptText = prompt.Build(cls, chunks, q.Text, e.sourceDocs(q.CorpusID))
	}

	temperature := effectiveTemperature(cls.Intent, q.Temperature, e.config.Temperature)
	span.SetAttributes(
		attribute.String("model", model),
		attribute.Float64("temperature", temperature),
		attribute.Int("context_chunks", len(chunks)),
	)

	text, err := e.generate(ctx, model, params, temperature, promptText, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	answer := &Answer{
		Text:              text,
		Sources:           formatSources(chunks),
		ProcessingSeconds: time.Since(start).Seconds(),
		ModelUsed:         model,
		Intent:            cls.Intent,
		IntentConfidence:  cls.Confidence,
	}
	span.SetStatus(codes.Ok, "success")
	return answer, nil
}

// generate calls the model, retrying once with a minimal parameter set on
// failure before surfacing ErrGenerationFailed.
func (e *Engine) generate(ctx context.Context, model string, params config.ModelParams, temperature float64, promptText string, emit func(string)) (string, error) {
	if timeout := time.Duration(e.config.Timeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	opts := []llms.CallOption{
		llms.WithTemperature(temperature),
		llms.WithTopP(e.config.TopP),
	}
	if params.RepeatPenalty > 0 {
		opts = append(opts, llms.WithRepetitionPenalty(params.RepeatPenalty))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	if emit != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			emit(string(chunk))
			return nil
		}))
	}

	text, err := e.callModel(ctx, model, params, promptText, opts)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, ctx.Err())
	}

	e.logger.Warn("generation failed, retrying with minimal parameters",
		zap.String("model", model), zap.Error(err))

	minimal := []llms.CallOption{llms.WithTemperature(temperature)}
	if emit != nil {
		minimal = append(minimal, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			emit(string(chunk))
			return nil
		}))
	}
	text, retryErr := e.callModel(ctx, model, minimalParams(), promptText, minimal)
	if retryErr != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, retryErr)
	}
	return text, nil
}

func (e *Engine) callModel(ctx context.Context, model string, params config.ModelParams, promptText string, opts []llms.CallOption) (string, error) {
	llm, err := e.newModel(model, params)
	if err != nil {
		return "", err
	}
	return llms.GenerateFromSinglePrompt(ctx, llm, promptText, opts...)
}

// sourceDocs builds the prompt's document listing from the corpus
// metadata. A missing corpus just yields no listing.
func (e *Engine) sourceDocs(corpusID string) []prompt.SourceDoc {
	if corpusID == "" || e.store == nil {
		return nil
	}
	meta, err := e.store.Metadata(corpusID)
	if err != nil {
		return nil
	}

	docs := make([]prompt.SourceDoc, 0, len(meta.SourceFiles))
	for _, name := range meta.SourceFiles {
		docs = append(docs, prompt.SourceDoc{
			Filename: name,
			FileType: strings.TrimPrefix(filepath.Ext(name), "."),
			Pages:    meta.PageCount,
		})
	}
	return docs
}

// IsNotFound reports whether the error is a missing-corpus error, for
// transport layers mapping it to a 404.
func IsNotFound(err error) bool {
	return errors.Is(err, corpus.ErrCorpusNotFound)
}
