package engine

import (
	"errors"

	"github.com/hollowaylabs/docqd/internal/intent"
)

var (
	// ErrUnsupportedModel means the requested model is on the unsupported
	// list and is never attempted.
	ErrUnsupportedModel = errors.New("model is not supported")

	// ErrGenerationFailed wraps failures from the generative backend after
	// the minimal-parameter retry was exhausted.
	ErrGenerationFailed = errors.New("generation failed")
)

// Query is one user question.
type Query struct {
	Text       string `json:"question"`
	CorpusID   string `json:"document_id,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
	ModelName  string `json:"model_name,omitempty"`

	// Temperature overrides the configured default when set.
	Temperature *float64 `json:"temperature,omitempty"`

	UseWeb bool `json:"use_web_search,omitempty"`
}

// SourceRef is one deduplicated provenance entry backing an answer.
type SourceRef struct {
	// Key is the stable dedup key: URL for web sources, source id for
	// document sources.
	Key     string `json:"key"`
	Label   string `json:"label"`
	Origin  string `json:"origin"`
	Preview string `json:"preview"`
	Page    string `json:"page,omitempty"`
}

// Answer is the final result of one query.
type Answer struct {
	Text              string        `json:"answer"`
	Sources           []SourceRef   `json:"sources"`
	ProcessingSeconds float64       `json:"processing_time"`
	ModelUsed         string        `json:"model_used"`
	Intent            intent.Intent `json:"query_intent"`
	IntentConfidence  float64       `json:"intent_confidence"`
}

// EventKind discriminates stream events.
type EventKind string

const (
	// EventToken carries one incremental text fragment.
	EventToken EventKind = "token"

	// EventFinal is the terminal success event carrying the full Answer.
	EventFinal EventKind = "final"

	// EventError is the terminal failure event. Every stream ends with
	// exactly one EventFinal or EventError.
	EventError EventKind = "error"
)

// Event is one element of an answer stream.
type Event struct {
	Kind   EventKind
	Token  string
	Answer *Answer
	Err    error
}
