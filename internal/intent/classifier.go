// Package intent classifies questions into routing intents using an ordered
// rule cascade. The rule order is load-bearing: specific high-precision cues
// (web, computation) are checked before generic ones (bare question words),
// so "what is the sum of line items" routes to computation rather than the
// interrogative fallback.
package intent

import (
	"strings"
	"unicode"
)

// Intent is the classified purpose of a question.
type Intent string

const (
	DocumentQuestion Intent = "DOCUMENT_QUESTION"
	AnalysisRequest  Intent = "ANALYSIS_REQUEST"
	DataExtraction   Intent = "DATA_EXTRACTION"
	Computation      Intent = "COMPUTATION"
	CasualChat       Intent = "CASUAL_CHAT"
	WebSearch        Intent = "WEB_SEARCH"
)

// Classification pairs an intent with the confidence of the rule that
// produced it.
type Classification struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

var casualPhrases = []string{
	"hello", "hi", "hey", "how are you", "what's up", "good morning",
	"good afternoon", "good evening", "thanks", "thank you", "bye",
	"goodbye", "how's it going", "how's your day", "nice to meet",
}

var webKeywords = []string{
	"weather", "news", "current", "today", "latest", "stock", "price",
	"real-time", "live", "update", "happening now", "right now",
}

var computationKeywords = []string{
	"calculate", "compute", "sum", "total", "average", "multiply",
	"divide", "subtract", "add up", "how many", "how much",
	"percentage", "percent of",
}

var analysisKeywords = []string{
	"compare", "summarize", "summarise", "analyze", "analyse",
	"difference between", "evaluate", "assess", "overview", "trend",
}

var extractionKeywords = []string{
	"extract", "list all", "find all", "show all", "enumerate",
	"give me all", "pull out",
}

var strongDocumentNouns = []string{
	"invoice", "report", "contract", "document", "spreadsheet",
	"agreement", "statement", "receipt", "policy",
}

var weakDocumentPatterns = []string{
	"page", "section", "paragraph", "file", "pdf", "csv", "quote",
	"according to", "in the", "what does", "show me", "mentioned",
}

var interrogatives = map[string]bool{
	"what": true, "where": true, "when": true, "how": true,
	"who": true, "which": true, "why": true,
}

// Classify maps a question to an intent and confidence. It is a pure
// function of its input.
func Classify(question string) Classification {
	text := strings.ToLower(strings.TrimSpace(question))
	words := strings.Fields(text)

	if len(words) < 10 && matchesAny(text, casualPhrases) {
		return Classification{CasualChat, 0.9}
	}
	if matchesAny(text, webKeywords) {
		return Classification{WebSearch, 0.9}
	}
	if matchesAny(text, computationKeywords) {
		return Classification{Computation, 0.8}
	}
	if matchesAny(text, analysisKeywords) {
		return Classification{AnalysisRequest, 0.8}
	}
	if matchesAny(text, extractionKeywords) {
		return Classification{DataExtraction, 0.8}
	}
	if matchesAny(text, strongDocumentNouns) {
		return Classification{DocumentQuestion, 0.8}
	}
	if matchesAny(text, weakDocumentPatterns) {
		return Classification{DocumentQuestion, 0.7}
	}
	if len(words) > 0 && interrogatives[strings.TrimRight(words[0], "?!.,")] {
		return Classification{DocumentQuestion, 0.6}
	}
	return Classification{DocumentQuestion, 0.5}
}

func matchesAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if containsKeyword(text, kw) {
			return true
		}
	}
	return false
}

// containsKeyword reports whether kw occurs in text. Short single tokens
// (4 chars or fewer) must sit on word boundaries so "sum" does not fire
// inside "summarize" or "hi" inside "this".
func containsKeyword(text, kw string) bool {
	if len(kw) > 4 || strings.ContainsRune(kw, ' ') {
		return strings.Contains(text, kw)
	}

	for offset := 0; ; {
		i := strings.Index(text[offset:], kw)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(kw)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		offset = start + 1
	}
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r := rune(text[i-1])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r := rune(text[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
