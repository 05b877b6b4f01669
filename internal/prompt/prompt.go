// Package prompt assembles the final LLM prompt from retrieved context,
// the question, and the classified intent. Each intent gets its own
// instruction block; low-confidence questions get a generic template that
// permits general-knowledge answers.
package prompt

import (
	"fmt"
	"strings"

	"github.com/hollowaylabs/docqd/internal/corpus"
	"github.com/hollowaylabs/docqd/internal/intent"
)

// lowConfidenceThreshold routes uncertain classifications to the generic
// template.
const lowConfidenceThreshold = 0.6

// SourceDoc describes one known source document for the prompt's corpus
// listing.
type SourceDoc struct {
	Filename string
	FileType string
	Pages    int
}

// Build renders the prompt for one question.
func Build(cls intent.Classification, chunks []corpus.Chunk, question string, docs []SourceDoc) string {
	listing := documentListing(docs)
	context := contextBlock(chunks)

	switch {
	case cls.Intent == intent.Computation:
		return computationPrompt(listing, context, question)
	case cls.Intent == intent.AnalysisRequest:
		return analysisPrompt(listing, context, question)
	case cls.Intent == intent.DataExtraction:
		return extractionPrompt(listing, context, question)
	case cls.Confidence < lowConfidenceThreshold:
		return lowConfidencePrompt(listing, context, question)
	default:
		return documentPrompt(listing, context, question)
	}
}

func documentListing(docs []SourceDoc) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\nAvailable documents:\n")
	for _, d := range docs {
		fileType := strings.ToUpper(d.FileType)
		if fileType == "" {
			fileType = "UNKNOWN"
		}
		plural := "s"
		if d.Pages == 1 {
			plural = ""
		}
		fmt.Fprintf(&sb, "- %s (%s, %d page%s)\n", d.Filename, fileType, d.Pages, plural)
	}
	return sb.String()
}

func contextBlock(chunks []corpus.Chunk) string {
	if len(chunks) == 0 {
		return "(no context available)"
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	return strings.Join(parts, "\n\n")
}

func documentPrompt(listing, context, question string) string {
	return fmt.Sprintf(`You are a helpful AI assistant analyzing documents.%s

Context from documents:
%s

Question: %s

Instructions:
- First check if the provided context is relevant to the question
- If relevant, answer based on the context and cite specific information
- If not relevant or if you can't find the information, say so clearly rather than inventing an answer
- For specific values (numbers, dates, names), only report what's explicitly in the context

Answer:`, listing, context, question)
}

func lowConfidencePrompt(listing, context, question string) string {
	return fmt.Sprintf(`You are a helpful AI assistant.%s

Context (may or may not be relevant):
%s

Question: %s

Instructions:
- If the context contains relevant information, use it to answer the question
- If the context doesn't seem relevant to the question, provide a helpful response based on general knowledge
- Be clear about whether your answer comes from the provided documents or general knowledge

Answer:`, listing, context, question)
}

func analysisPrompt(listing, context, question string) string {
	return fmt.Sprintf(`You are a helpful AI assistant performing document analysis.%s

Context from documents:
%s

Question: %s

Instructions:
- Base your analysis strictly on the provided context
- Organize the answer around the comparison or summary the question asks for
- Point out gaps where the context does not cover part of the question
- Quote or reference specific passages to support each conclusion

Answer:`, listing, context, question)
}

func extractionPrompt(listing, context, question string) string {
	return fmt.Sprintf(`You are a helpful AI assistant extracting data from documents.%s

Context from documents:
%s

Question: %s

Instructions:
- Enumerate every matching item found in the context, exhaustively
- Present the results as a list, one item per line
- Do not add items that are not explicitly present in the context
- If nothing matches, state that no matching items were found

Answer:`, listing, context, question)
}

func computationPrompt(listing, context, question string) string {
	return fmt.Sprintf(`You are a helpful AI assistant performing calculations over document data.%s

Context from documents:
%s

Question: %s

Instructions:
- Use only numbers that appear explicitly in the context
- Show every arithmetic step before stating the final result
- State the final result on its own line
- If a required value is missing from the context, say which one instead of guessing

Answer:`, listing, context, question)
}

// CasualReply is the prompt used for greetings, which bypass retrieval
// entirely.
func CasualReply(message string) string {
	return fmt.Sprintf(`You are a helpful and friendly AI assistant. Respond naturally to the user's message.

User: %s

Response:`, message)
}
