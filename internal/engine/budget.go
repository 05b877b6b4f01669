package engine

import "github.com/hollowaylabs/docqd/internal/corpus"

// Token estimation is deliberately rough: about four characters per token,
// with a fixed allowance for the template scaffolding. A quarter of the
// model window stays reserved for the response.
const (
	charsPerToken           = 4
	promptOverheadTokens    = 300
	usableWindowNumerator   = 3
	usableWindowDenominator = 4
)

func estimateTokens(text string) int {
	return len(text) / charsPerToken
}

// budgetChunks keeps the highest-ranked chunks that fit the model's usable
// context window alongside the question and template. At least one chunk
// survives when any were retrieved, even if it alone overflows the budget.
func budgetChunks(chunks []corpus.Chunk, question string, modelLimit int) []corpus.Chunk {
	if len(chunks) == 0 {
		return chunks
	}

	usable := modelLimit * usableWindowNumerator / usableWindowDenominator
	available := usable - estimateTokens(question) - promptOverheadTokens

	kept := 0
	spent := 0
	for _, chunk := range chunks {
		cost := estimateTokens(chunk.Content)
		if kept > 0 && spent+cost > available {
			break
		}
		spent += cost
		kept++
	}
	return chunks[:kept]
}
