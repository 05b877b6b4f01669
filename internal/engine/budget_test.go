package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hollowaylabs/docqd/internal/corpus"
)

func chunkOfSize(chars int) corpus.Chunk {
	return corpus.Chunk{Content: strings.Repeat("a", chars)}
}

func TestBudgetChunksKeepsAllWhenSmall(t *testing.T) {
	chunks := []corpus.Chunk{chunkOfSize(100), chunkOfSize(100), chunkOfSize(100)}
	got := budgetChunks(chunks, "short question", 32768)
	assert.Len(t, got, 3)
}

func TestBudgetChunksTrimsOverflow(t *testing.T) {
	// Limit 2048 -> usable 1536 tokens, minus overhead and question.
	// Each chunk costs 1000 tokens, so only one fits.
	chunks := []corpus.Chunk{chunkOfSize(4000), chunkOfSize(4000), chunkOfSize(4000)}
	got := budgetChunks(chunks, "q", 2048)
	assert.Len(t, got, 1)
}

func TestBudgetChunksKeepsRankOrder(t *testing.T) {
	chunks := []corpus.Chunk{
		{Content: "top ranked " + strings.Repeat("a", 3000)},
		{Content: "second " + strings.Repeat("b", 3000)},
		{Content: "third " + strings.Repeat("c", 3000)},
	}
	got := budgetChunks(chunks, "q", 8192)
	assert.NotEmpty(t, got)
	assert.True(t, strings.HasPrefix(got[0].Content, "top ranked"))
}

func TestBudgetChunksAlwaysKeepsOne(t *testing.T) {
	// A single oversized chunk still goes through.
	chunks := []corpus.Chunk{chunkOfSize(100000)}
	got := budgetChunks(chunks, "q", 2048)
	assert.Len(t, got, 1)
}

func TestBudgetChunksEmptyInput(t *testing.T) {
	assert.Empty(t, budgetChunks(nil, "q", 2048))
}
