package engine

import (
	"strings"
	"unicode/utf8"

	"github.com/hollowaylabs/docqd/internal/corpus"
)

const (
	maxSources   = 5
	previewChars = 200
)

// formatSources turns retrieved chunks into a deduplicated provenance
// list. Chunks sharing a source key collapse into one entry; first-seen
// order is preserved and the list is capped.
func formatSources(chunks []corpus.Chunk) []SourceRef {
	sources := make([]SourceRef, 0, maxSources)
	seen := make(map[string]bool)

	for _, chunk := range chunks {
		if len(sources) >= maxSources {
			break
		}
		key := chunk.SourceKey()
		if key == "" {
			key = chunk.Metadata[corpus.MetaSourceLabel]
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		label := chunk.Metadata[corpus.MetaSourceLabel]
		if label == "" {
			label = chunk.Metadata[corpus.MetaTitle]
		}
		if label == "" {
			label = key
		}

		sources = append(sources, SourceRef{
			Key:     key,
			Label:   label,
			Origin:  chunk.Origin(),
			Preview: preview(chunk.Content),
			Page:    chunk.Metadata[corpus.MetaPage],
		})
	}
	return sources
}

func preview(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= previewChars {
		return content
	}
	// Back off to a rune boundary so the cut never emits invalid UTF-8.
	cut := previewChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}
