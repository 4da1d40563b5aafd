// Package embedding provides embedding generation for chunks and queries.
package embedding

import (
	"context"
	"strings"
)

// Embedder defines the interface for embedding generation.
type Embedder interface {
	// Embed generates embeddings for the given texts. Blank texts produce a
	// nil vector at their position rather than an error; callers count and
	// skip them.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedContextual embeds each text together with its neighbor context.
	EmbedContextual(ctx context.Context, items []ContextualText) ([][]float32, error)
	Model() string
	Dimension() int
}

// ContextualText carries a chunk text with its surrounding neighbors.
type ContextualText struct {
	Text   string
	Before string
	After  string
}

// DefaultContextChars is the character budget for contextual composition.
const DefaultContextChars = 6000

// ComposeContextual joins a text with its neighbors as
// before + "\n\n" + text + "\n\n" + after, trimming the neighbors
// proportionally so the result stays within budget characters. The text
// itself is never cut; the before neighbor keeps its tail and the after
// neighbor keeps its head, so the context closest to the chunk survives.
func ComposeContextual(item ContextualText, budget int) string {
	text := strings.TrimSpace(item.Text)
	before := strings.TrimSpace(item.Before)
	after := strings.TrimSpace(item.After)

	if before == "" && after == "" {
		return text
	}
	if budget <= 0 {
		budget = DefaultContextChars
	}

	const sep = "\n\n"
	remaining := budget - len(text)
	if before != "" {
		remaining -= len(sep)
	}
	if after != "" {
		remaining -= len(sep)
	}

	if remaining <= 0 {
		return text
	}

	total := len(before) + len(after)
	if total > remaining {
		beforeAllowed := remaining * len(before) / total
		afterAllowed := remaining - beforeAllowed
		if len(before) > beforeAllowed {
			before = before[len(before)-beforeAllowed:]
		}
		if len(after) > afterAllowed {
			after = after[:afterAllowed]
		}
	}

	var sb strings.Builder
	if before != "" {
		sb.WriteString(before)
		sb.WriteString(sep)
	}
	sb.WriteString(text)
	if after != "" {
		sb.WriteString(sep)
		sb.WriteString(after)
	}
	return sb.String()
}

func composeAll(items []ContextualText, budget int) []string {
	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = ComposeContextual(item, budget)
	}
	return texts
}
