package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/noetic-labs/knowledge-core/internal/scrape"
)

// Observation and answer budgets, in bytes of prompt text.
const (
	maxObservationChars     = 4000
	maxExtractionChars      = 8000
	maxObservedLinks        = 40
	maxFallbackContentChars = 2000
)

const decisionSystemPrompt = `You are a web research agent deciding the next step of a browsing session.
Actions:
- "extract": this page answers part of the goal; extract its knowledge.
- "navigate": this page is a hub; follow the most promising links toward the goal.
- "extract_and_navigate": extract this page and keep following links.
- "done": the goal is satisfied; extract this final page and stop.
Respond with only a JSON object: {"action": "extract"|"navigate"|"extract_and_navigate"|"done", "target_urls": [up to 5 URLs taken from the page's links], "confidence": 0.0-1.0, "reasoning": "short justification"}.
target_urls is required for navigate and extract_and_navigate and ignored otherwise.`

const extractionSystemPrompt = `You extract structured knowledge from a web page for a research goal.
Respond with only a JSON object: {"title": "page or article title", "main_content": "the goal-relevant content, cleaned, in the page's language", "entities": ["named people, organizations, products, places"], "insights": ["short factual statements relevant to the goal"], "metadata": {"other structured facts like dates, authors, versions": "..."}}.
Leave fields empty rather than inventing content.`

func (a *Agent) decisionPrompt(state *scrape.Result, intent string, depth, visited int) string {
	var sb strings.Builder
	sb.WriteString("Goal: ")
	sb.WriteString(intent)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Current page: %s (depth %d, page %d of %d)\n", state.URL, depth, visited, a.cfg.MaxPages)
	if state.Title != "" {
		sb.WriteString("Title: ")
		sb.WriteString(state.Title)
		sb.WriteString("\n")
	}
	sb.WriteString("\nPage text:\n")
	sb.WriteString(truncate(state.Text, maxObservationChars))
	sb.WriteString("\n")
	if len(state.Links) > 0 {
		sb.WriteString("\nLinks on this page:\n")
		for i, link := range state.Links {
			if i == maxObservedLinks {
				fmt.Fprintf(&sb, "… and %d more\n", len(state.Links)-maxObservedLinks)
				break
			}
			fmt.Fprintf(&sb, "%d. %s\n", i+1, link)
		}
	}
	return sb.String()
}

func extractionPrompt(state *scrape.Result, intent string) string {
	var sb strings.Builder
	sb.WriteString("Goal: ")
	sb.WriteString(intent)
	sb.WriteString("\n\nPage: ")
	sb.WriteString(state.URL)
	sb.WriteString("\n")
	if state.Title != "" {
		sb.WriteString("Title: ")
		sb.WriteString(state.Title)
		sb.WriteString("\n")
	}
	sb.WriteString("\nPage text:\n")
	sb.WriteString(truncate(state.Text, maxExtractionChars))
	sb.WriteString("\n")
	return sb.String()
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + " …"
}
