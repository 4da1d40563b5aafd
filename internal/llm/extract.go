package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON indicates a model response contained no parseable JSON object.
var ErrNoJSON = errors.New("no JSON object in model response")

var (
	fencedJSONRe    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	objectLazyRe    = regexp.MustCompile(`(?s)\{.*?\}`)
	objectGreedyRe  = regexp.MustCompile(`(?s)\{.*\}`)
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON decodes the first JSON object found in a model response into v.
// Models wrap JSON in code fences, prose or both, and sometimes emit trailing
// commas; candidates are tried from most to least precise.
func ExtractJSON(text string, v any) error {
	for _, candidate := range jsonCandidates(text) {
		if candidate == "" {
			continue
		}
		if json.Unmarshal([]byte(candidate), v) == nil {
			return nil
		}
		cleaned := trailingCommaRe.ReplaceAllString(candidate, "$1")
		if cleaned != candidate && json.Unmarshal([]byte(cleaned), v) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNoJSON, snippet(text, 120))
}

// ExtractJSONMap decodes the first JSON object in text into a generic map.
func ExtractJSONMap(text string) (map[string]any, error) {
	var m map[string]any
	if err := ExtractJSON(text, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// jsonCandidates returns candidate JSON slices in strategy order: code
// fence, outermost brace slice, non-greedy object match, greedy object
// match, full text with any conversational prefix stripped.
func jsonCandidates(text string) []string {
	candidates := make([]string, 0, 5)

	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}
	if m := objectLazyRe.FindString(text); m != "" {
		candidates = append(candidates, m)
	}
	if m := objectGreedyRe.FindString(text); m != "" {
		candidates = append(candidates, m)
	}
	candidates = append(candidates, stripConversationalPrefix(text))

	return candidates
}

// stripConversationalPrefix drops leading lines up to the first line that
// opens a JSON value ("Sure, here is the JSON you asked for:" and the like).
func stripConversationalPrefix(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			return strings.TrimSpace(strings.Join(lines[i:], "\n"))
		}
	}
	return strings.TrimSpace(text)
}

func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
