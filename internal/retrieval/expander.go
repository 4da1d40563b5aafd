package retrieval

import (
	"strings"
	"unicode"
)

// ExpansionStrategy controls how aggressively a query is expanded.
type ExpansionStrategy string

const (
	StrategyConservative ExpansionStrategy = "conservative"
	StrategyBalanced     ExpansionStrategy = "balanced"
	StrategyAggressive   ExpansionStrategy = "aggressive"
)

// ExpandedQuery is the output of query expansion. The dense stage keeps
// using Original (embeddings already capture semantics); the sparse
// stage searches with SparseQuery(), which appends the expansion terms.
type ExpandedQuery struct {
	Original            string   `json:"original"`
	ExpandedTerms       []string `json:"expanded_terms"`
	Entities            []string `json:"entities"`
	ReformulatedQueries []string `json:"reformulated_queries"`
	Strategy            string   `json:"strategy"`
}

// SparseQuery concatenates the original query with its expansion terms
// for lexical retrieval.
func (e *ExpandedQuery) SparseQuery() string {
	if len(e.ExpandedTerms) == 0 {
		return e.Original
	}
	return e.Original + " " + strings.Join(e.ExpandedTerms, " ")
}

// synonymTable maps common query vocabulary onto corpus vocabulary.
// Deterministic by construction; the table is fixed at compile time.
var synonymTable = map[string][]string{
	"build":    {"create", "construct", "make"},
	"create":   {"build", "generate", "make"},
	"delete":   {"remove", "erase", "drop"},
	"error":    {"failure", "fault", "issue"},
	"fast":     {"quick", "rapid", "speedy"},
	"find":     {"locate", "search", "lookup"},
	"fix":      {"repair", "resolve", "correct"},
	"guide":    {"tutorial", "howto", "manual"},
	"image":    {"picture", "photo", "figure"},
	"install":  {"setup", "deploy", "configure"},
	"large":    {"big", "huge", "sizable"},
	"method":   {"approach", "technique", "procedure"},
	"overview": {"summary", "introduction", "outline"},
	"price":    {"cost", "pricing", "fee"},
	"problem":  {"issue", "defect", "bug"},
	"quick":    {"fast", "rapid", "brief"},
	"result":   {"outcome", "output", "finding"},
	"show":     {"display", "present", "render"},
	"small":    {"tiny", "compact", "minor"},
	"stop":     {"halt", "terminate", "cancel"},
	"use":      {"usage", "apply", "utilize"},
}

// stopwords never receive expansion terms; their variants only add
// noise to a lexical search.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "at": true,
	"by": true, "do": true, "does": true, "for": true, "how": true,
	"in": true, "is": true, "it": true, "of": true, "on": true,
	"or": true, "the": true, "to": true, "what": true, "when": true,
	"where": true, "why": true, "with": true,
}

// expansionsPerTerm returns the synonym budget for a strategy.
func expansionsPerTerm(strategy ExpansionStrategy) int {
	switch strategy {
	case StrategyConservative:
		return 1
	case StrategyAggressive:
		return 3
	default:
		return 2
	}
}

// QueryExpander produces deterministic expansions from a fixed synonym
// table plus simple morphological variants. No model call is involved,
// so the same input always yields the same output.
type QueryExpander struct {
	synonyms map[string][]string
}

// NewQueryExpander builds an expander over the built-in synonym table.
// extra entries are merged in, which lets deployments carry a domain
// dictionary.
func NewQueryExpander(extra map[string][]string) *QueryExpander {
	syn := make(map[string][]string, len(synonymTable)+len(extra))
	for k, v := range synonymTable {
		syn[k] = v
	}
	for k, v := range extra {
		syn[k] = append(syn[k], v...)
	}
	return &QueryExpander{synonyms: syn}
}

// Expand produces the expansion for a query under the given strategy.
func (e *QueryExpander) Expand(query string, strategy ExpansionStrategy) *ExpandedQuery {
	out := &ExpandedQuery{
		Original: query,
		Strategy: string(strategy),
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return out
	}

	budget := expansionsPerTerm(strategy)
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		seen[t] = true
	}

	for _, t := range terms {
		if stopwords[t] {
			continue
		}
		added := 0
		for _, syn := range e.synonyms[t] {
			lower := strings.ToLower(syn)
			if seen[lower] || added >= budget {
				continue
			}
			out.ExpandedTerms = append(out.ExpandedTerms, lower)
			seen[lower] = true
			added++
		}
		// Singular/plural variants close most of the remaining lexical gap.
		if strategy != StrategyConservative {
			if v := pluralVariant(t); v != "" && !seen[v] {
				out.ExpandedTerms = append(out.ExpandedTerms, v)
				seen[v] = true
			}
		}
	}

	out.Entities = extractEntities(query)
	out.ReformulatedQueries = reformulate(query, strategy)
	return out
}

// extractEntities pulls capitalized token runs and all-caps acronyms out
// of the raw query. "what does the AWS Lambda runtime do" yields
// ["AWS Lambda"].
func extractEntities(query string) []string {
	var entities []string
	var run []string

	flush := func() {
		if len(run) > 0 {
			entities = append(entities, strings.Join(run, " "))
			run = nil
		}
	}

	for i, word := range strings.Fields(query) {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed == "" {
			flush()
			continue
		}
		first := []rune(trimmed)[0]
		// A capitalized first word is usually sentence case, not a name.
		if unicode.IsUpper(first) && (i > 0 || isAcronym(trimmed)) {
			run = append(run, trimmed)
			continue
		}
		flush()
	}
	flush()
	return entities
}

func isAcronym(word string) bool {
	if len(word) < 2 {
		return false
	}
	for _, r := range word {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// reformulate emits deterministic rephrasings a lexical search can
// benefit from. More aggressive strategies add more templates.
func reformulate(query string, strategy ExpansionStrategy) []string {
	trimmed := strings.TrimRight(strings.TrimSpace(query), "?!.")
	if trimmed == "" {
		return nil
	}

	variants := []string{trimmed + " explained"}
	if strategy == StrategyBalanced || strategy == StrategyAggressive {
		variants = append(variants, "what is "+strings.ToLower(trimmed))
	}
	if strategy == StrategyAggressive {
		variants = append(variants, strings.ToLower(trimmed)+" overview", "how does "+strings.ToLower(trimmed)+" work")
	}
	return variants
}

// pluralVariant returns the opposite number of a token: dogs→dog,
// query→queries. Tokens where the heuristic is unsafe return "".
func pluralVariant(token string) string {
	switch {
	case strings.HasSuffix(token, "ies") && len(token) > 4:
		return token[:len(token)-3] + "y"
	case strings.HasSuffix(token, "ss"), strings.HasSuffix(token, "us"), strings.HasSuffix(token, "is"):
		return ""
	case strings.HasSuffix(token, "es") && len(token) > 3:
		return token[:len(token)-2]
	case strings.HasSuffix(token, "s") && len(token) > 3:
		return token[:len(token)-1]
	case strings.HasSuffix(token, "y") && len(token) > 2:
		return token[:len(token)-1] + "ies"
	case strings.HasSuffix(token, "x"), strings.HasSuffix(token, "z"),
		strings.HasSuffix(token, "ch"), strings.HasSuffix(token, "sh"):
		return token + "es"
	case len(token) > 2:
		return token + "s"
	}
	return ""
}
