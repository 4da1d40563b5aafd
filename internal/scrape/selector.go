package scrape

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/noetic-labs/knowledge-core/internal/llm"
	"github.com/noetic-labs/knowledge-core/internal/observability"
)

const (
	domainWeight      = 0.4
	keywordWeight     = 0.2
	maxKeywordMatches = 2
	unknownDomainBias = 0.1
	apiPathWeight     = 0.3
	queryParamWeight  = 0.2
	shortCircuitScore = 0.8
)

// Domains that render fine without JavaScript.
var staticDomains = []string{
	"wikipedia.org", "github.com", "stackoverflow.com", "medium.com",
	"arxiv.org", "news.ycombinator.com", "golang.org", "go.dev",
	"pkg.go.dev", "docs.python.org", "developer.mozilla.org", "w3.org",
	"gov.pl", "bbc.com", "reuters.com",
}

// Domains that need a real browser: SPA frontends, infinite feeds,
// login walls.
var dynamicDomains = []string{
	"twitter.com", "x.com", "facebook.com", "instagram.com",
	"linkedin.com", "youtube.com", "tiktok.com", "reddit.com",
	"discord.com", "airbnb.com", "booking.com", "allegro.pl",
}

// Prompt keywords, Polish and English both.
var (
	dynamicKeywords = []string{
		"all posts", "posts", "wszystkie posty", "posty", "scroll",
		"przewiń", "infinite", "click", "kliknij", "dynamic",
		"dynamiczn", "javascript", "interact", "login", "zaloguj",
		"load more", "załaduj", "timeline", "feed", "comments",
		"komentarze",
	}
	simpleKeywords = []string{
		"extract text", "wyodrębnij tekst", "article", "artykuł",
		"plain", "static", "statyczn", "title", "tytuł", "metadata",
		"metadane", "summary", "streszczenie",
	}
	qualityKeywords = []string{
		"high quality", "wysokiej jakości", "thorough", "dokładn",
		"complete", "kompletn", "clean", "markdown", "structured",
		"ustrukturyzowan",
	}
)

// Selection is the outcome of engine selection.
type Selection struct {
	Engine     EngineName             `json:"engine"`
	Confidence float64                `json:"confidence"`
	Reasoning  string                 `json:"reasoning"`
	Scores     map[EngineName]float64 `json:"scores"`
	UsedLLM    bool                   `json:"used_llm"`
}

// Selector picks a scraping engine for a set of URLs and a task
// prompt. Heuristics decide the clear cases; an optional LLM breaks
// ties on the ambiguous ones.
type Selector struct {
	completer llm.Completer
	logger    *observability.Logger
}

// NewSelector builds a selector. completer may be nil, which disables
// the LLM tie-breaker.
func NewSelector(completer llm.Completer, logger *observability.Logger) *Selector {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Selector{completer: completer, logger: logger.WithComponent("scrape.selector")}
}

// Select scores the engines and returns the winner. A decisive
// heuristic score short-circuits; otherwise the LLM tie-breaker runs
// when configured, falling back to the heuristic winner on any model
// or parse failure.
func (s *Selector) Select(ctx context.Context, urls []string, prompt string, managedAvailable bool) Selection {
	scores := heuristicScores(urls, prompt, managedAvailable)
	winner, best := winnerOf(scores)

	if best >= shortCircuitScore {
		s.logger.Debug().Str("engine", string(winner)).Float64("score", best).Msg("engine selected")
		return Selection{
			Engine:     winner,
			Confidence: clamp01(best),
			Reasoning:  "heuristic score is decisive",
			Scores:     scores,
		}
	}

	if s.completer != nil {
		sel, err := s.consultLLM(ctx, urls, prompt, scores, managedAvailable)
		if err == nil {
			return sel
		}
		s.logger.Warn().Err(err).Msg("engine tie-breaker failed, using heuristic winner")
	}

	return Selection{
		Engine:     winner,
		Confidence: clamp01(best),
		Reasoning:  "best heuristic score",
		Scores:     scores,
	}
}

func heuristicScores(urls []string, prompt string, managedAvailable bool) map[EngineName]float64 {
	scores := map[EngineName]float64{EngineHTTP: 0, EngineHeadless: 0, EngineManaged: 0}

	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		switch {
		case matchesDomain(host, staticDomains):
			scores[EngineHTTP] += domainWeight
		case matchesDomain(host, dynamicDomains):
			scores[EngineHeadless] += domainWeight
		default:
			scores[EngineHTTP] += unknownDomainBias
		}

		if isAPIPath(u) {
			scores[EngineHTTP] += apiPathWeight
		}
		if len(u.Query()) >= 3 {
			scores[EngineHeadless] += queryParamWeight
		}
	}

	p := strings.ToLower(prompt)
	scores[EngineHeadless] += keywordScore(p, dynamicKeywords)
	scores[EngineHTTP] += keywordScore(p, simpleKeywords)
	if managedAvailable {
		scores[EngineManaged] += keywordScore(p, qualityKeywords)
	}
	return scores
}

func matchesDomain(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func isAPIPath(u *url.URL) bool {
	if strings.HasPrefix(strings.ToLower(u.Hostname()), "api.") {
		return true
	}
	path := strings.ToLower(u.Path)
	if strings.Contains(path, "/api/") {
		return true
	}
	return strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".xml") || strings.HasSuffix(path, ".rss")
}

func keywordScore(prompt string, keywords []string) float64 {
	matches := 0
	for _, kw := range keywords {
		if strings.Contains(prompt, kw) {
			matches++
			if matches == maxKeywordMatches {
				break
			}
		}
	}
	return float64(matches) * keywordWeight
}

func winnerOf(scores map[EngineName]float64) (EngineName, float64) {
	winner, best := EngineHTTP, scores[EngineHTTP]
	for _, name := range []EngineName{EngineHeadless, EngineManaged} {
		if scores[name] > best {
			winner, best = name, scores[name]
		}
	}
	return winner, best
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

const selectorSystemPrompt = `You choose the best scraping engine for a crawling task.
Engines:
- "http": plain HTTP GET, no JavaScript. Fast and cheap; right for static pages.
- "headless": real browser. Needed for JavaScript-rendered pages, infinite feeds and interactions.
- "managed": hosted scraping service returning clean markdown. Best quality, costs API credits.
Respond with only a JSON object: {"engine": "http"|"headless"|"managed", "confidence": 0.0-1.0, "reasoning": "short justification"}.`

type engineDecision struct {
	Engine     string  `json:"engine"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (s *Selector) consultLLM(ctx context.Context, urls []string, prompt string, scores map[EngineName]float64, managedAvailable bool) (Selection, error) {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(prompt)
	sb.WriteString("\nURLs:\n")
	for _, u := range urls {
		sb.WriteString("- ")
		sb.WriteString(u)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Heuristic scores: http=%.2f headless=%.2f managed=%.2f\n",
		scores[EngineHTTP], scores[EngineHeadless], scores[EngineManaged])
	if !managedAvailable {
		sb.WriteString("The managed engine is unavailable; do not choose it.\n")
	}

	raw, err := s.completer.CompleteWithSystem(ctx, selectorSystemPrompt, sb.String())
	if err != nil {
		return Selection{}, err
	}
	var decision engineDecision
	if err := llm.ExtractJSON(raw, &decision); err != nil {
		return Selection{}, err
	}

	engine := EngineName(strings.ToLower(strings.TrimSpace(decision.Engine)))
	switch engine {
	case EngineHTTP, EngineHeadless:
	case EngineManaged:
		if !managedAvailable {
			return Selection{}, fmt.Errorf("model chose unavailable engine %q", decision.Engine)
		}
	default:
		return Selection{}, fmt.Errorf("model chose unknown engine %q", decision.Engine)
	}

	s.logger.Debug().Str("engine", string(engine)).Float64("confidence", decision.Confidence).Msg("engine selected by model")
	return Selection{
		Engine:     engine,
		Confidence: clamp01(decision.Confidence),
		Reasoning:  decision.Reasoning,
		Scores:     scores,
		UsedLLM:    true,
	}, nil
}
