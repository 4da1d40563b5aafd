// Package agent implements a bounded observe-think-act browser agent.
// Starting from a seed URL it fetches pages through a scraping engine,
// asks a model what to do with each one, extracts structured knowledge
// when told to, and follows the model's chosen links until the page
// budget is spent, the queue drains, or the model declares the task
// done.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/noetic-labs/knowledge-core/internal/llm"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/scrape"
)

// Actions the decision model may choose.
const (
	ActionExtract            = "extract"
	ActionNavigate           = "navigate"
	ActionExtractAndNavigate = "extract_and_navigate"
	ActionDone               = "done"
)

// Config bounds one agent run.
type Config struct {
	MaxPages        int
	MaxDepth        int
	MaxTargetURLs   int
	PolitenessDelay time.Duration
	VisionQuota     float64
	VisionTolerance float64
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	if c.MaxTargetURLs <= 0 {
		c.MaxTargetURLs = 5
	}
	return c
}

// Decision is the model's verdict on one observed page.
type Decision struct {
	Action     string   `json:"action"`
	TargetURLs []string `json:"target_urls,omitempty"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// Extraction is the structured knowledge pulled from one page.
type Extraction struct {
	URL           string         `json:"url"`
	Depth         int            `json:"depth"`
	Title         string         `json:"title"`
	MainContent   string         `json:"main_content"`
	Entities      []string       `json:"entities,omitempty"`
	Insights      []string       `json:"insights,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Confidence    float64        `json:"confidence"`
	HasScreenshot bool           `json:"has_screenshot,omitempty"`
}

// NavigationStep records one fetch attempt and the decision taken on it.
type NavigationStep struct {
	URL        string  `json:"url"`
	Depth      int     `json:"depth"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Outcome is the result of one agent run. PagesVisited counts fetch
// attempts, failed ones included; PagesFailed is the failed subset.
type Outcome struct {
	SeedURL      string           `json:"seed_url"`
	Intent       string           `json:"intent"`
	Extracted    []Extraction     `json:"extracted_content"`
	History      []NavigationStep `json:"navigation_history"`
	PagesVisited int              `json:"pages_visited"`
	PagesFailed  int              `json:"pages_failed"`
	VisionPages  int              `json:"vision_pages"`

	// Screenshots kept by the vision gate, keyed by page URL. They ride
	// along for callers but stay out of the persisted execution log.
	Screenshots map[string][]byte `json:"-"`
}

// Agent walks pages with a scraping engine and lets a model steer.
type Agent struct {
	engine    scrape.Engine
	completer llm.Completer
	cfg       Config
	logger    *observability.Logger
}

// New builds an agent over the given engine and decision model. A nil
// completer degrades every decision to the extract fallback, which
// still produces usable output for static research tasks.
func New(engine scrape.Engine, completer llm.Completer, cfg Config, logger *observability.Logger) *Agent {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Agent{
		engine:    engine,
		completer: completer,
		cfg:       cfg.withDefaults(),
		logger:    logger.WithComponent("agent"),
	}
}

// Run executes the observe-think-act loop from seedURL. Each URL is
// fetched at most once per run; depth and page bounds come from the
// config. A done decision still extracts the final page, so a run that
// ends deliberately always carries at least one extraction.
func (a *Agent) Run(ctx context.Context, seedURL, intent string) (*Outcome, error) {
	seedKey, _, ok := scrape.NormalizeURL(seedURL)
	if !ok {
		return nil, fmt.Errorf("invalid seed URL %q", seedURL)
	}

	gate := scrape.NewVisionGate(intent, a.cfg.VisionQuota, a.cfg.VisionTolerance, a.logger)
	outcome := &Outcome{SeedURL: seedURL, Intent: intent, Screenshots: map[string][]byte{}}

	type item struct {
		url   string
		depth int
	}
	queue := []item{{url: seedKey}}
	visited := map[string]bool{}

	for len(queue) > 0 && outcome.PagesVisited < a.cfg.MaxPages {
		next := queue[0]
		queue = queue[1:]
		if visited[next.url] || next.depth > a.cfg.MaxDepth {
			continue
		}

		if outcome.PagesVisited > 0 && a.cfg.PolitenessDelay > 0 {
			select {
			case <-time.After(a.cfg.PolitenessDelay):
			case <-ctx.Done():
				a.finish(gate, outcome)
				return outcome, ctx.Err()
			}
		}

		visited[next.url] = true
		state := a.observe(ctx, gate, next.url, outcome)
		outcome.PagesVisited++
		if state.Failed() {
			outcome.PagesFailed++
			outcome.History = append(outcome.History, NavigationStep{
				URL: next.url, Depth: next.depth, Action: "fetch_failed", Error: state.Error,
			})
			a.logger.Warn().Str("url", next.url).Str("error", state.Error).Msg("page fetch failed")
			continue
		}

		decision := a.decide(ctx, state, intent, next.depth, outcome.PagesVisited)
		outcome.History = append(outcome.History, NavigationStep{
			URL: next.url, Depth: next.depth, Action: decision.Action, Confidence: decision.Confidence,
		})
		a.logger.Debug().
			Str("url", next.url).
			Str("action", decision.Action).
			Float64("confidence", decision.Confidence).
			Msg("page decided")

		switch decision.Action {
		case ActionExtract, ActionExtractAndNavigate, ActionDone:
			outcome.Extracted = append(outcome.Extracted, a.extract(ctx, state, intent, next.depth, decision.Confidence))
		}
		switch decision.Action {
		case ActionNavigate, ActionExtractAndNavigate:
			targets := decision.TargetURLs
			if len(targets) > a.cfg.MaxTargetURLs {
				targets = targets[:a.cfg.MaxTargetURLs]
			}
			for _, raw := range targets {
				key, _, ok := scrape.NormalizeURL(raw)
				if !ok || visited[key] {
					continue
				}
				queue = append(queue, item{url: key, depth: next.depth + 1})
			}
		}
		if decision.Action == ActionDone {
			break
		}
	}

	a.finish(gate, outcome)
	return outcome, nil
}

func (a *Agent) finish(gate *scrape.VisionGate, outcome *Outcome) {
	outcome.VisionPages, _ = gate.Stats()
	a.logger.Info().
		Str("seed", outcome.SeedURL).
		Int("visited", outcome.PagesVisited).
		Int("extracted", len(outcome.Extracted)).
		Int("failed", outcome.PagesFailed).
		Int("vision", outcome.VisionPages).
		Msg("agent run finished")
}

// observe fetches one page, asking for a screenshot when the vision
// gate wants one and keeping it only when the gate lets it through.
func (a *Agent) observe(ctx context.Context, gate *scrape.VisionGate, url string, outcome *Outcome) *scrape.Result {
	res := a.engine.Scrape(ctx, url, scrape.Options{
		ExtractLinks: true,
		Screenshot:   gate.ShouldCapture(url),
	})
	if gate.Record(res) {
		outcome.Screenshots[res.URL] = res.Screenshot
	}
	return res
}

// decide asks the model for the next action. Any failure — transport,
// parse, unknown action — degrades to extract at confidence 0.5 so a
// flaky model never aborts the run.
func (a *Agent) decide(ctx context.Context, state *scrape.Result, intent string, depth, visited int) Decision {
	fallback := Decision{Action: ActionExtract, Confidence: 0.5, Reasoning: "model decision unavailable"}
	if a.completer == nil {
		return fallback
	}

	raw, err := a.completer.CompleteWithSystem(ctx, decisionSystemPrompt, a.decisionPrompt(state, intent, depth, visited))
	if err != nil {
		a.logger.Warn().Str("url", state.URL).Err(err).Msg("decision model failed, extracting anyway")
		return fallback
	}
	var d Decision
	if err := llm.ExtractJSON(raw, &d); err != nil {
		a.logger.Warn().Str("url", state.URL).Err(err).Msg("decision unparseable, extracting anyway")
		return fallback
	}
	switch d.Action {
	case ActionExtract, ActionNavigate, ActionExtractAndNavigate, ActionDone:
	default:
		a.logger.Warn().Str("url", state.URL).Str("action", d.Action).Msg("unknown action, extracting anyway")
		return fallback
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	} else if d.Confidence > 1 {
		d.Confidence = 1
	}
	return d
}

// extract pulls structured knowledge from the page. When the model
// cannot produce it the raw page text stands in at confidence 0.5.
func (a *Agent) extract(ctx context.Context, state *scrape.Result, intent string, depth int, confidence float64) Extraction {
	ex := Extraction{
		URL:           state.URL,
		Depth:         depth,
		Title:         state.Title,
		Confidence:    confidence,
		HasScreenshot: len(state.Screenshot) > 0,
	}
	fallback := func() Extraction {
		ex.MainContent = truncate(state.Text, maxFallbackContentChars)
		ex.Confidence = 0.5
		return ex
	}
	if a.completer == nil {
		return fallback()
	}

	raw, err := a.completer.CompleteWithSystem(ctx, extractionSystemPrompt, extractionPrompt(state, intent))
	if err != nil {
		a.logger.Warn().Str("url", state.URL).Err(err).Msg("extraction model failed, keeping raw text")
		return fallback()
	}
	var parsed struct {
		Title       string         `json:"title"`
		MainContent string         `json:"main_content"`
		Entities    []string       `json:"entities"`
		Insights    []string       `json:"insights"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := llm.ExtractJSON(raw, &parsed); err != nil {
		a.logger.Warn().Str("url", state.URL).Err(err).Msg("extraction unparseable, keeping raw text")
		return fallback()
	}

	if parsed.Title != "" {
		ex.Title = parsed.Title
	}
	ex.MainContent = parsed.MainContent
	ex.Entities = parsed.Entities
	ex.Insights = parsed.Insights
	ex.Metadata = parsed.Metadata
	return ex
}
