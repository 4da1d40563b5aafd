package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetic-labs/knowledge-core/internal/llm"
	"github.com/noetic-labs/knowledge-core/internal/scrape"
)

// stubEngine serves canned pages keyed by normalized URL; unknown URLs
// fail like a dead server would.
type stubEngine struct {
	pages map[string]*scrape.Result
	calls []string
}

func newStubEngine() *stubEngine {
	return &stubEngine{pages: make(map[string]*scrape.Result)}
}

func (s *stubEngine) add(url, title, text string, links ...string) *stubEngine {
	s.pages[url] = &scrape.Result{
		URL:              url,
		Title:            title,
		Text:             text,
		Links:            links,
		StatusCode:       200,
		Engine:           scrape.EngineHeadless,
		QualityScore:     0.8,
		ExtractionMethod: scrape.MethodMainContent,
	}
	return s
}

func (s *stubEngine) addVisual(url, title, text string, visuals int) *stubEngine {
	s.add(url, title, text)
	s.pages[url].VisualElementCount = visuals
	s.pages[url].HasVisualElements = visuals > 0
	return s
}

func (s *stubEngine) Name() scrape.EngineName { return scrape.EngineHeadless }

func (s *stubEngine) Scrape(_ context.Context, url string, opts scrape.Options) *scrape.Result {
	s.calls = append(s.calls, url)
	res, ok := s.pages[url]
	if !ok {
		return &scrape.Result{URL: url, Engine: scrape.EngineHeadless, ExtractionMethod: scrape.MethodRaw, Error: "connection refused"}
	}
	copied := *res
	if opts.Screenshot {
		copied.Screenshot = []byte("png-bytes")
	}
	return &copied
}

func (s *stubEngine) Usage(_ context.Context) scrape.Usage {
	return scrape.Usage{Engine: scrape.EngineHeadless}
}

func decisionJSON(t *testing.T, d Decision) string {
	t.Helper()
	data, err := json.Marshal(d)
	require.NoError(t, err)
	return string(data)
}

const rrfExtraction = "```json\n" +
	`{"title": "Reciprocal Rank Fusion", "main_content": "RRF combines dense and sparse rankings into one ordering.", "entities": ["RRF"], "insights": ["k=60 works well in practice"], "metadata": {"source": "docs"}}` +
	"\n```"

func TestAgentDoneExtractsExactlyOnce(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://docs.example.com/rrf", "RRF", "Reciprocal rank fusion merges ranked lists.")
	client := llm.NewScriptedClient(
		decisionJSON(t, Decision{Action: ActionDone, Confidence: 0.95, Reasoning: "page answers the goal"}),
		rrfExtraction,
	)

	a := New(eng, client, Config{MaxPages: 5, MaxDepth: 2}, nil)
	out, err := a.Run(context.Background(), "https://docs.example.com/rrf", "explain reciprocal rank fusion")
	require.NoError(t, err)

	assert.Equal(t, 1, out.PagesVisited)
	require.Len(t, out.Extracted, 1)
	assert.Equal(t, "Reciprocal Rank Fusion", out.Extracted[0].Title)
	assert.Contains(t, out.Extracted[0].MainContent, "dense and sparse")
	assert.Equal(t, []string{"RRF"}, out.Extracted[0].Entities)
	assert.InDelta(t, 0.95, out.Extracted[0].Confidence, 1e-9)

	require.Len(t, out.History, 1)
	assert.Equal(t, 0, out.History[0].Depth)
	assert.Equal(t, ActionDone, out.History[0].Action)
}

func TestAgentNavigatesAndExtracts(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://example.com/hub", "Hub", "index of articles",
		"https://example.com/a", "https://example.com/b")
	eng.add("https://example.com/a", "A", "first article body")
	eng.add("https://example.com/b", "B", "second article body")

	client := llm.NewScriptedClient(
		decisionJSON(t, Decision{Action: ActionNavigate, Confidence: 0.8,
			TargetURLs: []string{"https://example.com/a", "https://example.com/b"}}),
		decisionJSON(t, Decision{Action: ActionExtract, Confidence: 0.9}),
		rrfExtraction,
		decisionJSON(t, Decision{Action: ActionExtract, Confidence: 0.7}),
		rrfExtraction,
	)

	a := New(eng, client, Config{MaxPages: 10, MaxDepth: 2}, nil)
	out, err := a.Run(context.Background(), "https://example.com/hub", "collect the articles")
	require.NoError(t, err)

	assert.Equal(t, 3, out.PagesVisited)
	assert.Len(t, out.Extracted, 2)
	require.Len(t, out.History, 3)
	assert.Equal(t, ActionNavigate, out.History[0].Action)
	assert.Equal(t, 0, out.History[0].Depth)
	assert.Equal(t, 1, out.History[1].Depth)
	assert.Equal(t, 1, out.History[2].Depth)
}

func TestAgentCapsTargetURLs(t *testing.T) {
	targets := make([]string, 7)
	eng := newStubEngine()
	for i := range targets {
		targets[i] = "https://example.com/t" + string(rune('0'+i))
		eng.add(targets[i], "T", "leaf body")
	}
	eng.add("https://example.com/hub", "Hub", "huge index", targets...)

	responses := []string{
		decisionJSON(t, Decision{Action: ActionNavigate, Confidence: 0.8, TargetURLs: targets}),
	}
	for i := 0; i < 5; i++ {
		responses = append(responses,
			decisionJSON(t, Decision{Action: ActionExtract, Confidence: 0.9}),
			rrfExtraction,
		)
	}
	client := llm.NewScriptedClient(responses...)

	a := New(eng, client, Config{MaxPages: 20, MaxDepth: 2}, nil)
	out, err := a.Run(context.Background(), "https://example.com/hub", "collect everything")
	require.NoError(t, err)

	assert.Equal(t, 6, out.PagesVisited, "seed plus at most five targets")
	assert.NotContains(t, eng.calls, targets[5])
	assert.NotContains(t, eng.calls, targets[6])
}

func TestAgentRespectsMaxDepth(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://example.com/", "Root", "root page", "https://example.com/deeper")
	eng.add("https://example.com/deeper", "Deeper", "unreachable")

	client := llm.NewScriptedClient(
		decisionJSON(t, Decision{Action: ActionNavigate, Confidence: 0.8,
			TargetURLs: []string{"https://example.com/deeper"}}),
	)

	a := New(eng, client, Config{MaxPages: 10, MaxDepth: 0}, nil)
	out, err := a.Run(context.Background(), "https://example.com/", "look around")
	require.NoError(t, err)

	assert.Equal(t, 1, out.PagesVisited)
	assert.NotContains(t, eng.calls, "https://example.com/deeper")
}

func TestAgentRespectsPageBudget(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://example.com/1", "1", "page one", "https://example.com/2")
	eng.add("https://example.com/2", "2", "page two", "https://example.com/3")
	eng.add("https://example.com/3", "3", "page three")

	client := llm.NewScriptedClient(
		decisionJSON(t, Decision{Action: ActionNavigate, Confidence: 0.8, TargetURLs: []string{"https://example.com/2"}}),
		decisionJSON(t, Decision{Action: ActionNavigate, Confidence: 0.8, TargetURLs: []string{"https://example.com/3"}}),
	)

	a := New(eng, client, Config{MaxPages: 2, MaxDepth: 5}, nil)
	out, err := a.Run(context.Background(), "https://example.com/1", "walk the chain")
	require.NoError(t, err)

	assert.Equal(t, 2, out.PagesVisited)
	assert.NotContains(t, eng.calls, "https://example.com/3")
}

func TestAgentFetchesEachURLOnce(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://example.com/", "Root", "root", "https://example.com/a")
	eng.add("https://example.com/a", "A", "a body", "https://example.com/")

	client := llm.NewScriptedClient(
		decisionJSON(t, Decision{Action: ActionNavigate, Confidence: 0.8,
			TargetURLs: []string{"https://example.com/", "https://example.com/a", "https://example.com/a#frag"}}),
		decisionJSON(t, Decision{Action: ActionNavigate, Confidence: 0.8,
			TargetURLs: []string{"https://example.com/"}}),
	)

	a := New(eng, client, Config{MaxPages: 10, MaxDepth: 5}, nil)
	out, err := a.Run(context.Background(), "https://example.com/", "loop around")
	require.NoError(t, err)

	assert.Equal(t, 2, out.PagesVisited)
	assert.Len(t, eng.calls, 2)
}

func TestAgentDecisionFailureFallsBackToExtract(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://example.com/doc", "Doc", "the page body survives a model outage")
	client := llm.NewScriptedClient()
	client.Fail(errors.New("model down"))

	a := New(eng, client, Config{MaxPages: 3}, nil)
	out, err := a.Run(context.Background(), "https://example.com/doc", "read the doc")
	require.NoError(t, err, "a dead model must not abort the run")

	require.Len(t, out.Extracted, 1)
	assert.InDelta(t, 0.5, out.Extracted[0].Confidence, 1e-9)
	assert.Contains(t, out.Extracted[0].MainContent, "model outage")
	assert.Equal(t, "Doc", out.Extracted[0].Title)
	require.Len(t, out.History, 1)
	assert.Equal(t, ActionExtract, out.History[0].Action)
}

func TestAgentUnparseableDecisionFallsBack(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://example.com/doc", "Doc", "body")
	client := llm.NewScriptedClient(
		"I would suggest we explore the page a little further before deciding.",
		rrfExtraction,
	)

	a := New(eng, client, Config{MaxPages: 3}, nil)
	out, err := a.Run(context.Background(), "https://example.com/doc", "read the doc")
	require.NoError(t, err)

	require.Len(t, out.Extracted, 1)
	assert.Equal(t, "Reciprocal Rank Fusion", out.Extracted[0].Title, "extraction still uses the model")
	assert.InDelta(t, 0.5, out.Extracted[0].Confidence, 1e-9, "fallback decision confidence sticks")
}

func TestAgentUnknownActionFallsBack(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://example.com/doc", "Doc", "body")
	client := llm.NewScriptedClient(
		`{"action": "teleport", "confidence": 0.9, "reasoning": "hallucinated"}`,
		rrfExtraction,
	)

	a := New(eng, client, Config{MaxPages: 3}, nil)
	out, err := a.Run(context.Background(), "https://example.com/doc", "read the doc")
	require.NoError(t, err)

	require.Len(t, out.History, 1)
	assert.Equal(t, ActionExtract, out.History[0].Action)
	assert.InDelta(t, 0.5, out.History[0].Confidence, 1e-9)
}

func TestAgentFetchFailureContinues(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://example.com/hub", "Hub", "index",
		"https://example.com/broken", "https://example.com/ok")
	eng.add("https://example.com/ok", "OK", "healthy page")

	client := llm.NewScriptedClient(
		decisionJSON(t, Decision{Action: ActionNavigate, Confidence: 0.8,
			TargetURLs: []string{"https://example.com/broken", "https://example.com/ok"}}),
		decisionJSON(t, Decision{Action: ActionExtract, Confidence: 0.9}),
		rrfExtraction,
	)

	a := New(eng, client, Config{MaxPages: 10, MaxDepth: 2}, nil)
	out, err := a.Run(context.Background(), "https://example.com/hub", "collect pages")
	require.NoError(t, err)

	assert.Equal(t, 3, out.PagesVisited)
	assert.Equal(t, 1, out.PagesFailed)
	assert.Len(t, out.Extracted, 1)
	require.Len(t, out.History, 3)
	assert.Equal(t, "fetch_failed", out.History[1].Action)
	assert.NotEmpty(t, out.History[1].Error)
}

func TestAgentCapturesScreenshotsWhenVisionRequired(t *testing.T) {
	eng := newStubEngine()
	eng.addVisual("https://example.com/docs/charts", "Charts", "quarterly revenue charts", 4)

	client := llm.NewScriptedClient(
		decisionJSON(t, Decision{Action: ActionDone, Confidence: 0.9}),
		rrfExtraction,
	)

	a := New(eng, client, Config{MaxPages: 3}, nil)
	out, err := a.Run(context.Background(), "https://example.com/docs/charts", "compare the charts across pages")
	require.NoError(t, err)

	assert.Equal(t, 1, out.VisionPages)
	require.Contains(t, out.Screenshots, "https://example.com/docs/charts")
	assert.NotEmpty(t, out.Screenshots["https://example.com/docs/charts"])
	require.Len(t, out.Extracted, 1)
	assert.True(t, out.Extracted[0].HasScreenshot)
}

func TestAgentSkipsScreenshotsForTextTasks(t *testing.T) {
	eng := newStubEngine()
	eng.addVisual("https://example.com/docs/charts", "Charts", "text only task", 4)

	client := llm.NewScriptedClient(
		decisionJSON(t, Decision{Action: ActionDone, Confidence: 0.9}),
		rrfExtraction,
	)

	a := New(eng, client, Config{MaxPages: 3}, nil)
	out, err := a.Run(context.Background(), "https://example.com/docs/charts", "extract the text of the page")
	require.NoError(t, err)

	assert.Zero(t, out.VisionPages)
	assert.Empty(t, out.Screenshots)
}

func TestAgentRejectsInvalidSeed(t *testing.T) {
	a := New(newStubEngine(), llm.NewScriptedClient(), Config{}, nil)
	_, err := a.Run(context.Background(), "not a url", "whatever")
	require.Error(t, err)
}

func TestAgentHonorsContext(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://example.com/", "Root", "root", "https://example.com/a", "https://example.com/b")
	eng.add("https://example.com/a", "A", "a")
	eng.add("https://example.com/b", "B", "b")

	client := llm.NewScriptedClient(
		decisionJSON(t, Decision{Action: ActionNavigate, Confidence: 0.8,
			TargetURLs: []string{"https://example.com/a", "https://example.com/b"}}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	a := New(eng, client, Config{MaxPages: 10, MaxDepth: 2, PolitenessDelay: 500 * time.Millisecond}, nil)
	out, err := a.Run(ctx, "https://example.com/", "walk slowly")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, out.PagesVisited, "politeness wait is a cancellation point")
}

func TestDecisionPromptCarriesObservation(t *testing.T) {
	eng := newStubEngine()
	eng.add("https://example.com/doc", "Doc Title", strings.Repeat("body text ", 20),
		"https://example.com/next")
	client := llm.NewScriptedClient(
		decisionJSON(t, Decision{Action: ActionDone, Confidence: 0.9}),
		rrfExtraction,
	)

	a := New(eng, client, Config{MaxPages: 7}, nil)
	_, err := a.Run(context.Background(), "https://example.com/doc", "summarize the doc")
	require.NoError(t, err)

	require.GreaterOrEqual(t, client.Calls(), 1)
	prompt := client.Prompts[0]
	assert.Contains(t, prompt, "Goal: summarize the doc")
	assert.Contains(t, prompt, "https://example.com/doc")
	assert.Contains(t, prompt, "Doc Title")
	assert.Contains(t, prompt, "1. https://example.com/next")
	assert.Contains(t, client.Systems[0], `"action"`)
	assert.Contains(t, client.Systems[1], `"main_content"`)
}
