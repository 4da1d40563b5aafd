package scrape

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/noetic-labs/knowledge-core/internal/observability"
)

// Results scoring below this are worth a second attempt with a
// rendering engine.
const lowQualityScore = 0.2

// CrawlRequest describes one crawl job: a seed URL, bounds, and the
// filters from the owning crawl job row.
type CrawlRequest struct {
	SeedURL        string
	Prompt         string     // task description, used for engine selection
	Engine         EngineName // empty or "auto" selects automatically
	MaxPages       int
	MaxDepth       int
	URLPatterns    []string // candidate links must match one (globs on the path, substrings otherwise)
	ContentFilters []string // pages must contain at least one, case-insensitive
}

// CrawlOutcome summarizes a finished crawl.
type CrawlOutcome struct {
	Engine   EngineName
	Pages    []*Result
	Crawled  int
	Failed   int
	Filtered int
}

// Crawler walks a site breadth-first through the scraping engines,
// staying on the seed's host and within the request bounds. Pages that
// fail on the chosen engine are retried once on a fallback engine.
type Crawler struct {
	engines  map[EngineName]Engine
	selector *Selector
	delay    time.Duration
	logger   *observability.Logger
}

// NewCrawler builds a crawler over the given engines. delay is the
// politeness pause between fetches.
func NewCrawler(engines map[EngineName]Engine, selector *Selector, delay time.Duration, logger *observability.Logger) *Crawler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Crawler{
		engines:  engines,
		selector: selector,
		delay:    delay,
		logger:   logger.WithComponent("scrape.crawler"),
	}
}

// Usage reports the usage snapshots of all configured engines, in a
// fixed order.
func (c *Crawler) Usage(ctx context.Context) []Usage {
	var out []Usage
	for _, name := range []EngineName{EngineHTTP, EngineHeadless, EngineManaged} {
		if eng, ok := c.engines[name]; ok {
			out = append(out, eng.Usage(ctx))
		}
	}
	return out
}

// Crawl fetches up to MaxPages pages starting from the seed. onPage,
// when non-nil, runs after every fetch attempt so callers can report
// progress. Per-page failures are counted, not returned; Crawl only
// errors when it cannot start at all.
func (c *Crawler) Crawl(ctx context.Context, req CrawlRequest, onPage func(*Result)) (*CrawlOutcome, error) {
	seedKey, seedURL, ok := NormalizeURL(req.SeedURL)
	if !ok {
		return nil, fmt.Errorf("invalid seed URL %q", req.SeedURL)
	}
	if req.MaxPages <= 0 {
		req.MaxPages = 10
	}
	if req.MaxDepth < 0 {
		req.MaxDepth = 0
	}

	engine, err := c.resolveEngine(ctx, req)
	if err != nil {
		return nil, err
	}

	// Engines with a server-side crawl mode take the whole job.
	if bc, isBatch := engine.(BatchCrawler); isBatch {
		return c.batchCrawl(ctx, bc, engine.Name(), req, onPage)
	}

	type item struct {
		url   string
		depth int
	}
	queue := []item{{url: seedKey, depth: 0}}
	seen := map[string]bool{seedKey: true}
	seedHost := strings.TrimPrefix(seedURL.Hostname(), "www.")

	outcome := &CrawlOutcome{Engine: engine.Name()}
	attempts := 0
	for len(queue) > 0 && attempts < req.MaxPages {
		next := queue[0]
		queue = queue[1:]

		if attempts > 0 && c.delay > 0 {
			select {
			case <-time.After(c.delay):
			case <-ctx.Done():
				return outcome, ctx.Err()
			}
		}

		res := c.fetch(ctx, engine, next.url)
		attempts++
		if onPage != nil {
			onPage(res)
		}
		if res.Failed() {
			outcome.Failed++
			c.logger.Warn().Str("url", next.url).Str("error", res.Error).Msg("page failed")
			continue
		}
		outcome.Crawled++

		if !passesContentFilters(res.Text, req.ContentFilters) {
			outcome.Filtered++
		} else {
			outcome.Pages = append(outcome.Pages, res)
		}

		if next.depth >= req.MaxDepth {
			continue
		}
		for _, link := range res.Links {
			key, u, ok := NormalizeURL(link)
			if !ok || seen[key] {
				continue
			}
			if strings.TrimPrefix(u.Hostname(), "www.") != seedHost {
				continue
			}
			if !matchesPatterns(u, req.URLPatterns) {
				continue
			}
			seen[key] = true
			queue = append(queue, item{url: key, depth: next.depth + 1})
		}
	}

	c.logger.Info().
		Str("seed", req.SeedURL).
		Str("engine", string(outcome.Engine)).
		Int("crawled", outcome.Crawled).
		Int("failed", outcome.Failed).
		Int("filtered", outcome.Filtered).
		Msg("crawl finished")
	return outcome, nil
}

func (c *Crawler) batchCrawl(ctx context.Context, bc BatchCrawler, name EngineName, req CrawlRequest, onPage func(*Result)) (*CrawlOutcome, error) {
	results, err := bc.Crawl(ctx, req.SeedURL, req.MaxPages, req.MaxDepth)
	if err != nil {
		return nil, fmt.Errorf("batch crawl: %w", err)
	}

	outcome := &CrawlOutcome{Engine: name}
	for _, res := range results {
		if onPage != nil {
			onPage(res)
		}
		if res.Failed() {
			outcome.Failed++
			continue
		}
		outcome.Crawled++
		if _, u, ok := NormalizeURL(res.URL); ok && !matchesPatterns(u, req.URLPatterns) {
			outcome.Filtered++
			continue
		}
		if !passesContentFilters(res.Text, req.ContentFilters) {
			outcome.Filtered++
			continue
		}
		outcome.Pages = append(outcome.Pages, res)
	}
	return outcome, nil
}

func (c *Crawler) resolveEngine(ctx context.Context, req CrawlRequest) (Engine, error) {
	name := req.Engine
	if name == "" || name == "auto" {
		managed, ok := c.engines[EngineManaged]
		available := ok && !managed.Usage(ctx).Disabled
		sel := c.selector.Select(ctx, []string{req.SeedURL}, req.Prompt, available)
		name = sel.Engine
	}

	engine, ok := c.engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", name)
	}
	if engine.Usage(ctx).Disabled {
		return nil, fmt.Errorf("engine %q: %w", name, ErrEngineDisabled)
	}
	return engine, nil
}

// fetch runs one page through the chosen engine with a single retry on
// a fallback engine when the fetch fails or the content is too thin to
// be real.
func (c *Crawler) fetch(ctx context.Context, eng Engine, rawURL string) *Result {
	opts := Options{ExtractLinks: true}
	res := eng.Scrape(ctx, rawURL, opts)

	if res.Failed() {
		// Client errors repeat on any engine.
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return res
		}
		fallback := c.fallbackFor(eng.Name())
		if fallback == nil {
			return res
		}
		c.logger.Warn().
			Str("url", rawURL).
			Str("engine", string(eng.Name())).
			Str("fallback", string(fallback.Name())).
			Str("error", res.Error).
			Msg("retrying with fallback engine")
		return fallback.Scrape(ctx, rawURL, opts)
	}

	// A successful fetch with next to no content usually means the
	// page needs JavaScript.
	if res.QualityScore < lowQualityScore && eng.Name() == EngineHTTP {
		if headless, ok := c.engines[EngineHeadless]; ok {
			retry := headless.Scrape(ctx, rawURL, opts)
			if !retry.Failed() && retry.QualityScore > res.QualityScore {
				return retry
			}
		}
	}
	return res
}

func (c *Crawler) fallbackFor(name EngineName) Engine {
	switch name {
	case EngineHTTP:
		return c.engines[EngineHeadless]
	case EngineHeadless, EngineManaged:
		return c.engines[EngineHTTP]
	}
	return nil
}

// NormalizeURL canonicalizes a link for visited-set comparison: http(s)
// only, lowercased host, fragment stripped, trailing slash trimmed. The
// second return is the parsed form.
func NormalizeURL(raw string) (string, *url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", nil, false
	}
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), u, true
}

func matchesPatterns(u *url.URL, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	full := u.String()
	for _, pat := range patterns {
		if strings.Contains(pat, "*") {
			if ok, err := path.Match(pat, u.Path); err == nil && ok {
				return true
			}
			continue
		}
		if strings.Contains(full, pat) {
			return true
		}
	}
	return false
}

func passesContentFilters(text string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, f := range filters {
		if strings.Contains(lower, strings.ToLower(f)) {
			return true
		}
	}
	return false
}
