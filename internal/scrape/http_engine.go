package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/noetic-labs/knowledge-core/internal/observability"
)

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	maxBodyBytes     = 5 << 20
)

// HTTPEngine fetches pages with a single GET and browser-like headers.
// No JavaScript runs, which is enough for most of the web and an order
// of magnitude cheaper than a real browser.
type HTTPEngine struct {
	client *http.Client
	logger *observability.Logger

	requests atomic.Int64
	failures atomic.Int64
}

// NewHTTPEngine builds the engine. A nil logger disables logging.
func NewHTTPEngine(timeout time.Duration, logger *observability.Logger) *HTTPEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &HTTPEngine{
		client: &http.Client{Timeout: timeout},
		logger: logger.WithComponent("scrape.http"),
	}
}

// Name implements Engine.
func (e *HTTPEngine) Name() EngineName { return EngineHTTP }

// Scrape implements Engine.
func (e *HTTPEngine) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	e.requests.Add(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		e.failures.Add(1)
		return errorResult(rawURL, EngineHTTP, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := e.client.Do(req)
	if err != nil {
		e.failures.Add(1)
		return errorResult(rawURL, EngineHTTP, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		e.failures.Add(1)
		res := errorResult(rawURL, EngineHTTP, fmt.Errorf("read body: %w", err))
		res.StatusCode = resp.StatusCode
		return res
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.failures.Add(1)
		res := errorResult(rawURL, EngineHTTP, fmt.Errorf("HTTP %d", resp.StatusCode))
		res.StatusCode = resp.StatusCode
		return res
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "xml") {
		// Plain text, JSON and friends pass through untouched.
		text := strings.TrimSpace(string(body))
		return &Result{
			URL:              rawURL,
			Text:             text,
			StatusCode:       resp.StatusCode,
			Engine:           EngineHTTP,
			QualityScore:     scoreQuality(pageContent{Text: text, Method: MethodRaw}),
			ExtractionMethod: MethodRaw,
		}
	}

	pc := parsePage(string(body), rawURL)
	res := &Result{
		URL:                rawURL,
		Title:              pc.Title,
		HTML:               string(body),
		Text:               pc.Text,
		StatusCode:         resp.StatusCode,
		Engine:             EngineHTTP,
		QualityScore:       scoreQuality(pc),
		ExtractionMethod:   pc.Method,
		VisualElementCount: pc.VisualElements,
		HasVisualElements:  pc.VisualElements > 0,
	}
	if opts.ExtractLinks {
		res.Links = pc.Links
	}
	if opts.ExtractImages {
		res.Images = pc.Images
	}
	e.logger.Debug().
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Str("method", pc.Method).
		Int("chars", len(pc.Text)).
		Msg("page fetched")
	return res
}

// Usage implements Engine.
func (e *HTTPEngine) Usage(_ context.Context) Usage {
	return Usage{Engine: EngineHTTP, Requests: e.requests.Load(), Failures: e.failures.Load()}
}
