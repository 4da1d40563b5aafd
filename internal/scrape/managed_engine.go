package scrape

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/noetic-labs/knowledge-core/internal/observability"
)

// ManagedEngine delegates fetching to a hosted scraping service that
// renders pages server-side and returns cleaned content. Without an
// API key the engine is permanently disabled.
type ManagedEngine struct {
	client       *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	logger       *observability.Logger

	requests atomic.Int64
	failures atomic.Int64
}

// NewManagedEngine builds the engine. An empty apiKey disables it.
func NewManagedEngine(baseURL, apiKey string, timeout time.Duration, logger *observability.Logger) *ManagedEngine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ManagedEngine{
		client:       &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		pollInterval: 2 * time.Second,
		logger:       logger.WithComponent("scrape.managed"),
	}
}

// Disabled reports whether the engine can serve requests at all.
func (e *ManagedEngine) Disabled() bool { return e.apiKey == "" }

// Name implements Engine.
func (e *ManagedEngine) Name() EngineName { return EngineManaged }

type managedScrapeRequest struct {
	URL             string   `json:"url"`
	Formats         []string `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent"`
	ExtractDepth    string   `json:"extractDepth,omitempty"`
}

type managedCrawlRequest struct {
	URL      string `json:"url"`
	Limit    int    `json:"limit"`
	MaxDepth int    `json:"maxDepth"`
}

type managedMetadata struct {
	Title      string `json:"title"`
	SourceURL  string `json:"sourceURL"`
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error,omitempty"`
}

type managedDocument struct {
	Markdown   string          `json:"markdown"`
	HTML       string          `json:"html"`
	Links      []string        `json:"links"`
	Screenshot string          `json:"screenshot"`
	Metadata   managedMetadata `json:"metadata"`
}

type managedScrapeResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    managedDocument `json:"data"`
}

type managedCrawlStart struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Error   string `json:"error,omitempty"`
}

type managedCrawlStatus struct {
	Status    string            `json:"status"` // scraping, completed, failed
	Total     int               `json:"total"`
	Completed int               `json:"completed"`
	Error     string            `json:"error,omitempty"`
	Data      []managedDocument `json:"data"`
}

// Scrape implements Engine.
func (e *ManagedEngine) Scrape(ctx context.Context, rawURL string, opts Options) *Result {
	if e.Disabled() {
		return errorResult(rawURL, EngineManaged, ErrEngineDisabled)
	}
	e.requests.Add(1)

	formats := []string{"markdown", "html"}
	if opts.Screenshot {
		formats = append(formats, "screenshot")
	}
	var out managedScrapeResponse
	err := e.post(ctx, "/scrape", managedScrapeRequest{
		URL:             rawURL,
		Formats:         formats,
		OnlyMainContent: true,
		ExtractDepth:    "basic",
	}, &out)
	if err != nil {
		e.failures.Add(1)
		return errorResult(rawURL, EngineManaged, err)
	}
	if !out.Success {
		e.failures.Add(1)
		return errorResult(rawURL, EngineManaged, fmt.Errorf("service error: %s", out.Error))
	}
	return e.toResult(rawURL, out.Data, opts)
}

// Crawl starts a multi-page crawl on the remote service and polls the
// job until it completes or fails.
func (e *ManagedEngine) Crawl(ctx context.Context, rawURL string, limit, maxDepth int) ([]*Result, error) {
	if e.Disabled() {
		return nil, ErrEngineDisabled
	}
	e.requests.Add(1)

	var started managedCrawlStart
	if err := e.post(ctx, "/crawl", managedCrawlRequest{URL: rawURL, Limit: limit, MaxDepth: maxDepth}, &started); err != nil {
		e.failures.Add(1)
		return nil, err
	}
	if !started.Success || started.ID == "" {
		e.failures.Add(1)
		return nil, fmt.Errorf("start crawl: %s", started.Error)
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var status managedCrawlStatus
		if err := e.get(ctx, "/crawl/"+started.ID, &status); err != nil {
			e.failures.Add(1)
			return nil, err
		}
		switch status.Status {
		case "completed":
			results := make([]*Result, 0, len(status.Data))
			for _, doc := range status.Data {
				results = append(results, e.toResult(doc.Metadata.SourceURL, doc, Options{ExtractLinks: true}))
			}
			e.logger.Info().Str("url", rawURL).Int("pages", len(results)).Msg("managed crawl finished")
			return results, nil
		case "failed":
			e.failures.Add(1)
			return nil, fmt.Errorf("crawl failed: %s", status.Error)
		default:
			e.logger.Debug().
				Str("job", started.ID).
				Str("status", status.Status).
				Int("completed", status.Completed).
				Int("total", status.Total).
				Msg("crawl in progress")
		}
	}
}

// Usage implements Engine.
func (e *ManagedEngine) Usage(_ context.Context) Usage {
	u := Usage{Engine: EngineManaged, Requests: e.requests.Load(), Failures: e.failures.Load()}
	if e.Disabled() {
		u.Disabled = true
		u.Reason = "missing API key"
	}
	return u
}

func (e *ManagedEngine) toResult(rawURL string, doc managedDocument, opts Options) *Result {
	var pc pageContent
	if doc.HTML != "" {
		pc = parsePage(doc.HTML, rawURL)
	}

	text := strings.TrimSpace(doc.Markdown)
	method := MethodMainContent
	if text == "" {
		text = pc.Text
		method = pc.Method
	}
	title := doc.Metadata.Title
	if title == "" {
		title = pc.Title
	}
	status := doc.Metadata.StatusCode
	if status == 0 && doc.Metadata.Error == "" {
		status = 200
	}

	res := &Result{
		URL:                rawURL,
		Title:              title,
		HTML:               doc.HTML,
		Text:               text,
		StatusCode:         status,
		Engine:             EngineManaged,
		QualityScore:       scoreQuality(pageContent{Title: title, Text: text, Method: method}),
		ExtractionMethod:   method,
		VisualElementCount: pc.VisualElements,
		HasVisualElements:  pc.VisualElements > 0,
		Error:              doc.Metadata.Error,
	}
	if opts.ExtractLinks {
		res.Links = doc.Links
		if len(res.Links) == 0 {
			res.Links = pc.Links
		}
	}
	if opts.ExtractImages {
		res.Images = pc.Images
	}
	if opts.Screenshot && doc.Screenshot != "" && !strings.HasPrefix(doc.Screenshot, "http") {
		raw := doc.Screenshot
		if i := strings.Index(raw, "base64,"); i >= 0 {
			raw = raw[i+len("base64,"):]
		}
		if shot, err := base64.StdEncoding.DecodeString(raw); err == nil {
			res.Screenshot = shot
		}
	}
	return res
}

func (e *ManagedEngine) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	return e.do(req, out)
}

func (e *ManagedEngine) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	return e.do(req, out)
}

func (e *ManagedEngine) do(req *http.Request, out any) error {
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
