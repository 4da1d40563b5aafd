// Package scrape implements the page fetchers behind web ingestion and
// the agentic browser: a fast plain-HTTP engine, a headless Chromium
// engine driven by go-rod, and a client for a managed remote scraping
// service. All three satisfy the same Engine interface and report
// failures on the Result itself, so a caller can treat a failed page
// like any other page and decide on its own whether to retry with a
// different engine.
package scrape

import (
	"context"
	"errors"
	"time"
)

// EngineName identifies one of the scraping engines.
type EngineName string

const (
	EngineHTTP     EngineName = "http"
	EngineHeadless EngineName = "headless"
	EngineManaged  EngineName = "managed"
)

// Extraction methods, from most to least selective.
const (
	MethodMainContent = "main-content"
	MethodReadability = "readability"
	MethodRaw         = "raw"
)

// ErrEngineDisabled reports an engine that cannot serve requests at
// all, such as the managed engine without an API key.
var ErrEngineDisabled = errors.New("scraping engine is disabled")

// Options control a single scrape call. The selector-wait, delay,
// screenshot and accessibility options only have an effect on the
// headless engine; other engines ignore them.
type Options struct {
	ExtractLinks  bool
	ExtractImages bool
	Screenshot    bool
	AXTree        bool
	WaitSelector  string
	Delay         time.Duration
}

// Result is the uniform outcome of a scrape call. A failed fetch still
// produces a Result: the failure lands in Error and the content fields
// stay empty.
type Result struct {
	URL                string     `json:"url"`
	Title              string     `json:"title"`
	HTML               string     `json:"html,omitempty"`
	Text               string     `json:"text"`
	Links              []string   `json:"links,omitempty"`
	Images             []string   `json:"images,omitempty"`
	StatusCode         int        `json:"status_code"`
	Engine             EngineName `json:"engine"`
	QualityScore       float64    `json:"quality_score"`
	ExtractionMethod   string     `json:"extraction_method"`
	Screenshot         []byte     `json:"screenshot,omitempty"`
	AXTree             string     `json:"ax_tree,omitempty"`
	VisualElementCount int        `json:"visual_element_count"`
	HasVisualElements  bool       `json:"has_visual_elements"`
	Error              string     `json:"error,omitempty"`
}

// Failed reports whether the fetch produced an error instead of
// content.
func (r *Result) Failed() bool { return r.Error != "" }

// Usage is a point-in-time snapshot of an engine's health and load.
type Usage struct {
	Engine   EngineName `json:"engine"`
	Disabled bool       `json:"disabled"`
	Requests int64      `json:"requests"`
	Failures int64      `json:"failures"`
	Reason   string     `json:"reason,omitempty"`
}

// Engine is the fetching contract shared by all engines. Scrape never
// returns a Go error: engines map their native failures to
// Result.Error so callers can fall through to another engine without
// unwinding.
type Engine interface {
	Name() EngineName
	Scrape(ctx context.Context, url string, opts Options) *Result
	Usage(ctx context.Context) Usage
}

// BatchCrawler is implemented by engines that can crawl many pages
// server-side in a single job.
type BatchCrawler interface {
	Crawl(ctx context.Context, url string, limit, maxDepth int) ([]*Result, error)
}

func errorResult(url string, engine EngineName, err error) *Result {
	return &Result{
		URL:              url,
		Engine:           engine,
		ExtractionMethod: MethodRaw,
		Error:            err.Error(),
	}
}
