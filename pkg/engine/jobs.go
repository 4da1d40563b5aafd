package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/noetic-labs/knowledge-core/internal/ingest"
	"github.com/noetic-labs/knowledge-core/internal/scrape"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// IngestPDF queues a PDF ingestion job and returns its id. Progress is
// readable via Progress; the job outcome lands on the document row.
func (e *Engine) IngestPDF(projectID int64, title, path string) (string, error) {
	if projectID <= 0 {
		return "", fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: pdf path is required", ErrInvalidRequest)
	}
	name := "pdf " + filepath.Base(path)
	return e.queue.Enqueue(name, func(ctx context.Context, progress *ingest.Publisher) error {
		_, err := e.pipeline.IngestPDF(ctx, progress, projectID, title, path)
		return err
	}), nil
}

// IngestText queues a raw-text ingestion job.
func (e *Engine) IngestText(projectID int64, title, text string) (string, error) {
	if projectID <= 0 {
		return "", fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	if title == "" {
		title = "untitled"
	}
	return e.queue.Enqueue("text "+title, func(ctx context.Context, progress *ingest.Publisher) error {
		_, err := e.pipeline.IngestText(ctx, progress, projectID, title, text)
		return err
	}), nil
}

// IngestYouTube queues a transcript ingestion job for a video URL.
func (e *Engine) IngestYouTube(projectID int64, videoURL string) (string, error) {
	if projectID <= 0 {
		return "", fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(videoURL) == "" {
		return "", fmt.Errorf("%w: video url is required", ErrInvalidRequest)
	}
	return e.queue.Enqueue("youtube "+videoURL, func(ctx context.Context, progress *ingest.Publisher) error {
		_, err := e.pipeline.IngestYouTube(ctx, progress, projectID, videoURL)
		return err
	}), nil
}

// CrawlParams configures a crawl ingestion.
type CrawlParams struct {
	URL            string   `json:"url"`
	Engine         string   `json:"engine,omitempty"`
	MaxPages       int      `json:"max_pages,omitempty"`
	DepthLimit     int      `json:"depth_limit,omitempty"`
	URLPatterns    []string `json:"url_patterns,omitempty"`
	ContentFilters []string `json:"content_filters,omitempty"`
}

// Crawl records a crawl job row and queues its ingestion. The returned
// id keys the progress stream; the row tracks durable crawl state.
func (e *Engine) Crawl(ctx context.Context, projectID int64, p CrawlParams) (string, *storage.CrawlJob, error) {
	if projectID <= 0 {
		return "", nil, fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	seed, _, ok := scrape.NormalizeURL(p.URL)
	if !ok {
		return "", nil, fmt.Errorf("%w: invalid seed url %q", ErrInvalidRequest, p.URL)
	}
	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = e.cfg.Crawler.MaxPages
	}
	depth := p.DepthLimit
	if depth <= 0 {
		depth = e.cfg.Crawler.MaxDepth
	}

	patterns, _ := json.Marshal(append([]string{}, p.URLPatterns...))
	filters, _ := json.Marshal(append([]string{}, p.ContentFilters...))
	job := &storage.CrawlJob{
		ProjectID:      projectID,
		URL:            seed,
		DepthLimit:     depth,
		MaxPages:       maxPages,
		URLPatterns:    patterns,
		ContentFilters: filters,
		Status:         storage.CrawlStatusPending,
	}
	if p.Engine != "" && p.Engine != "auto" {
		engineName := p.Engine
		job.Engine = &engineName
	}
	if err := e.repos.CrawlJobs.Create(ctx, job); err != nil {
		return "", nil, fmt.Errorf("create crawl job: %w", err)
	}

	jobID := e.queue.Enqueue("crawl "+seed, func(ctx context.Context, progress *ingest.Publisher) error {
		_, err := e.pipeline.IngestWeb(ctx, progress, job)
		return err
	})
	return jobID, job, nil
}

// IngestAgentic queues an agent-driven crawl: the browsing agent
// pursues the intent from the seed URL and the extracted knowledge
// lands as one document.
func (e *Engine) IngestAgentic(projectID int64, intent, seedURL string) (string, error) {
	if projectID <= 0 {
		return "", fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(intent) == "" {
		return "", fmt.Errorf("%w: intent is required", ErrInvalidRequest)
	}
	if _, _, ok := scrape.NormalizeURL(seedURL); !ok {
		return "", fmt.Errorf("%w: invalid seed url %q", ErrInvalidRequest, seedURL)
	}
	if e.model == nil {
		return "", fmt.Errorf("%w: agentic ingestion needs a configured LLM", ErrInvalidRequest)
	}
	return e.queue.Enqueue("agentic "+intent, func(ctx context.Context, progress *ingest.Publisher) error {
		_, _, err := e.pipeline.IngestAgentic(ctx, progress, projectID, intent, seedURL)
		return err
	}), nil
}

// Progress returns the live event stream of a queued job.
func (e *Engine) Progress(jobID string) (<-chan ingest.ProgressEvent, bool) {
	return e.queue.Progress(jobID)
}

// CancelJob asks a running job to stop. Unknown ids return false.
func (e *Engine) CancelJob(jobID string) bool {
	return e.queue.Cancel(jobID)
}
