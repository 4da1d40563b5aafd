package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/storage"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

// CrawlService starts crawl jobs. *engine.Engine satisfies it.
type CrawlService interface {
	Crawl(ctx context.Context, projectID int64, p engine.CrawlParams) (string, *storage.CrawlJob, error)
}

// CrawlHandler handles crawl ingestion requests.
type CrawlHandler struct {
	logger  *observability.Logger
	service CrawlService
}

// NewCrawlHandler creates a new crawl handler.
func NewCrawlHandler(logger *observability.Logger, service CrawlService) *CrawlHandler {
	return &CrawlHandler{logger: logger, service: service}
}

// CrawlAcceptedDTO answers a queued crawl: the progress-stream key plus
// the durable crawl row's identity.
type CrawlAcceptedDTO struct {
	JobID   string `json:"job_id"`
	CrawlID int64  `json:"crawl_id"`
	URL     string `json:"url"`
	Status  string `json:"status"`
}

// Crawl handles POST /api/v1/projects/{projectID}/crawl. The body is
// the crawl parameter set; zero values fall back to configured
// defaults.
func (h *CrawlHandler) Crawl(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	var p engine.CrawlParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	jobID, job, err := h.service.Crawl(r.Context(), id, p)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Int64("project_id", id).Str("url", p.URL).Msg("Crawl enqueue failed")
		}
		writeError(w, status, "crawl failed", err.Error())
		return
	}

	h.logger.Info().
		Int64("project_id", id).
		Int64("crawl_id", job.ID).
		Str("url", job.URL).
		Str("job_id", jobID).
		Msg("Crawl queued")

	writeJSON(w, http.StatusAccepted, CrawlAcceptedDTO{
		JobID:   jobID,
		CrawlID: job.ID,
		URL:     job.URL,
		Status:  string(job.Status),
	})
}
