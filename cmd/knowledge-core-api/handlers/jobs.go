package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noetic-labs/knowledge-core/internal/ingest"
	"github.com/noetic-labs/knowledge-core/internal/observability"
)

// JobService exposes the queue's progress streams. *engine.Engine
// satisfies it.
type JobService interface {
	Progress(jobID string) (<-chan ingest.ProgressEvent, bool)
	CancelJob(jobID string) bool
}

// JobsHandler handles job progress streaming and cancellation.
type JobsHandler struct {
	logger  *observability.Logger
	service JobService
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(logger *observability.Logger, service JobService) *JobsHandler {
	return &JobsHandler{logger: logger, service: service}
}

// Progress handles GET /api/v1/jobs/{jobID}/progress, streaming the
// job's progress events as server-sent events until the terminal event
// closes the stream. Subscribing to a finished job replays nothing; the
// channel is already closed and the response ends immediately.
func (h *JobsHandler) Progress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	events, ok := h.service.Progress(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job", jobID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error().Err(err).Str("job_id", jobID).Msg("Encode progress event failed")
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flush()
		}
	}
}

// Cancel handles DELETE /api/v1/jobs/{jobID}.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if !h.service.CancelJob(jobID) {
		writeError(w, http.StatusNotFound, "unknown job", jobID)
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelling"})
}
