package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/storage"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

// IngestService starts background ingestion jobs, one method per
// source kind. *engine.Engine satisfies it.
type IngestService interface {
	IngestPDF(projectID int64, title, path string) (string, error)
	IngestText(projectID int64, title, text string) (string, error)
	IngestYouTube(projectID int64, videoURL string) (string, error)
	IngestAgentic(projectID int64, intent, seedURL string) (string, error)
	Crawl(ctx context.Context, projectID int64, p engine.CrawlParams) (string, *storage.CrawlJob, error)
}

// DocumentLister reads stored documents. The storage repository
// satisfies it.
type DocumentLister interface {
	ListByProject(ctx context.Context, projectID int64) ([]*storage.Document, error)
}

// DocumentsHandler handles document ingestion and listing.
type DocumentsHandler struct {
	logger    *observability.Logger
	service   IngestService
	documents DocumentLister
}

// NewDocumentsHandler creates a new documents handler.
func NewDocumentsHandler(logger *observability.Logger, service IngestService, documents DocumentLister) *DocumentsHandler {
	return &DocumentsHandler{logger: logger, service: service, documents: documents}
}

// IngestRequestDTO selects a source kind and carries its inputs. Only
// the fields belonging to the kind are read.
type IngestRequestDTO struct {
	SourceKind string `json:"source_kind"`
	Title      string `json:"title,omitempty"`
	Path       string `json:"path,omitempty"`
	Text       string `json:"text,omitempty"`
	URL        string `json:"url,omitempty"`
	Intent     string `json:"intent,omitempty"`
}

// Ingest handles POST /api/v1/projects/{projectID}/documents. It
// enqueues one ingestion job and answers 202 with the job id; progress
// streams from GET /api/v1/jobs/{jobID}/progress.
func (h *DocumentsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	var dto IngestRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	var (
		jobID string
		err   error
	)
	switch dto.SourceKind {
	case string(storage.SourceKindPDF):
		jobID, err = h.service.IngestPDF(id, dto.Title, dto.Path)
	case string(storage.SourceKindText):
		jobID, err = h.service.IngestText(id, dto.Title, dto.Text)
	case string(storage.SourceKindYouTube):
		jobID, err = h.service.IngestYouTube(id, dto.URL)
	case string(storage.SourceKindWeb):
		// Single-URL web ingest; the crawl endpoint exposes the full
		// crawl controls.
		jobID, _, err = h.service.Crawl(r.Context(), id, engine.CrawlParams{URL: dto.URL, MaxPages: 1})
	case "agentic":
		jobID, err = h.service.IngestAgentic(id, dto.Intent, dto.URL)
	default:
		writeError(w, http.StatusBadRequest, "unknown source kind", dto.SourceKind)
		return
	}
	if err != nil {
		writeError(w, statusFor(err), "ingest failed", err.Error())
		return
	}

	h.logger.Info().
		Int64("project_id", id).
		Str("source_kind", dto.SourceKind).
		Str("job_id", jobID).
		Msg("Ingestion queued")

	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: jobID, Status: "queued"})
}

// List handles GET /api/v1/projects/{projectID}/documents.
func (h *DocumentsHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	docs, err := h.documents.ListByProject(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Int64("project_id", id).Msg("List documents failed")
		writeError(w, http.StatusInternalServerError, "list documents failed", err.Error())
		return
	}
	if docs == nil {
		docs = []*storage.Document{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}
