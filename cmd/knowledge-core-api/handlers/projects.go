package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// ProjectService is the subset of the engine the project routes use.
type ProjectService interface {
	EnsureProject(ctx context.Context, name string) (*storage.Project, error)
	Categories(ctx context.Context, projectID int64) ([]*storage.Category, error)
	RebuildIndex(ctx context.Context, projectID int64) error
}

// ProjectsHandler handles project-scoped management requests.
type ProjectsHandler struct {
	logger  *observability.Logger
	service ProjectService
}

// NewProjectsHandler creates a new projects handler.
func NewProjectsHandler(logger *observability.Logger, service ProjectService) *ProjectsHandler {
	return &ProjectsHandler{logger: logger, service: service}
}

// projectID parses the {projectID} path parameter, writing a 400 and
// returning false when it is not a positive integer.
func projectID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "projectID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid project id", raw)
		return 0, false
	}
	return id, true
}

// CreateProjectDTO is the body of POST /api/v1/projects.
type CreateProjectDTO struct {
	Name string `json:"name"`
}

// Create handles POST /api/v1/projects. Ensuring an existing name
// returns the existing row, so the endpoint is idempotent.
func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var dto CreateProjectDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	project, err := h.service.EnsureProject(r.Context(), dto.Name)
	if err != nil {
		writeError(w, statusFor(err), "create project failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, project)
}

// Categories handles GET /api/v1/projects/{projectID}/categories,
// returning the tree rows ordered by depth and sort order.
func (h *ProjectsHandler) Categories(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	categories, err := h.service.Categories(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Int64("project_id", id).Msg("List categories failed")
		writeError(w, http.StatusInternalServerError, "list categories failed", err.Error())
		return
	}
	if categories == nil {
		categories = []*storage.Category{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

// RebuildIndex handles POST /api/v1/projects/{projectID}/index/rebuild.
// The rebuild is synchronous; large projects take a moment.
func (h *ProjectsHandler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	if err := h.service.RebuildIndex(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Int64("project_id", id).Msg("Index rebuild failed")
		writeError(w, http.StatusInternalServerError, "index rebuild failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}
