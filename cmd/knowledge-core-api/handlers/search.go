package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/retrieval"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

// Searcher runs one search request. *engine.Engine satisfies it.
type Searcher interface {
	Search(ctx context.Context, p engine.SearchParams) (*retrieval.SearchResponse, error)
}

// SearchHandler handles search requests.
type SearchHandler struct {
	logger   *observability.Logger
	searcher Searcher
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(logger *observability.Logger, searcher Searcher) *SearchHandler {
	return &SearchHandler{logger: logger, searcher: searcher}
}

// Search handles POST /api/v1/search. The body is the transport-neutral
// search request; mode selects dense, sparse, hybrid or reranked.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var p engine.SearchParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	resp, err := h.searcher.Search(r.Context(), p)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).
				Int64("project_id", p.ProjectID).
				Str("mode", p.Mode).
				Msg("Search failed")
		}
		writeError(w, status, "search failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
