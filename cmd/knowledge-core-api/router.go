package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/noetic-labs/knowledge-core/cmd/knowledge-core-api/handlers"
	"github.com/noetic-labs/knowledge-core/cmd/knowledge-core-api/middleware"
	"github.com/noetic-labs/knowledge-core/internal/api/rpc"
	"github.com/noetic-labs/knowledge-core/internal/config"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

// newRouter wires the HTTP surface over the engine facade: health
// probes, the REST API under /api/v1, and the Connect RPC service for
// service-to-service callers.
func newRouter(cfg *config.Config, logger *observability.Logger, eng *engine.Engine) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": "knowledge-core",
		})
	})

	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := eng.Ready(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	search := handlers.NewSearchHandler(logger, eng)
	projects := handlers.NewProjectsHandler(logger, eng)
	documents := handlers.NewDocumentsHandler(logger, eng, eng.Repos().Documents)
	crawl := handlers.NewCrawlHandler(logger, eng)
	chatHandler := handlers.NewChatHandler(logger, eng)
	jobs := handlers.NewJobsHandler(logger, eng)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth))

		// Streaming endpoints sit outside the request timeout; the
		// server's write timeout still bounds them.
		r.Group(func(r chi.Router) {
			r.Post("/chat", chatHandler.Chat)
			r.Post("/chat/agent", chatHandler.ChatAgent)
			r.Get("/jobs/{jobID}/progress", jobs.Progress)
		})

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.Server.RequestTimeout))

			r.Post("/search", search.Search)
			r.Delete("/jobs/{jobID}", jobs.Cancel)

			r.Post("/projects", projects.Create)
			r.Route("/projects/{projectID}", func(r chi.Router) {
				r.Get("/documents", documents.List)
				r.Post("/documents", documents.Ingest)
				r.Post("/crawl", crawl.Crawl)
				r.Get("/categories", projects.Categories)
				r.Post("/index/rebuild", projects.RebuildIndex)
			})
		})
	})

	rpcPrefix, rpcHandler := rpc.NewSearchServiceHandler(rpc.NewSearchService(eng, logger))
	r.With(middleware.Auth(cfg.Auth)).Mount(rpcPrefix, rpcHandler)

	return r
}
