package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/noetic-labs/knowledge-core/internal/monitoring"
	"github.com/noetic-labs/knowledge-core/internal/retrieval"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// SearchParams is the transport-neutral search request. Mode selects
// the operation; zero values defer to the configured defaults.
type SearchParams struct {
	ProjectID int64  `json:"project_id"`
	Query     string `json:"query"`
	// Mode is one of dense, sparse, hybrid or reranked. Empty means
	// reranked, the full pipeline.
	Mode              string  `json:"mode,omitempty"`
	Limit             int     `json:"limit,omitempty"`
	MinSimilarity     float64 `json:"min_similarity,omitempty"`
	MinBM25           float64 `json:"min_bm25,omitempty"`
	DenseWeight       float64 `json:"dense_weight,omitempty"`
	SparseWeight      float64 `json:"sparse_weight,omitempty"`
	CategoryID        *int64  `json:"category_id,omitempty"`
	UseQueryExpansion *bool   `json:"use_query_expansion,omitempty"`
	ExpansionStrategy string  `json:"expansion_strategy,omitempty"`
	UseCRAG           *bool   `json:"use_crag,omitempty"`
	ForceRerank       bool    `json:"force_rerank,omitempty"`
}

// Search multiplexes one request onto the coordinator's operations.
func (e *Engine) Search(ctx context.Context, p SearchParams) (*retrieval.SearchResponse, error) {
	if p.ProjectID <= 0 {
		return nil, fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}

	switch p.Mode {
	case "", retrieval.ModeReranked:
		return e.coordinator.SearchWithReranking(ctx, p.ProjectID, p.Query, retrieval.RerankedOptions{
			Limit:             p.Limit,
			MinSimilarity:     p.MinSimilarity,
			MinBM25:           p.MinBM25,
			DenseWeight:       p.DenseWeight,
			SparseWeight:      p.SparseWeight,
			CategoryID:        p.CategoryID,
			UseQueryExpansion: p.UseQueryExpansion,
			ExpansionStrategy: retrieval.ExpansionStrategy(p.ExpansionStrategy),
			UseCRAG:           p.UseCRAG,
			ForceRerank:       p.ForceRerank,
		})
	case retrieval.ModeDense:
		return e.coordinator.Search(ctx, p.ProjectID, p.Query, retrieval.SearchOptions{
			Limit:         p.Limit,
			MinSimilarity: p.MinSimilarity,
			CategoryID:    p.CategoryID,
		})
	case retrieval.ModeSparse:
		return e.coordinator.SearchSparse(ctx, p.ProjectID, p.Query, retrieval.SparseOptions{
			Limit:    p.Limit,
			MinScore: p.MinBM25,
		})
	case retrieval.ModeHybrid:
		return e.coordinator.HybridSearch(ctx, p.ProjectID, p.Query, retrieval.HybridOptions{
			Limit:         p.Limit,
			MinSimilarity: p.MinSimilarity,
			MinBM25:       p.MinBM25,
			DenseWeight:   p.DenseWeight,
			SparseWeight:  p.SparseWeight,
			CategoryID:    p.CategoryID,
		})
	default:
		return nil, fmt.Errorf("%w: unknown search mode %q", ErrInvalidRequest, p.Mode)
	}
}

// Chat streams one retrieval-augmented turn to sink.
func (e *Engine) Chat(ctx context.Context, req ChatRequest, sink ChatSink) error {
	return e.assembler.Stream(ctx, req, sink)
}

// ChatAgent runs agent mode: crawl a seed page and build the project's
// category tree from it, streaming status to sink.
func (e *Engine) ChatAgent(ctx context.Context, req AgentRequest, sink ChatSink) error {
	return e.assembler.AgentMode(ctx, req, sink)
}

// RebuildIndex rebuilds the project's retrieval indexes from the chunk
// store and drops its cached responses. projectID <= 0 rebuilds every
// project.
func (e *Engine) RebuildIndex(ctx context.Context, projectID int64) error {
	if projectID > 0 {
		e.coordinator.InvalidateProject(ctx, projectID)
		return e.coordinator.WarmProject(ctx, projectID)
	}
	projects, err := e.repos.Projects.List(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		e.coordinator.InvalidateProject(ctx, p.ID)
		if err := e.coordinator.WarmProject(ctx, p.ID); err != nil {
			return fmt.Errorf("warm project %d: %w", p.ID, err)
		}
	}
	return nil
}

// VerifyEmbeddings scans completed documents for chunks embedded under
// a model other than the configured one. With repair set, mismatched
// documents are re-embedded in place and the affected projects'
// retrieval indexes rebuilt. projectID <= 0 covers every project.
func (e *Engine) VerifyEmbeddings(ctx context.Context, projectID int64, repair bool) (*monitoring.Report, error) {
	guard := monitoring.NewEmbeddingGuard(e.repos, e.embedder, e.cfg.Ingestion.EmbeddingBatchSize, e.logger)
	if !repair {
		return guard.Check(ctx, projectID)
	}

	report, err := guard.Repair(ctx, projectID)
	if err != nil {
		return report, err
	}
	repaired := map[int64]bool{}
	for _, m := range report.Mismatches {
		repaired[m.ProjectID] = true
	}
	for pid := range repaired {
		if err := e.RebuildIndex(ctx, pid); err != nil {
			return report, fmt.Errorf("rebuild indexes for project %d: %w", pid, err)
		}
	}
	return report, nil
}

// Categories lists a project's category tree rows ordered by depth and
// sort order.
func (e *Engine) Categories(ctx context.Context, projectID int64) ([]*storage.Category, error) {
	return e.repos.Categories.ListByProject(ctx, projectID)
}

// EnsureProject finds a project by name, creating it when absent.
func (e *Engine) EnsureProject(ctx context.Context, name string) (*storage.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrInvalidRequest)
	}
	projects, err := e.repos.Projects.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Name == name {
			return p, nil
		}
	}
	project := &storage.Project{Name: name}
	if err := e.repos.Projects.Create(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}
