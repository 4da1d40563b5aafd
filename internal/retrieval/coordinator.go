package retrieval

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noetic-labs/knowledge-core/internal/config"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// Pipeline stage names, used in summaries and error tags.
const (
	StageExpand    = "query_expansion"
	StageRetrieve  = "retrieve"
	StageCRAG      = "crag"
	StageOptimizer = "rerank_optimizer"
	StageRerank    = "rerank"
	StageExplain   = "explain"
)

// Search modes accepted by transports that multiplex onto one endpoint.
const (
	ModeDense    = "dense"
	ModeSparse   = "sparse"
	ModeHybrid   = "hybrid"
	ModeReranked = "reranked"
)

// SearchOptions narrows the dense-only operation.
type SearchOptions struct {
	Limit         int
	MinSimilarity float64
	CategoryID    *int64
}

// SparseOptions narrows the sparse-only operation.
type SparseOptions struct {
	Limit    int
	MinScore float64
}

// HybridOptions narrows the hybrid operation.
type HybridOptions struct {
	Limit         int
	TopKRetrieve  int
	MinSimilarity float64
	MinBM25       float64
	DenseWeight   float64
	SparseWeight  float64
	CategoryID    *int64
}

// RerankedOptions drives the full pipeline. Nil booleans fall back to
// the configured defaults.
type RerankedOptions struct {
	Limit             int
	RetrievalLimit    int
	MinSimilarity     float64
	MinBM25           float64
	MinRerankScore    float64
	DenseWeight       float64
	SparseWeight      float64
	CategoryID        *int64
	UseQueryExpansion *bool
	ExpansionStrategy ExpansionStrategy
	UseCRAG           *bool
	ForceRerank       bool
}

// Coordinator composes the retrieval stages and owns the public search
// operations. Every operation returns the same response shape: results,
// timing, the effective parameters, and a summary of which stages ran.
type Coordinator struct {
	dense     *DenseRetriever
	sparse    *SparseIndex
	chunks    ChunkStore
	expander  *QueryExpander
	optimizer *RerankOptimizer
	reranker  *Reranker
	crag      *CRAGEvaluator
	cache     *ResponseCache
	cfg       config.RetrievalConfig
	logger    *observability.Logger
	now       func() time.Time
}

// CoordinatorDeps bundles the coordinator's collaborators. Reranker and
// cache may be nil: a nil reranker forces skip-style behavior only when
// the optimizer allows it and fails reranked queries otherwise; a nil
// cache disables response caching.
type CoordinatorDeps struct {
	Dense    *DenseRetriever
	Sparse   *SparseIndex
	Chunks   ChunkStore
	Expander *QueryExpander
	Reranker *Reranker
	Cache    *ResponseCache
	Logger   *observability.Logger
}

// NewCoordinator creates a coordinator with the given stages.
func NewCoordinator(deps CoordinatorDeps, cfg config.RetrievalConfig) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	expander := deps.Expander
	if expander == nil {
		expander = NewQueryExpander(nil)
	}
	return &Coordinator{
		dense:     deps.Dense,
		sparse:    deps.Sparse,
		chunks:    deps.Chunks,
		expander:  expander,
		optimizer: NewRerankOptimizer(cfg.RRFK, cfg.DenseWeight, cfg.SparseWeight),
		reranker:  deps.Reranker,
		crag:      NewCRAGEvaluator(cfg.RRFK, cfg.DenseWeight, cfg.SparseWeight, nil),
		cache:     deps.Cache,
		cfg:       cfg,
		logger:    logger.WithComponent("retrieval"),
		now:       time.Now,
	}
}

// SetReformulator swaps the CRAG corrector's query reformulator.
func (c *Coordinator) SetReformulator(r Reformulator) {
	c.crag = NewCRAGEvaluator(c.cfg.RRFK, c.cfg.DenseWeight, c.cfg.SparseWeight, r)
}

// WarmProject prepares a project's in-memory structures: the BM25 shard
// and, when in use, the memory vector index.
func (c *Coordinator) WarmProject(ctx context.Context, projectID int64) error {
	chunks, err := c.chunks.ListIndexable(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list indexable chunks: %w", err)
	}
	c.sparse.Rebuild(projectID, chunks)
	if err := c.dense.WarmMemoryIndex(ctx, projectID); err != nil {
		return err
	}
	c.logger.Info().
		Int64("project_id", projectID).
		Int("chunks", len(chunks)).
		Msg("Project retrieval indexes warmed")
	return nil
}

// InvalidateProject drops cached responses after the corpus changes.
func (c *Coordinator) InvalidateProject(ctx context.Context, projectID int64) {
	if c.cache != nil {
		c.cache.InvalidateProject(ctx, projectID)
	}
}

// Search is the dense-only operation: vector retrieval followed by a
// recency-boost rerank that mixes similarity with normalized document
// age.
func (c *Coordinator) Search(ctx context.Context, projectID int64, query string, opts SearchOptions) (*SearchResponse, error) {
	start := c.now()
	limit := c.defaultLimit(opts.Limit)
	minSim := c.defaultMinSimilarity(opts.MinSimilarity)

	filters := map[string]any{
		"project_id":     projectID,
		"mode":           ModeDense,
		"limit":          limit,
		"min_similarity": minSim,
		"recency_weight": c.cfg.RecencyWeight,
	}
	if opts.CategoryID != nil {
		filters["category_id"] = *opts.CategoryID
	}

	if resp, ok := c.cacheGet(ctx, projectID, ModeDense, query, limit, filters); ok {
		return resp, nil
	}

	summary := &PipelineSummary{}
	retrieveStart := c.now()
	results, err := c.dense.Retrieve(ctx, projectID, query, DenseOptions{
		Limit:         limit,
		MinSimilarity: minSim,
		CategoryID:    opts.CategoryID,
	})
	if err != nil {
		return nil, stageErr(StageRetrieve, err)
	}
	summary.add(StageSummary{
		Stage:      StageRetrieve,
		Ran:        true,
		DurationMs: c.sinceMs(retrieveStart),
		Results:    len(results),
	})

	c.applyRecencyBoost(results)
	results = truncateResults(results, limit)
	c.explain(results, ModeDense)

	resp := c.respond(query, results, filters, summary, start)
	c.cacheSet(ctx, projectID, ModeDense, query, limit, filters, resp)
	return resp, nil
}

// SearchSparse is the sparse-only operation: BM25 over the project's
// shard. An index that has never been built is fatal here; sparse is
// the only retrieval this operation has.
func (c *Coordinator) SearchSparse(ctx context.Context, projectID int64, query string, opts SparseOptions) (*SearchResponse, error) {
	start := c.now()
	limit := c.defaultLimit(opts.Limit)
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = c.cfg.MinBM25Score
	}

	filters := map[string]any{
		"project_id": projectID,
		"mode":       ModeSparse,
		"limit":      limit,
		"min_score":  minScore,
	}

	if resp, ok := c.cacheGet(ctx, projectID, ModeSparse, query, limit, filters); ok {
		return resp, nil
	}

	if !c.sparse.Ready() {
		return nil, stageErr(StageRetrieve, fmt.Errorf("sparse index not built"))
	}

	summary := &PipelineSummary{}
	retrieveStart := c.now()
	hits := c.sparse.Search(projectID, query, limit, minScore)
	results, err := c.hydrateSparseHits(ctx, projectID, hits)
	if err != nil {
		return nil, stageErr(StageRetrieve, err)
	}
	summary.add(StageSummary{
		Stage:      StageRetrieve,
		Ran:        true,
		DurationMs: c.sinceMs(retrieveStart),
		Results:    len(results),
	})

	c.explain(results, ModeSparse)

	resp := c.respond(query, results, filters, summary, start)
	c.cacheSet(ctx, projectID, ModeSparse, query, limit, filters, resp)
	return resp, nil
}

// HybridSearch runs dense and sparse retrieval in parallel and fuses
// them with reciprocal rank fusion.
func (c *Coordinator) HybridSearch(ctx context.Context, projectID int64, query string, opts HybridOptions) (*SearchResponse, error) {
	start := c.now()
	limit := c.defaultLimit(opts.Limit)
	topK := opts.TopKRetrieve
	if topK <= 0 {
		topK = c.defaultRetrievalLimit(limit)
	}
	minSim := c.defaultMinSimilarity(opts.MinSimilarity)
	dw, sw := c.defaultWeights(opts.DenseWeight, opts.SparseWeight)

	filters := map[string]any{
		"project_id":     projectID,
		"mode":           ModeHybrid,
		"limit":          limit,
		"top_k_retrieve": topK,
		"min_similarity": minSim,
		"min_bm25":       opts.MinBM25,
		"rrf_k":          c.rrfK(),
		"dense_weight":   dw,
		"sparse_weight":  sw,
	}
	if opts.CategoryID != nil {
		filters["category_id"] = *opts.CategoryID
	}

	if resp, ok := c.cacheGet(ctx, projectID, ModeHybrid, query, limit, filters); ok {
		return resp, nil
	}

	summary := &PipelineSummary{}
	fused, err := c.retrieveHybrid(ctx, projectID, query, query, hybridParams{
		topK:       topK,
		minSim:     minSim,
		minBM25:    opts.MinBM25,
		dw:         dw,
		sw:         sw,
		categoryID: opts.CategoryID,
	}, summary)
	if err != nil {
		return nil, err
	}

	fused = truncateResults(fused, limit)
	c.explain(fused, ModeHybrid)

	resp := c.respond(query, fused, filters, summary, start)
	c.cacheSet(ctx, projectID, ModeHybrid, query, limit, filters, resp)
	return resp, nil
}

// SearchWithReranking runs the full pipeline: optional expansion,
// hybrid retrieval, optional corrective evaluation, the skip decision,
// and the cross-encoder when it is worth its latency.
func (c *Coordinator) SearchWithReranking(ctx context.Context, projectID int64, query string, opts RerankedOptions) (*SearchResponse, error) {
	start := c.now()
	limit := c.defaultLimit(opts.Limit)
	retrievalLimit := opts.RetrievalLimit
	if retrievalLimit <= 0 {
		retrievalLimit = c.defaultRetrievalLimit(limit)
	}
	minSim := c.defaultMinSimilarity(opts.MinSimilarity)
	dw, sw := c.defaultWeights(opts.DenseWeight, opts.SparseWeight)
	useExpansion := c.cfg.UseQueryExpansion
	if opts.UseQueryExpansion != nil {
		useExpansion = *opts.UseQueryExpansion
	}
	useCRAG := c.cfg.UseCRAG
	if opts.UseCRAG != nil {
		useCRAG = *opts.UseCRAG
	}
	strategy := opts.ExpansionStrategy
	if strategy == "" {
		strategy = ExpansionStrategy(c.cfg.ExpansionStrategy)
	}

	filters := map[string]any{
		"project_id":          projectID,
		"mode":                ModeReranked,
		"limit":               limit,
		"retrieval_limit":     retrievalLimit,
		"min_similarity":      minSim,
		"min_bm25":            opts.MinBM25,
		"rrf_k":               c.rrfK(),
		"dense_weight":        dw,
		"sparse_weight":       sw,
		"use_query_expansion": useExpansion,
		"use_crag":            useCRAG,
		"force_rerank":        opts.ForceRerank,
	}
	if useExpansion {
		filters["expansion_strategy"] = string(strategy)
	}
	if opts.CategoryID != nil {
		filters["category_id"] = *opts.CategoryID
	}

	if resp, ok := c.cacheGet(ctx, projectID, ModeReranked, query, limit, filters); ok {
		return resp, nil
	}

	summary := &PipelineSummary{}

	// Expansion failures are absorbed; the pipeline continues with the
	// raw query.
	sparseQuery := query
	var expansion *ExpandedQuery
	if useExpansion {
		expandStart := c.now()
		expansion = c.expander.Expand(query, strategy)
		sparseQuery = expansion.SparseQuery()
		summary.add(StageSummary{
			Stage:      StageExpand,
			Ran:        true,
			DurationMs: c.sinceMs(expandStart),
		})
	} else {
		summary.add(StageSummary{Stage: StageExpand, Ran: false, SkipReason: "disabled"})
	}

	params := hybridParams{
		topK:       retrievalLimit,
		minSim:     minSim,
		minBM25:    opts.MinBM25,
		dw:         dw,
		sw:         sw,
		categoryID: opts.CategoryID,
	}
	fused, err := c.retrieveHybrid(ctx, projectID, query, sparseQuery, params, summary)
	if err != nil {
		return nil, err
	}

	var evaluation *CRAGEvaluation
	if useCRAG {
		cragStart := c.now()
		evaluation = c.crag.Evaluate(fused)
		corrected, metrics, cragErr := c.crag.Correct(ctx, query, fused, evaluation, c.requeryFunc(projectID, params))
		if cragErr != nil {
			// Corrective failures never kill the query; the uncorrected
			// list is still an answer.
			c.logger.Warn().Err(cragErr).Msg("CRAG correction failed; keeping uncorrected results")
			summary.add(StageSummary{
				Stage:      StageCRAG,
				Ran:        false,
				SkipReason: "correction failed: " + cragErr.Error(),
				DurationMs: c.sinceMs(cragStart),
			})
		} else {
			fused = corrected
			summary.add(StageSummary{
				Stage:      StageCRAG,
				Ran:        true,
				DurationMs: c.sinceMs(cragStart),
				Results:    metrics.CorrectedCount,
			})
		}
	} else {
		summary.add(StageSummary{Stage: StageCRAG, Ran: false, SkipReason: "disabled"})
	}

	optimizerStart := c.now()
	decision := c.optimizer.Decide(fused)
	summary.add(StageSummary{
		Stage:      StageOptimizer,
		Ran:        true,
		DurationMs: c.sinceMs(optimizerStart),
		Results:    len(fused),
	})

	skip := decision.Skip && !opts.ForceRerank
	var results []*SearchResult
	if skip {
		results = truncateResults(fused, limit)
		summary.add(StageSummary{
			Stage: StageRerank,
			Ran:   false,
			SkipReason: fmt.Sprintf("optimizer: top_score=%.2f gap=%.2f stddev=%.2f confidence=%s",
				decision.Metrics.TopScore, decision.Metrics.Gap, decision.Metrics.StdDev, decision.ConfidenceLevel),
		})
	} else {
		if c.reranker == nil {
			return nil, stageErr(StageRerank, fmt.Errorf("no cross-encoder configured"))
		}
		rerankStart := c.now()
		minRerank := opts.MinRerankScore
		reranked, rerankErr := c.reranker.RerankWithMinScore(ctx, query, fused, limit, minRerank)
		if rerankErr != nil {
			return nil, stageErr(StageRerank, rerankErr)
		}
		results = reranked
		summary.add(StageSummary{
			Stage:      StageRerank,
			Ran:        true,
			DurationMs: c.sinceMs(rerankStart),
			Results:    len(results),
		})
	}

	for _, r := range results {
		r.ConfidenceLevel = decision.ConfidenceLevel
		r.QueryExpansion = expansion
		r.CRAGEvaluation = evaluation
	}
	c.explain(results, ModeReranked)
	summary.add(StageSummary{Stage: StageExplain, Ran: true, Results: len(results)})

	resp := c.respond(query, results, filters, summary, start)
	c.cacheSet(ctx, projectID, ModeReranked, query, limit, filters, resp)
	return resp, nil
}

// hybridParams carries the knobs shared by hybrid retrieval and the
// CRAG requery path.
type hybridParams struct {
	topK       int
	minSim     float64
	minBM25    float64
	dw         float64
	sw         float64
	categoryID *int64
}

// retrieveHybrid fans dense and sparse retrieval out in parallel and
// fuses the two rankings. Dense failure is fatal; a sparse index that
// was never built degrades to dense-only with a log entry.
func (c *Coordinator) retrieveHybrid(ctx context.Context, projectID int64, denseQuery, sparseQuery string, p hybridParams, summary *PipelineSummary) ([]*SearchResult, error) {
	retrieveStart := c.now()

	var denseResults, sparseResults []*SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := c.dense.Retrieve(gctx, projectID, denseQuery, DenseOptions{
			Limit:         p.topK,
			MinSimilarity: p.minSim,
			CategoryID:    p.categoryID,
		})
		if err != nil {
			return fmt.Errorf("dense retrieval: %w", err)
		}
		denseResults = res
		return nil
	})
	g.Go(func() error {
		if !c.sparse.Ready() {
			c.logger.Debug().Int64("project_id", projectID).Msg("Sparse index not built; hybrid degrades to dense")
			return nil
		}
		hits := c.sparse.Search(projectID, sparseQuery, p.topK, p.minBM25)
		res, err := c.hydrateSparseHits(gctx, projectID, hits)
		if err != nil {
			return fmt.Errorf("sparse hydration: %w", err)
		}
		sparseResults = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, stageErr(StageRetrieve, err)
	}

	fused := FuseRRF(denseResults, sparseResults, c.rrfK(), p.dw, p.sw)
	summary.add(StageSummary{
		Stage:      StageRetrieve,
		Ran:        true,
		DurationMs: c.sinceMs(retrieveStart),
		Results:    len(fused),
	})
	return fused, nil
}

// requeryFunc binds the CRAG corrective requery to this request's
// retrieval parameters.
func (c *Coordinator) requeryFunc(projectID int64, p hybridParams) RequeryFunc {
	return func(ctx context.Context, query string) ([]*SearchResult, error) {
		return c.retrieveHybrid(ctx, projectID, query, query, p, &PipelineSummary{})
	}
}

// hydrateSparseHits loads the chunk rows behind BM25 hits, preserving
// hit order and scores.
func (c *Coordinator) hydrateSparseHits(ctx context.Context, projectID int64, hits []SparseHit) ([]*SearchResult, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	scores := make(map[int64]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		scores[h.ChunkID] = h.Score
	}

	rows, err := c.chunks.GetSearchRowsByIDs(ctx, projectID, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate sparse hits: %w", err)
	}

	byID := make(map[int64]*storage.ChunkSearchRow, len(rows))
	for _, row := range rows {
		byID[row.ChunkID] = row
	}

	results := make([]*SearchResult, 0, len(hits))
	for _, h := range hits {
		row, ok := byID[h.ChunkID]
		if !ok {
			// Index lags the store after deletes; skip the orphan.
			continue
		}
		res := rowToResult(row, SourceSparse)
		res.SparseScore = h.Score
		res.SimilarityScore = 0
		results = append(results, res)
	}
	return results, nil
}

// applyRecencyBoost reorders dense results by a linear combination of
// similarity and document age normalized across the result set. The
// newest document scores 1, the oldest 0; similarity_score itself is
// left untouched.
func (c *Coordinator) applyRecencyBoost(results []*SearchResult) {
	w := c.cfg.RecencyWeight
	if w <= 0 || len(results) < 2 {
		return
	}

	oldest, newest := results[0].DocumentCreatedAt, results[0].DocumentCreatedAt
	for _, r := range results[1:] {
		if r.DocumentCreatedAt.Before(oldest) {
			oldest = r.DocumentCreatedAt
		}
		if r.DocumentCreatedAt.After(newest) {
			newest = r.DocumentCreatedAt
		}
	}
	span := newest.Sub(oldest)
	if span <= 0 {
		return
	}

	boosted := make(map[int64]float64, len(results))
	for _, r := range results {
		recency := float64(r.DocumentCreatedAt.Sub(oldest)) / float64(span)
		boosted[r.ChunkID] = (1-w)*r.SimilarityScore + w*recency
	}
	sortByScore(results, func(r *SearchResult) float64 { return boosted[r.ChunkID] })
}

// explain attaches a per-result explanation of why it ranked where it
// did, built from whichever scores the pipeline left on it.
func (c *Coordinator) explain(results []*SearchResult, mode string) {
	for i, r := range results {
		switch {
		case r.CrossEncoderScore != nil:
			origin := ""
			if r.OriginalRank != nil {
				origin = fmt.Sprintf(" (was #%d before reranking)", *r.OriginalRank+1)
			}
			r.Explanation = fmt.Sprintf("Ranked #%d by cross-encoder score %.3f%s; fused score %.4f from %s retrieval.",
				i+1, *r.CrossEncoderScore, origin, r.RRFScore, r.Source)
		case r.RRFScore > 0:
			r.Explanation = fmt.Sprintf("Ranked #%d by fused score %.4f (dense %.3f, sparse %.3f, source %s).",
				i+1, r.RRFScore, r.DenseScore, r.SparseScore, r.Source)
		case mode == ModeSparse:
			r.Explanation = fmt.Sprintf("Ranked #%d by BM25 score %.3f.", i+1, r.SparseScore)
		default:
			r.Explanation = fmt.Sprintf("Ranked #%d by cosine similarity %.3f.", i+1, r.SimilarityScore)
		}
	}
}

func (c *Coordinator) respond(query string, results []*SearchResult, filters map[string]any, summary *PipelineSummary, start time.Time) *SearchResponse {
	if results == nil {
		results = []*SearchResult{}
	}
	return &SearchResponse{
		Query:           query,
		Results:         results,
		TotalResults:    len(results),
		ExecutionTimeMs: c.sinceMs(start),
		FiltersApplied:  filters,
		PipelineSummary: summary,
	}
}

func (c *Coordinator) cacheGet(ctx context.Context, projectID int64, mode, query string, limit int, filters map[string]any) (*SearchResponse, bool) {
	if c.cache == nil || !c.cfg.CacheResults {
		return nil, false
	}
	key := c.cache.Key(projectID, mode, query, limit, filters)
	resp, ok := c.cache.Get(ctx, key)
	if ok {
		c.logger.Debug().Str("mode", mode).Msg("Search served from cache")
	}
	return resp, ok
}

func (c *Coordinator) cacheSet(ctx context.Context, projectID int64, mode, query string, limit int, filters map[string]any, resp *SearchResponse) {
	if c.cache == nil || !c.cfg.CacheResults {
		return
	}
	key := c.cache.Key(projectID, mode, query, limit, filters)
	c.cache.Set(ctx, key, resp)
}

func (c *Coordinator) sinceMs(t time.Time) int64 {
	return c.now().Sub(t).Milliseconds()
}

func (c *Coordinator) defaultLimit(limit int) int {
	if limit > 0 {
		return limit
	}
	if c.cfg.DefaultLimit > 0 {
		return c.cfg.DefaultLimit
	}
	return 10
}

func (c *Coordinator) defaultRetrievalLimit(limit int) int {
	if c.cfg.RetrievalLimit > 0 {
		return c.cfg.RetrievalLimit
	}
	return limit * 3
}

func (c *Coordinator) defaultMinSimilarity(min float64) float64 {
	if min > 0 {
		return min
	}
	return c.cfg.MinSimilarity
}

func (c *Coordinator) defaultWeights(dw, sw float64) (float64, float64) {
	if dw > 0 || sw > 0 {
		return dw, sw
	}
	if c.cfg.DenseWeight > 0 || c.cfg.SparseWeight > 0 {
		return c.cfg.DenseWeight, c.cfg.SparseWeight
	}
	return DefaultDenseWeight, DefaultSparseWeight
}

func (c *Coordinator) rrfK() int {
	if c.cfg.RRFK > 0 {
		return c.cfg.RRFK
	}
	return DefaultRRFK
}
