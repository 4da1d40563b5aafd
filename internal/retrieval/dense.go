package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/noetic-labs/knowledge-core/internal/embedding"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// ChunkStore provides the chunk queries the pipeline needs.
type ChunkStore interface {
	SearchSimilar(ctx context.Context, projectID int64, queryVec []float32, opts storage.VectorSearchOptions) ([]*storage.ChunkSearchRow, error)
	GetSearchRowsByIDs(ctx context.Context, projectID int64, ids []int64) ([]*storage.ChunkSearchRow, error)
	ListIndexable(ctx context.Context, projectID int64) ([]storage.IndexableChunk, error)
	ListEmbedded(ctx context.Context, projectID int64) ([]storage.EmbeddedChunk, error)
}

// DenseOptions narrows a dense retrieval.
type DenseOptions struct {
	Limit         int
	MinSimilarity float64
	CategoryID    *int64
}

// DenseRetriever embeds the query and searches chunk vectors. The
// database does the nearest-neighbor work on Postgres; on dialects
// without vector search it falls back to the in-memory index, which
// must be warmed first.
type DenseRetriever struct {
	chunks   ChunkStore
	embedder embedding.Embedder
	memory   *MemoryVectorIndex
	logger   *observability.Logger
}

func NewDenseRetriever(chunks ChunkStore, embedder embedding.Embedder, memory *MemoryVectorIndex, logger *observability.Logger) *DenseRetriever {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &DenseRetriever{
		chunks:   chunks,
		embedder: embedder,
		memory:   memory,
		logger:   logger.WithComponent("dense_retriever"),
	}
}

// Retrieve embeds the query and returns the most similar chunks.
func (r *DenseRetriever) Retrieve(ctx context.Context, projectID int64, query string, opts DenseOptions) ([]*SearchResult, error) {
	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.RetrieveByVector(ctx, projectID, vec, opts)
}

// RetrieveByVector searches with an already-computed query vector.
func (r *DenseRetriever) RetrieveByVector(ctx context.Context, projectID int64, vec []float32, opts DenseOptions) ([]*SearchResult, error) {
	rows, err := r.chunks.SearchSimilar(ctx, projectID, vec, storage.VectorSearchOptions{
		Limit:         opts.Limit,
		MinSimilarity: opts.MinSimilarity,
		CategoryID:    opts.CategoryID,
	})
	if errors.Is(err, storage.ErrVectorSearchUnavailable) {
		return r.retrieveFromMemory(ctx, projectID, vec, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]*SearchResult, 0, len(rows))
	for _, row := range rows {
		res := rowToResult(row, SourceDense)
		res.DenseScore = row.Similarity
		results = append(results, res)
	}
	return results, nil
}

// EmbedQuery exposes query embedding so callers can share one vector
// across stages.
func (r *DenseRetriever) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return r.embedQuery(ctx, query)
}

func (r *DenseRetriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embed query: empty response")
	}
	return vecs[0], nil
}

// retrieveFromMemory serves the search from the in-memory index and
// hydrates the matching rows from the database. Category filters are
// not applied on this path; the memory index only knows vectors.
func (r *DenseRetriever) retrieveFromMemory(ctx context.Context, projectID int64, vec []float32, opts DenseOptions) ([]*SearchResult, error) {
	if r.memory == nil {
		return nil, fmt.Errorf("vector search: %w", storage.ErrVectorSearchUnavailable)
	}
	if opts.CategoryID != nil {
		r.logger.Warn().
			Int64("project_id", projectID).
			Msg("category filter ignored by in-memory vector search")
	}

	hits := r.memory.Search(projectID, vec, opts.Limit, opts.MinSimilarity)
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	sims := make(map[int64]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		sims[h.ChunkID] = h.Similarity
	}

	rows, err := r.chunks.GetSearchRowsByIDs(ctx, projectID, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate memory hits: %w", err)
	}

	results := make([]*SearchResult, 0, len(rows))
	for _, row := range rows {
		res := rowToResult(row, SourceDense)
		res.SimilarityScore = sims[row.ChunkID]
		res.DenseScore = sims[row.ChunkID]
		results = append(results, res)
	}
	return results, nil
}

// WarmMemoryIndex loads a project's stored embeddings into the
// in-memory index. It is a no-op when no index is attached.
func (r *DenseRetriever) WarmMemoryIndex(ctx context.Context, projectID int64) error {
	if r.memory == nil {
		return nil
	}
	chunks, err := r.chunks.ListEmbedded(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list embedded chunks: %w", err)
	}
	r.memory.Replace(projectID, chunks)
	r.logger.Debug().
		Int64("project_id", projectID).
		Int("vectors", len(chunks)).
		Msg("memory vector index warmed")
	return nil
}
