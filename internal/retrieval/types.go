// Package retrieval implements the staged search pipeline: dense and
// sparse retrieval, reciprocal rank fusion, corrective evaluation,
// conditional cross-encoder reranking, and the coordinator that owns
// the public search operations.
package retrieval

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// Source tags where a result entered the pipeline.
const (
	SourceDense  = "dense"
	SourceSparse = "sparse"
	SourceHybrid = "hybrid"
)

// SearchResult is one retrieved chunk with every score the pipeline
// attached on its way through.
type SearchResult struct {
	ChunkID           int64           `json:"chunk_id"`
	DocumentID        int64           `json:"document_id"`
	DocumentTitle     string          `json:"document_title"`
	DocumentFilename  string          `json:"document_filename"`
	ChunkText         string          `json:"chunk_text"`
	ChunkIndex        int             `json:"chunk_index"`
	SimilarityScore   float64         `json:"similarity_score"`
	ChunkMetadata     json.RawMessage `json:"chunk_metadata,omitempty"`
	DocumentCreatedAt time.Time       `json:"document_created_at"`

	Source            string          `json:"source,omitempty"`
	RRFScore          float64         `json:"rrf_score,omitempty"`
	DenseScore        float64         `json:"dense_score,omitempty"`
	SparseScore       float64         `json:"sparse_score,omitempty"`
	CrossEncoderScore *float64        `json:"cross_encoder_score,omitempty"`
	OriginalRank      *int            `json:"original_rank,omitempty"`
	ConfidenceLevel   string          `json:"confidence_level,omitempty"`
	QueryExpansion    *ExpandedQuery  `json:"query_expansion,omitempty"`
	CRAGEvaluation    *CRAGEvaluation `json:"crag_evaluation,omitempty"`
	Explanation       string          `json:"explanation,omitempty"`
}

// SearchResponse is the wire shape of every search operation.
type SearchResponse struct {
	Query           string           `json:"query"`
	Results         []*SearchResult  `json:"results"`
	TotalResults    int              `json:"total_results"`
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	FiltersApplied  map[string]any   `json:"filters_applied"`
	PipelineSummary *PipelineSummary `json:"pipeline_summary,omitempty"`
}

// PipelineSummary describes which stages ran for one query.
type PipelineSummary struct {
	Stages []StageSummary `json:"stages"`
}

// StageSummary is one pipeline stage's outcome.
type StageSummary struct {
	Stage      string `json:"stage"`
	Ran        bool   `json:"ran"`
	SkipReason string `json:"skip_reason,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Results    int    `json:"results,omitempty"`
}

func (p *PipelineSummary) add(s StageSummary) {
	p.Stages = append(p.Stages, s)
}

// StageError tags a pipeline failure with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// rowToResult converts a storage row into the pipeline currency.
func rowToResult(row *storage.ChunkSearchRow, source string) *SearchResult {
	return &SearchResult{
		ChunkID:           row.ChunkID,
		DocumentID:        row.DocumentID,
		DocumentTitle:     row.DocumentTitle,
		DocumentFilename:  row.DocumentFilename,
		ChunkText:         row.Text,
		ChunkIndex:        row.ChunkIndex,
		SimilarityScore:   row.Similarity,
		ChunkMetadata:     row.Metadata,
		DocumentCreatedAt: row.DocumentCreatedAt,
		Source:            source,
	}
}

// sortByScore orders results desc by the given score, breaking ties by
// chunk id so repeated queries return a stable order.
func sortByScore(results []*SearchResult, score func(*SearchResult) float64) {
	sort.SliceStable(results, func(i, j int) bool {
		si, sj := score(results[i]), score(results[j])
		if si != sj {
			return si > sj
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}

func truncateResults(results []*SearchResult, limit int) []*SearchResult {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}
