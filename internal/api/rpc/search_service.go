// Package rpc exposes the search contract over Connect for
// service-to-service callers. Messages are hand-written JSON structs;
// the response is the same wire shape every search transport returns.
package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/retrieval"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

const (
	// SearchServiceName is the fully-qualified Connect service name.
	SearchServiceName = "knowledge.v1.SearchService"
	// SearchServiceQueryProcedure is the Query method's route.
	SearchServiceQueryProcedure = "/knowledge.v1.SearchService/Query"
)

// Searcher runs one multiplexed search. *engine.Engine satisfies it.
type Searcher interface {
	Search(ctx context.Context, p engine.SearchParams) (*retrieval.SearchResponse, error)
}

// QueryRequest is the Query procedure's message.
type QueryRequest struct {
	ProjectID         int64   `json:"project_id"`
	Query             string  `json:"query"`
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

// SearchService implements the Connect search service.
type SearchService struct {
	logger   *observability.Logger
	searcher Searcher
}

// NewSearchService creates the service around a searcher.
func NewSearchService(searcher Searcher, logger *observability.Logger) *SearchService {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SearchService{
		logger:   logger.WithComponent("api.rpc"),
		searcher: searcher,
	}
}

// Query executes one search and returns the standard search response.
func (s *SearchService) Query(ctx context.Context, req *connect.Request[QueryRequest]) (*connect.Response[retrieval.SearchResponse], error) {
	msg := req.Msg
	if msg.ProjectID <= 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("project_id is required"))
	}
	if strings.TrimSpace(msg.Query) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("query is required"))
	}

	resp, err := s.searcher.Search(ctx, engine.SearchParams{
		ProjectID:         msg.ProjectID,
		Query:             msg.Query,
		Mode:              msg.Mode,
		Limit:             msg.Limit,
		MinSimilarity:     msg.MinSimilarity,
		MinBM25:           msg.MinBM25,
		DenseWeight:       msg.DenseWeight,
		SparseWeight:      msg.SparseWeight,
		CategoryID:        msg.CategoryID,
		UseQueryExpansion: msg.UseQueryExpansion,
		ExpansionStrategy: msg.ExpansionStrategy,
		UseCRAG:           msg.UseCRAG,
		ForceRerank:       msg.ForceRerank,
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		s.logger.Error().Err(err).Int64("project_id", msg.ProjectID).Msg("Search failed")
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(resp), nil
}

// NewSearchServiceHandler mounts the service the way generated Connect
// code does: it returns the path prefix to mount and the handler for
// everything under it.
func NewSearchServiceHandler(svc *SearchService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(SearchServiceQueryProcedure, connect.NewUnaryHandler(
		SearchServiceQueryProcedure,
		svc.Query,
		opts...,
	))
	return "/" + SearchServiceName + "/", mux
}
