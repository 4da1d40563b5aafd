package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEncoder returns canned scores and records whether it was called.
type stubEncoder struct {
	scores   []float64
	err      error
	calls    int
	gotQuery string
	gotTexts []string
}

func (s *stubEncoder) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	s.calls++
	s.gotQuery = query
	s.gotTexts = texts
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

func (s *stubEncoder) Model() string { return "stub-cross-encoder" }

func TestReranker_Rerank_OrdersByCrossEncoderScore(t *testing.T) {
	encoder := &stubEncoder{scores: []float64{0.2, 0.9, 0.5}}
	reranker := NewReranker(encoder, 0)

	candidates := []*SearchResult{
		{ChunkID: 1, ChunkText: "first"},
		{ChunkID: 2, ChunkText: "second"},
		{ChunkID: 3, ChunkText: "third"},
	}

	out, err := reranker.Rerank(context.Background(), "query", candidates, 10)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, int64(2), out[0].ChunkID)
	assert.Equal(t, int64(3), out[1].ChunkID)
	assert.Equal(t, int64(1), out[2].ChunkID)

	assert.Equal(t, "query", encoder.gotQuery)
	assert.Equal(t, []string{"first", "second", "third"}, encoder.gotTexts)
}

func TestReranker_Rerank_AttachesScoreAndOriginalRank(t *testing.T) {
	encoder := &stubEncoder{scores: []float64{0.2, 0.9}}
	reranker := NewReranker(encoder, 0)

	candidates := []*SearchResult{
		{ChunkID: 1, ChunkText: "first"},
		{ChunkID: 2, ChunkText: "second"},
	}

	out, err := reranker.Rerank(context.Background(), "query", candidates, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.NotNil(t, out[0].CrossEncoderScore)
	require.NotNil(t, out[0].OriginalRank)
	assert.Equal(t, 0.9, *out[0].CrossEncoderScore)
	assert.Equal(t, 1, *out[0].OriginalRank)

	// Inputs stay untouched; the stage works on clones.
	assert.Nil(t, candidates[0].CrossEncoderScore)
}

func TestReranker_Rerank_DropsBelowMinScore(t *testing.T) {
	encoder := &stubEncoder{scores: []float64{0.05, 0.9, 0.08}}
	reranker := NewReranker(encoder, 0.1)

	candidates := []*SearchResult{
		{ChunkID: 1, ChunkText: "a"},
		{ChunkID: 2, ChunkText: "b"},
		{ChunkID: 3, ChunkText: "c"},
	}

	out, err := reranker.Rerank(context.Background(), "query", candidates, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].ChunkID)
}

func TestReranker_Rerank_TruncatesToLimit(t *testing.T) {
	encoder := &stubEncoder{scores: []float64{0.9, 0.8, 0.7}}
	reranker := NewReranker(encoder, 0)

	candidates := []*SearchResult{
		{ChunkID: 1, ChunkText: "a"},
		{ChunkID: 2, ChunkText: "b"},
		{ChunkID: 3, ChunkText: "c"},
	}

	out, err := reranker.Rerank(context.Background(), "query", candidates, 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestReranker_Rerank_EncoderFailureIsFatal(t *testing.T) {
	encoder := &stubEncoder{err: errors.New("model unavailable")}
	reranker := NewReranker(encoder, 0)

	_, err := reranker.Rerank(context.Background(), "query", []*SearchResult{{ChunkID: 1, ChunkText: "a"}}, 10)
	assert.Error(t, err)
}

func TestReranker_Rerank_NilEncoderIsFatal(t *testing.T) {
	reranker := NewReranker(nil, 0)

	_, err := reranker.Rerank(context.Background(), "query", []*SearchResult{{ChunkID: 1, ChunkText: "a"}}, 10)
	assert.Error(t, err)
}

func TestReranker_RerankWithMinScore_OverridesFloor(t *testing.T) {
	encoder := &stubEncoder{scores: []float64{0.3, 0.6}}
	reranker := NewReranker(encoder, 0.1)

	candidates := []*SearchResult{
		{ChunkID: 1, ChunkText: "a"},
		{ChunkID: 2, ChunkText: "b"},
	}

	out, err := reranker.RerankWithMinScore(context.Background(), "query", candidates, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].ChunkID)
}

func TestHTTPCrossEncoder_Score(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what is RRF", req.Query)

		scores := make([]float64, len(req.Texts))
		for i := range scores {
			scores[i] = float64(i) / 10.0
		}
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: scores})
	}))
	defer srv.Close()

	encoder, err := NewHTTPCrossEncoder(CrossEncoderConfig{URL: srv.URL, Model: "bge-reranker"})
	require.NoError(t, err)

	scores, err := encoder.Score(context.Background(), "what is RRF", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.1, 0.2}, scores)
}

func TestHTTPCrossEncoder_Score_LengthMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.5}})
	}))
	defer srv.Close()

	encoder, err := NewHTTPCrossEncoder(CrossEncoderConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = encoder.Score(context.Background(), "q", []string{"a", "b"})
	assert.ErrorContains(t, err, "1 scores for 2 texts")
}

func TestHTTPCrossEncoder_Score_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	encoder, err := NewHTTPCrossEncoder(CrossEncoderConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = encoder.Score(context.Background(), "q", []string{"a"})
	assert.Error(t, err)
}

func TestNewHTTPCrossEncoder_RequiresURL(t *testing.T) {
	_, err := NewHTTPCrossEncoder(CrossEncoderConfig{})
	assert.Error(t, err)
}
