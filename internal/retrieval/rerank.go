package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CrossEncoder scores (query, text) pairs jointly. Scores are relevance
// probabilities in [0, 1].
type CrossEncoder interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
	Model() string
}

// HTTPCrossEncoder talks to a cross-encoder serving endpoint. The
// endpoint accepts a batch of texts for one query and returns one score
// per text, in order.
type HTTPCrossEncoder struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// CrossEncoderConfig holds cross-encoder client configuration.
type CrossEncoderConfig struct {
	URL     string
	Model   string
	Timeout time.Duration
}

// NewHTTPCrossEncoder creates a client for a reranker service.
func NewHTTPCrossEncoder(cfg CrossEncoderConfig) (*HTTPCrossEncoder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("reranker URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCrossEncoder{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.URL,
		model:      cfg.Model,
	}, nil
}

type rerankRequest struct {
	Model string   `json:"model,omitempty"`
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
	Error  string    `json:"error,omitempty"`
}

// Score sends one scoring batch to the service.
func (c *HTTPCrossEncoder) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal rerank response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("reranker error: %s", parsed.Error)
	}
	if len(parsed.Scores) != len(texts) {
		return nil, fmt.Errorf("reranker returned %d scores for %d texts", len(parsed.Scores), len(texts))
	}
	return parsed.Scores, nil
}

// Model returns the cross-encoder model name.
func (c *HTTPCrossEncoder) Model() string { return c.model }

// Reranker applies cross-encoder scores to a candidate list. Unlike the
// optional stages, a reranker failure is fatal to the query: the caller
// asked for cross-encoder precision and must not silently get RRF order
// instead.
type Reranker struct {
	encoder  CrossEncoder
	minScore float64
}

// NewReranker builds the rerank stage. minScore drops candidates the
// cross-encoder considers irrelevant regardless of their fused rank.
func NewReranker(encoder CrossEncoder, minScore float64) *Reranker {
	return &Reranker{encoder: encoder, minScore: minScore}
}

// Rerank scores every (query, chunk text) pair, drops candidates below
// the score floor, and returns the top limit results ordered by
// cross-encoder score. Each kept result carries its score and the rank
// it held before reranking.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []*SearchResult, limit int) ([]*SearchResult, error) {
	return r.rerank(ctx, query, candidates, limit, r.minScore)
}

// RerankWithMinScore overrides the score floor for one request. A zero
// floor keeps the configured default.
func (r *Reranker) RerankWithMinScore(ctx context.Context, query string, candidates []*SearchResult, limit int, minScore float64) ([]*SearchResult, error) {
	if minScore <= 0 {
		minScore = r.minScore
	}
	return r.rerank(ctx, query, candidates, limit, minScore)
}

func (r *Reranker) rerank(ctx context.Context, query string, candidates []*SearchResult, limit int, minScore float64) ([]*SearchResult, error) {
	if r.encoder == nil {
		return nil, fmt.Errorf("no cross-encoder configured")
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.ChunkText
	}

	scores, err := r.encoder.Score(ctx, query, texts)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder: %w", err)
	}

	reranked := make([]*SearchResult, 0, len(candidates))
	for i, c := range candidates {
		if scores[i] < minScore {
			continue
		}
		res := cloneResult(c)
		score := scores[i]
		rank := i
		res.CrossEncoderScore = &score
		res.OriginalRank = &rank
		reranked = append(reranked, res)
	}

	sortByScore(reranked, func(s *SearchResult) float64 { return *s.CrossEncoderScore })
	return truncateResults(reranked, limit), nil
}
