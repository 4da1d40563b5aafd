package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client generates embeddings through the OpenRouter API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	model        string
	dimension    int
	contextChars int
}

// Config holds embedding client configuration.
type Config struct {
	APIKey       string
	Model        string // e.g., "qwen/qwen3-embedding-8b"
	BaseURL      string // Default: https://openrouter.ai/api/v1
	Dimension    int    // Default: 768
	ContextChars int    // Budget for contextual composition, default 6000
	Timeout      time.Duration
}

// NewClient creates a new embedding client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}

	if cfg.Model == "" {
		cfg.Model = "qwen/qwen3-embedding-8b"
	}

	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}

	if cfg.ContextChars <= 0 {
		cfg.ContextChars = DefaultContextChars
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		dimension:    cfg.Dimension,
		contextChars: cfg.ContextChars,
	}, nil
}

// EmbeddingRequest represents a request to generate embeddings.
type EmbeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// EmbeddingResponse represents the API response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  EmbeddingUsage  `json:"usage"`
	Error  *EmbeddingError `json:"error,omitempty"`
}

// EmbeddingData contains the embedding vector.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// EmbeddingUsage contains token usage information.
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// EmbeddingError represents an API error.
type EmbeddingError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Embed generates embeddings for the given texts. Blank texts yield a nil
// vector at their position and are never sent to the API.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, len(texts))
	positions := make([]int, 0, len(texts))
	input := make([]string, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		positions = append(positions, i)
		input = append(input, text)
	}
	if len(input) == 0 {
		return embeddings, nil
	}

	body, err := c.post(ctx, EmbeddingRequest{Input: input, Model: c.model})
	if err != nil {
		return nil, err
	}

	var embResp EmbeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	// Responses carry an index into the request input; map it back to the
	// caller's positions so blank texts keep their nil slot.
	for _, data := range embResp.Data {
		if data.Index < 0 || data.Index >= len(positions) {
			continue
		}
		embeddings[positions[data.Index]] = data.Embedding
		if len(data.Embedding) > 0 && c.dimension != len(data.Embedding) {
			c.dimension = len(data.Embedding)
		}
	}

	return embeddings, nil
}

// EmbedContextual embeds texts composed with their neighbor context.
func (c *Client) EmbedContextual(ctx context.Context, items []ContextualText) ([][]float32, error) {
	return c.Embed(ctx, composeAll(items, c.contextChars))
}

// post sends the request, retrying transient upstream failures.
func (c *Client) post(ctx context.Context, reqBody EmbeddingRequest) ([]byte, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("HTTP-Referer", "https://noetic-labs.dev")
		req.Header.Set("X-Title", "Knowledge Core")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("send request: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		var errResp EmbeddingResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
			lastErr = fmt.Errorf("API error: %s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		} else {
			lastErr = fmt.Errorf("API error: status %d, body: %s", resp.StatusCode, string(body))
		}

		if !retryableStatus(resp.StatusCode) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// EmbedSingle generates an embedding for a single text.
func (c *Client) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// Model returns the model being used.
func (c *Client) Model() string {
	return c.model
}

// Dimension returns the embedding dimension.
func (c *Client) Dimension() int {
	return c.dimension
}

// Ensure implementations satisfy the interface.
var (
	_ Embedder = (*Client)(nil)
	_ Embedder = (*GenAIClient)(nil)
	_ Embedder = (*CachedEmbedder)(nil)
	_ Embedder = (*MockClient)(nil)
)
