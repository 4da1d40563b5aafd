package embedding

import (
	"context"
	"math"
	"strings"
)

// MockClient provides a deterministic embedding client for testing.
type MockClient struct {
	dimension int
}

// NewMockClient creates a mock client that generates hash-based embeddings.
func NewMockClient(dimension int) *MockClient {
	if dimension <= 0 {
		dimension = 768
	}
	return &MockClient{dimension: dimension}
}

// Embed generates deterministic embeddings: each rune contributes to one
// component, so equal texts always map to equal unit vectors.
func (c *MockClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		vec := make([]float32, c.dimension)
		for j, char := range text {
			vec[j%c.dimension] += float32(char) / 1000.0
		}
		embeddings[i] = normalize(vec)
	}
	return embeddings, nil
}

// EmbedContextual embeds texts composed with their neighbor context.
func (c *MockClient) EmbedContextual(ctx context.Context, items []ContextualText) ([][]float32, error) {
	return c.Embed(ctx, composeAll(items, DefaultContextChars))
}

// EmbedSingle generates a mock embedding for a single text.
func (c *MockClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// Model returns the mock model name.
func (c *MockClient) Model() string {
	return "mock-embedding-model"
}

// Dimension returns the embedding dimension.
func (c *MockClient) Dimension() int {
	return c.dimension
}

func normalize(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	norm := float32(1.0) / float32(math.Sqrt(float64(sum)))
	for i := range v {
		v[i] *= norm
	}
	return v
}
