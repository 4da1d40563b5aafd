package embedding

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GenAIClient generates embeddings using Google's Gemini API.
type GenAIClient struct {
	client       *genai.Client
	model        string
	taskType     string
	dimension    int
	contextChars int
}

// GenAIConfig holds Gemini embedding configuration.
type GenAIConfig struct {
	APIKey       string
	Model        string // Default: gemini-embedding-001
	TaskType     string // Default: SEMANTIC_SIMILARITY
	Dimension    int    // Default: 768
	ContextChars int    // Default: 6000
}

// NewGenAIClient creates a new Gemini embedding client.
func NewGenAIClient(ctx context.Context, cfg GenAIConfig) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gemini-embedding-001"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	if cfg.ContextChars <= 0 {
		cfg.ContextChars = DefaultContextChars
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}

	var task string
	switch cfg.TaskType {
	case "SEMANTIC_SIMILARITY", "":
		task = "SEMANTIC_SIMILARITY"
	case "RETRIEVAL_DOCUMENT":
		task = "RETRIEVAL_DOCUMENT"
	case "RETRIEVAL_QUERY":
		task = "RETRIEVAL_QUERY"
	case "QUESTION_ANSWERING":
		task = "QUESTION_ANSWERING"
	default:
		task = "SEMANTIC_SIMILARITY"
	}

	return &GenAIClient{
		client:       client,
		model:        cfg.Model,
		taskType:     task,
		dimension:    cfg.Dimension,
		contextChars: cfg.ContextChars,
	}, nil
}

// Embed generates embeddings for multiple texts in one call; Gemini has
// native batch support. Blank texts yield a nil vector at their position.
func (c *GenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, len(texts))
	positions := make([]int, 0, len(texts))
	contents := make([]*genai.Content, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		positions = append(positions, i)
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}
	if len(contents) == 0 {
		return embeddings, nil
	}

	result, err := c.client.Models.EmbedContent(ctx,
		c.model,
		contents,
		&genai.EmbedContentConfig{
			TaskType: c.taskType,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) != len(positions) {
		return nil, fmt.Errorf("GenAI returned %d embeddings for %d inputs", len(result.Embeddings), len(positions))
	}

	for i, emb := range result.Embeddings {
		embeddings[positions[i]] = emb.Values
		if len(emb.Values) > 0 && c.dimension != len(emb.Values) {
			c.dimension = len(emb.Values)
		}
	}

	return embeddings, nil
}

// EmbedContextual embeds texts composed with their neighbor context.
func (c *GenAIClient) EmbedContextual(ctx context.Context, items []ContextualText) ([][]float32, error) {
	return c.Embed(ctx, composeAll(items, c.contextChars))
}

// Model returns the model being used.
func (c *GenAIClient) Model() string {
	return c.model
}

// Dimension returns the embedding dimension.
func (c *GenAIClient) Dimension() int {
	return c.dimension
}

// Close closes the underlying client. The genai client holds no
// resources that need closing.
func (c *GenAIClient) Close() error {
	return nil
}
