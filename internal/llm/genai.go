package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GenAIClient generates completions using Google's Gemini API.
type GenAIClient struct {
	client      *genai.Client
	model       string
	temperature float64
	maxTokens   int
}

// GenAIConfig holds Gemini chat configuration.
type GenAIConfig struct {
	APIKey      string
	Model       string // Default: gemini-2.5-flash
	Temperature float64
	MaxTokens   int // Default: 4096
}

// NewGenAIClient creates a new Gemini chat client.
func NewGenAIClient(ctx context.Context, cfg GenAIConfig) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}

	return &GenAIClient{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (c *GenAIClient) generationConfig(system string, temperature float64) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(temperature)),
		MaxOutputTokens: int32(c.maxTokens),
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return config
}

// Complete sends a prompt and returns the full completion.
func (c *GenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *GenAIClient) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, c.generationConfig(system, c.temperature))
	if err != nil {
		return "", fmt.Errorf("GenAI completion failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("no completion returned")
	}
	return text, nil
}

// Stream sends a conversation and streams text deltas to resultCh.
func (c *GenAIClient) Stream(ctx context.Context, turns []Turn, resultCh chan<- string) error {
	return c.stream(ctx, turns, c.temperature, resultCh)
}

// StreamWithTemperature is Stream with a per-call sampling temperature.
// Values <= 0 fall back to the client default.
func (c *GenAIClient) StreamWithTemperature(ctx context.Context, turns []Turn, temperature float64, resultCh chan<- string) error {
	if temperature <= 0 {
		temperature = c.temperature
	}
	return c.stream(ctx, turns, temperature, resultCh)
}

func (c *GenAIClient) stream(ctx context.Context, turns []Turn, temperature float64, resultCh chan<- string) error {
	contents, system := turnsToContents(turns)

	for chunk, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, c.generationConfig(system, temperature)) {
		if err != nil {
			return fmt.Errorf("GenAI stream failed: %w", err)
		}
		text := chunk.Text()
		if text == "" {
			continue
		}
		select {
		case resultCh <- text:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TranscribeImage sends a JPEG page image and returns the transcription.
func (c *GenAIClient) TranscribeImage(ctx context.Context, jpegData []byte, prompt string) (string, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(jpegData, "image/jpeg"),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, c.generationConfig("", c.temperature))
	if err != nil {
		return "", fmt.Errorf("GenAI transcription failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("no transcription returned")
	}
	return text, nil
}

// turnsToContents converts provider-neutral turns to Gemini contents.
// System turns are folded into the system instruction.
func turnsToContents(turns []Turn) ([]*genai.Content, string) {
	contents := make([]*genai.Content, 0, len(turns))
	var system []string
	for _, turn := range turns {
		switch turn.Role {
		case RoleSystem:
			system = append(system, turn.Text)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n\n")
}

// Model returns the chat model being used.
func (c *GenAIClient) Model() string {
	return c.model
}

// Close closes the underlying client. The genai client holds no
// resources that need closing.
func (c *GenAIClient) Close() error {
	return nil
}
