package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://openrouter.ai/api/v1"
	defaultModel       = "anthropic/claude-sonnet-4"
	defaultVisionModel = "google/gemini-2.5-flash"
)

// Client handles communication with the OpenRouter chat completions API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	visionModel string
	temperature float64
	maxTokens   int
}

// Config holds chat client configuration.
type Config struct {
	APIKey      string
	Model       string // e.g., "anthropic/claude-sonnet-4"
	VisionModel string // model used for image transcription
	BaseURL     string // Default: https://openrouter.ai/api/v1
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewClient creates a new chat client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = defaultVisionModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Message represents a chat message.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image).
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message.
type ImageURL struct {
	URL string `json:"url"`
}

// Request represents the API request structure.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response represents the API response structure.
type Response struct {
	ID      string         `json:"id"`
	Choices []Choice       `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Delta        Delta  `json:"delta"`
	Message      Delta  `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Delta represents message content in both full and streaming responses.
type Delta struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseError represents an API error payload.
type ResponseError struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

// textMessage builds a single-part text message.
func textMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Type: "text", Text: text}}}
}

func turnsToMessages(turns []Turn) []Message {
	messages := make([]Message, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, textMessage(turn.Role, turn.Text))
	}
	return messages
}

// Complete sends a prompt and returns the full completion.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *Client) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, textMessage(RoleSystem, system))
	}
	messages = append(messages, textMessage(RoleUser, prompt))

	return c.completeRequest(ctx, &Request{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
}

// Stream sends a conversation and streams text deltas to resultCh until the
// model finishes. resultCh is left open for the caller.
func (c *Client) Stream(ctx context.Context, turns []Turn, resultCh chan<- string) error {
	return c.stream(ctx, turns, c.temperature, resultCh)
}

// StreamWithTemperature is Stream with a per-call sampling temperature.
// Values <= 0 fall back to the client default.
func (c *Client) StreamWithTemperature(ctx context.Context, turns []Turn, temperature float64, resultCh chan<- string) error {
	if temperature <= 0 {
		temperature = c.temperature
	}
	return c.stream(ctx, turns, temperature, resultCh)
}

func (c *Client) stream(ctx context.Context, turns []Turn, temperature float64, resultCh chan<- string) error {
	resp, err := c.send(ctx, &Request{
		Model:       c.model,
		Messages:    turnsToMessages(turns),
		Stream:      true,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := NewStreamParser(resp.Body).ParseAll(ctx, resultCh); err != nil {
		return fmt.Errorf("parse stream: %w", err)
	}
	return nil
}

// TranscribeImage sends a JPEG page image to the vision model and returns
// the transcription.
func (c *Client) TranscribeImage(ctx context.Context, jpegData []byte, prompt string) (string, error) {
	imageURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData)
	msg := Message{
		Role: RoleUser,
		Content: []ContentPart{
			{Type: "text", Text: prompt},
			{Type: "image_url", ImageURL: &ImageURL{URL: imageURL}},
		},
	}

	return c.completeRequest(ctx, &Request{
		Model:     c.visionModel,
		Messages:  []Message{msg},
		MaxTokens: c.maxTokens,
	})
}

// completeRequest executes a non-streaming request and returns the first
// choice's content.
func (c *Client) completeRequest(ctx context.Context, reqBody *Request) (string, error) {
	resp, err := c.send(ctx, reqBody)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("API error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("no completion returned")
	}

	return strings.TrimSpace(apiResp.Choices[0].Message.Content), nil
}

// send posts the request with retry and returns a response with status 200.
func (c *Client) send(ctx context.Context, reqBody *Request) (*http.Response, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		// Rebuild the request per attempt; the body reader is consumed.
		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("HTTP-Referer", "https://noetic-labs.dev")
		req.Header.Set("X-Title", "Knowledge Core")

		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return resp, nil
}

// Model returns the chat model being used.
func (c *Client) Model() string {
	return c.model
}

// Ensure implementations satisfy the interfaces.
var (
	_ Completer = (*Client)(nil)
	_ Streamer  = (*Client)(nil)
	_ Completer = (*GenAIClient)(nil)
	_ Streamer  = (*GenAIClient)(nil)
	_ Completer = (*ScriptedClient)(nil)
	_ Streamer  = (*ScriptedClient)(nil)
)
