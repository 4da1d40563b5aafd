// Package llm provides chat-model clients used across knowledge-core:
// an OpenRouter HTTP client with SSE streaming, a Gemini client on the
// official SDK, and helpers for pulling structured JSON out of model
// responses.
package llm

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of a conversation in provider-neutral form.
type Turn struct {
	Role string
	Text string
}

// Completer is the minimal completion surface pipeline components consume.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, system, prompt string) (string, error)
}

// Streamer generates a completion incrementally, sending text deltas to
// resultCh. The channel is not closed by the implementation.
type Streamer interface {
	Stream(ctx context.Context, turns []Turn, resultCh chan<- string) error
}
