// Package chat assembles retrieval-augmented replies: it grounds a
// user message in reranked chunks, streams model tokens as ordered
// events, and persists the exchange. An agent mode derives a category
// tree for the project from a crawled page instead of answering.
package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// EventType discriminates stream frames.
type EventType string

// Event types in the order a stream may emit them: context chunks
// first, then tokens (or agent statuses and artifacts), then exactly
// one terminal done or error.
const (
	EventChunk           EventType = "chunk"
	EventToken           EventType = "token"
	EventAgentStatus     EventType = "agent_status"
	EventArtifactCreated EventType = "artifact_created"
	EventDone            EventType = "done"
	EventError           EventType = "error"
)

// Event is one frame of a chat stream. Only the fields belonging to
// its type are set.
type Event struct {
	Type             EventType `json:"type"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	ChunkID          int64     `json:"chunk_id,omitempty"`
	DocumentTitle    string    `json:"document_title,omitempty"`
	Similarity       float64   `json:"similarity,omitempty"`
	Token            string    `json:"token,omitempty"`
	Message          string    `json:"message,omitempty"`
	Artifact         string    `json:"artifact,omitempty"`
	ArtifactID       int64     `json:"artifact_id,omitempty"`
	Name             string    `json:"name,omitempty"`
	TotalTokens      int       `json:"total_tokens,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Sink consumes stream events in emission order. A sink error means
// the consumer is gone; the producer stops.
type Sink func(Event) error

// SSEWriter frames events as server-sent events: one `data: <json>`
// line and a blank line per event, flushed immediately when the
// writer supports it.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w, detecting flush support.
func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Send writes one event frame.
func (s *SSEWriter) Send(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Sink adapts the writer to the producer-side contract.
func (s *SSEWriter) Sink() Sink { return s.Send }
