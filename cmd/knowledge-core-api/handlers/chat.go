package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/noetic-labs/knowledge-core/internal/chat"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/scrape"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

// ChatService streams chat turns. *engine.Engine satisfies it.
type ChatService interface {
	Chat(ctx context.Context, req engine.ChatRequest, sink engine.ChatSink) error
	ChatAgent(ctx context.Context, req engine.AgentRequest, sink engine.ChatSink) error
}

// ChatHandler handles streaming chat requests.
type ChatHandler struct {
	logger  *observability.Logger
	service ChatService
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(logger *observability.Logger, service ChatService) *ChatHandler {
	return &ChatHandler{logger: logger, service: service}
}

// ChatRequestDTO is the body of POST /api/v1/chat.
type ChatRequestDTO struct {
	ProjectID        int64   `json:"project_id"`
	ConversationID   string  `json:"conversation_id,omitempty"`
	Message          string  `json:"message"`
	UseRAG           *bool   `json:"use_rag,omitempty"`
	MaxContextChunks int     `json:"max_context_chunks,omitempty"`
	MinSimilarity    float64 `json:"min_similarity,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
}

// AgentChatRequestDTO is the body of POST /api/v1/chat/agent.
type AgentChatRequestDTO struct {
	ProjectID int64  `json:"project_id"`
	SeedURL   string `json:"seed_url"`
	Engine    string `json:"engine,omitempty"`
}

// Chat handles POST /api/v1/chat, streaming the turn as server-sent
// events: chunk events for the grounding sources, a token event per
// model delta, one terminal done or error event.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var dto ChatRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if dto.ProjectID <= 0 {
		writeError(w, http.StatusBadRequest, "project_id is required", "")
		return
	}
	if strings.TrimSpace(dto.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required", "")
		return
	}

	req := engine.ChatRequest{
		ProjectID:        dto.ProjectID,
		ConversationID:   dto.ConversationID,
		Message:          dto.Message,
		UseRAG:           dto.UseRAG,
		MaxContextChunks: dto.MaxContextChunks,
		MinSimilarity:    dto.MinSimilarity,
		Temperature:      dto.Temperature,
	}

	h.stream(w, r, func(ctx context.Context, sink engine.ChatSink) error {
		return h.service.Chat(ctx, req, sink)
	})
}

// ChatAgent handles POST /api/v1/chat/agent: crawl the seed page and
// build the project's category tree, streaming agent status events.
func (h *ChatHandler) ChatAgent(w http.ResponseWriter, r *http.Request) {
	var dto AgentChatRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if dto.ProjectID <= 0 {
		writeError(w, http.StatusBadRequest, "project_id is required", "")
		return
	}
	if strings.TrimSpace(dto.SeedURL) == "" {
		writeError(w, http.StatusBadRequest, "seed_url is required", "")
		return
	}

	req := engine.AgentRequest{
		ProjectID: dto.ProjectID,
		SeedURL:   dto.SeedURL,
		Engine:    scrape.EngineName(dto.Engine),
	}

	h.stream(w, r, func(ctx context.Context, sink engine.ChatSink) error {
		return h.service.ChatAgent(ctx, req, sink)
	})
}

// stream runs one producer against an SSE sink. Failures before the
// first event still get a JSON error response; once the stream has
// started the producer's own error event is the last word.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, produce func(context.Context, engine.ChatSink) error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sw := chat.NewSSEWriter(w)
	streamed := false
	sink := func(ev chat.Event) error {
		streamed = true
		return sw.Send(ev)
	}

	err := produce(r.Context(), sink)
	if err == nil {
		return
	}
	if !streamed {
		// Headers are still unsent, so the JSON error replaces the
		// stream content type.
		writeError(w, http.StatusInternalServerError, "chat failed", err.Error())
		return
	}
	h.logger.Error().Err(err).Msg("Chat stream aborted")
}
