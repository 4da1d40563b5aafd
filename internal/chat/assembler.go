package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noetic-labs/knowledge-core/internal/config"
	"github.com/noetic-labs/knowledge-core/internal/llm"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/retrieval"
	"github.com/noetic-labs/knowledge-core/internal/scrape"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

const (
	defaultContextChunks = 5
	defaultHistoryLimit  = 20

	// streamBuffer holds model deltas while the previous one is being
	// written to the consumer.
	streamBuffer = 32
)

// systemPreamble primes the model for grounded answers. Source blocks
// are appended beneath it when retrieval ran.
const systemPreamble = `You are a research assistant answering from a project knowledge base.
Ground every claim in the provided source excerpts and cite them inline as [Source N].
When the excerpts do not cover the question, say what is missing instead of guessing.`

// Retriever is the slice of the retrieval coordinator replies are
// grounded with. *retrieval.Coordinator satisfies it.
type Retriever interface {
	SearchWithReranking(ctx context.Context, projectID int64, query string, opts retrieval.RerankedOptions) (*retrieval.SearchResponse, error)
}

// Model is the chat-model surface the assembler consumes: blocking
// completion for agent mode and tempered streaming for replies.
// *llm.Client, *llm.GenAIClient and *llm.ScriptedClient satisfy it.
type Model interface {
	llm.Completer
	StreamWithTemperature(ctx context.Context, turns []llm.Turn, temperature float64, resultCh chan<- string) error
}

// MessageStore persists conversation turns.
// *storage.ChatMessageRepository satisfies it.
type MessageStore interface {
	Create(ctx context.Context, msg *storage.ChatMessage) error
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]*storage.ChatMessage, error)
}

// CategoryStore is the category persistence agent mode writes through.
// *storage.CategoryRepository satisfies it.
type CategoryStore interface {
	Upsert(ctx context.Context, cat *storage.Category) error
}

// Request is one user turn. An empty ConversationID starts a new
// conversation; zero option values fall back to the configured
// defaults. RAG is on unless UseRAG is explicitly false.
type Request struct {
	ProjectID        int64
	ConversationID   string
	Message          string
	UseRAG           *bool
	MaxContextChunks int
	MinSimilarity    float64
	Temperature      float64
}

// Deps bundles the assembler's collaborators. Retriever may be nil
// only when every request turns RAG off; Crawler and Categories are
// needed for agent mode only.
type Deps struct {
	Retriever  Retriever
	Model      Model
	Messages   MessageStore
	Crawler    *scrape.Crawler
	Categories CategoryStore
	Logger     *observability.Logger
}

// Assembler runs the RAG chat flow end to end: history, grounding,
// prompt assembly, streaming, persistence.
type Assembler struct {
	retriever  Retriever
	model      Model
	messages   MessageStore
	crawler    *scrape.Crawler
	categories CategoryStore
	cfg        config.ChatConfig
	logger     *observability.Logger
	now        func() time.Time
}

// NewAssembler creates an assembler with the given collaborators.
func NewAssembler(deps Deps, cfg config.ChatConfig) *Assembler {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.MaxContextChunks <= 0 {
		cfg.MaxContextChunks = defaultContextChunks
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Assembler{
		retriever:  deps.Retriever,
		model:      deps.Model,
		messages:   deps.Messages,
		crawler:    deps.Crawler,
		categories: deps.Categories,
		cfg:        cfg,
		logger:     logger.WithComponent("chat"),
		now:        time.Now,
	}
}

// Stream answers one user turn, emitting events to sink in order: one
// chunk event per retrieved source, a token event per model delta, and
// a terminal done event carrying the conversation id, estimated usage
// and timing. Failures after validation emit an error event and return
// the error. The exchange is persisted before done is emitted, so a
// done event means the turn is durable.
func (a *Assembler) Stream(ctx context.Context, req Request, sink Sink) error {
	start := a.now()

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return errors.New("empty message")
	}
	if req.ProjectID <= 0 {
		return errors.New("project id required")
	}
	if a.model == nil {
		return errors.New("no chat model configured")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	history, err := a.messages.ListByConversation(ctx, conversationID, a.cfg.HistoryLimit)
	if err != nil {
		return a.fail(sink, fmt.Errorf("load history: %w", err))
	}

	sources, err := a.retrieveContext(ctx, req, message)
	if err != nil {
		return a.fail(sink, err)
	}
	for _, src := range sources {
		ev := Event{
			Type:          EventChunk,
			ChunkID:       src.ChunkID,
			DocumentTitle: src.DocumentTitle,
			Similarity:    src.SimilarityScore,
		}
		if err := sink(ev); err != nil {
			return fmt.Errorf("emit chunk event: %w", err)
		}
	}

	turns := buildTurns(message, sources, history)
	answer, err := a.streamModel(ctx, turns, a.temperature(req), sink)
	if err != nil {
		return err
	}

	promptTokens := estimateTokens(promptText(turns))
	completionTokens := estimateTokens(answer)
	if err := a.persist(ctx, conversationID, req.ProjectID, message, answer, sources); err != nil {
		return a.fail(sink, fmt.Errorf("persist conversation: %w", err))
	}

	elapsed := a.now().Sub(start)
	done := Event{
		Type:             EventDone,
		ConversationID:   conversationID,
		TotalTokens:      promptTokens + completionTokens,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
	if err := sink(done); err != nil {
		return fmt.Errorf("emit done event: %w", err)
	}

	a.logger.Info().
		Str("conversation_id", conversationID).
		Int64("project_id", req.ProjectID).
		Int("sources", len(sources)).
		Int("tokens", promptTokens+completionTokens).
		Dur("elapsed", elapsed).
		Msg("Chat turn answered")
	return nil
}

// retrieveContext runs the reranked pipeline for the message unless
// the request turns RAG off.
func (a *Assembler) retrieveContext(ctx context.Context, req Request, message string) ([]*retrieval.SearchResult, error) {
	if req.UseRAG != nil && !*req.UseRAG {
		return nil, nil
	}
	if a.retriever == nil {
		return nil, errors.New("no retriever configured")
	}

	limit := req.MaxContextChunks
	if limit <= 0 {
		limit = a.cfg.MaxContextChunks
	}
	minSim := req.MinSimilarity
	if minSim <= 0 {
		minSim = a.cfg.MinSimilarity
	}

	resp, err := a.retriever.SearchWithReranking(ctx, req.ProjectID, message, retrieval.RerankedOptions{
		Limit:         limit,
		MinSimilarity: minSim,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}
	return resp.Results, nil
}

// streamModel runs the model stream, forwarding every delta as a token
// event, and returns the assembled answer. Model failures emit the
// terminal error event here; a sink failure cancels the model call and
// is returned without one, the consumer being gone.
func (a *Assembler) streamModel(ctx context.Context, turns []llm.Turn, temperature float64, sink Sink) (string, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deltas := make(chan string, streamBuffer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.model.StreamWithTemperature(streamCtx, turns, temperature, deltas)
		close(deltas)
	}()

	var answer strings.Builder
	var sinkErr error
	for delta := range deltas {
		if sinkErr != nil {
			continue // drain so the producer never blocks
		}
		answer.WriteString(delta)
		if err := sink(Event{Type: EventToken, Token: delta}); err != nil {
			sinkErr = err
			cancel()
		}
	}
	modelErr := <-errCh

	if sinkErr != nil {
		return "", fmt.Errorf("emit token event: %w", sinkErr)
	}
	if modelErr != nil {
		return "", a.fail(sink, fmt.Errorf("chat model: %w", modelErr))
	}
	return answer.String(), nil
}

// persist stores both turns of the exchange. The assistant message
// carries the grounding chunk ids; token counts are estimates, the
// streaming surface exposes no provider usage record.
func (a *Assembler) persist(ctx context.Context, conversationID string, projectID int64, message, answer string, sources []*retrieval.SearchResult) error {
	userMsg := &storage.ChatMessage{
		ConversationID: conversationID,
		ProjectID:      projectID,
		Role:           storage.ChatRoleUser,
		Content:        message,
		TokenCount:     estimateTokens(message),
	}
	if err := a.messages.Create(ctx, userMsg); err != nil {
		return err
	}

	refs := make([]int64, 0, len(sources))
	for _, src := range sources {
		refs = append(refs, src.ChunkID)
	}
	chunkRefs, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	assistantMsg := &storage.ChatMessage{
		ConversationID: conversationID,
		ProjectID:      projectID,
		Role:           storage.ChatRoleAssistant,
		Content:        answer,
		ChunkRefs:      chunkRefs,
		TokenCount:     estimateTokens(answer),
	}
	return a.messages.Create(ctx, assistantMsg)
}

// fail emits a terminal error event, best effort, and returns err.
func (a *Assembler) fail(sink Sink, err error) error {
	if sinkErr := sink(Event{Type: EventError, Error: err.Error()}); sinkErr != nil {
		a.logger.Debug().Err(sinkErr).Msg("error event undelivered")
	}
	return err
}

func (a *Assembler) temperature(req Request) float64 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return a.cfg.Temperature
}

// buildTurns lays out the conversation for the model: the grounding
// preamble (with source excerpts when any were retrieved), the stored
// history, then the current message.
func buildTurns(message string, sources []*retrieval.SearchResult, history []*storage.ChatMessage) []llm.Turn {
	system := systemPreamble
	if len(sources) > 0 {
		system += "\n\nSource excerpts:\n\n" + formatContext(sources)
	}

	turns := make([]llm.Turn, 0, len(history)+2)
	turns = append(turns, llm.Turn{Role: llm.RoleSystem, Text: system})
	for _, msg := range history {
		turns = append(turns, llm.Turn{Role: turnRole(msg.Role), Text: msg.Content})
	}
	return append(turns, llm.Turn{Role: llm.RoleUser, Text: message})
}

// formatContext renders retrieved chunks as numbered source blocks,
// `[Source i: title, Page N] <text>`, with the page omitted when the
// chunk has none.
func formatContext(sources []*retrieval.SearchResult) string {
	blocks := make([]string, 0, len(sources))
	for i, src := range sources {
		header := fmt.Sprintf("[Source %d: %s", i+1, src.DocumentTitle)
		if page := chunkPage(src.ChunkMetadata); page > 0 {
			header += fmt.Sprintf(", Page %d", page)
		}
		blocks = append(blocks, header+"] "+src.ChunkText)
	}
	return strings.Join(blocks, "\n---\n\n")
}

// chunkPage pulls the page number out of chunk metadata, 0 when absent.
func chunkPage(meta json.RawMessage) int {
	if len(meta) == 0 {
		return 0
	}
	var fields struct {
		Page int `json:"page"`
	}
	if err := json.Unmarshal(meta, &fields); err != nil {
		return 0
	}
	return fields.Page
}

func turnRole(role storage.ChatRole) string {
	if role == storage.ChatRoleAssistant {
		return llm.RoleAssistant
	}
	return llm.RoleUser
}

// estimateTokens approximates usage at four characters per token; the
// streaming surface exposes no provider usage record to report instead.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func promptText(turns []llm.Turn) string {
	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(turn.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}
