package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetic-labs/knowledge-core/internal/config"
	"github.com/noetic-labs/knowledge-core/internal/llm"
	"github.com/noetic-labs/knowledge-core/internal/retrieval"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

func newChatStore(t *testing.T) (*storage.Repositories, int64) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, storage.Migrate(context.Background(), db, storage.DialectSQLite, "../../db/migrations"))

	repos := storage.NewRepositories(db, storage.DialectSQLite)
	project := &storage.Project{Name: "chat-test", Description: "assembler tests"}
	require.NoError(t, repos.Projects.Create(context.Background(), project))
	return repos, project.ID
}

// stubRetriever returns a canned response and records how it was asked.
type stubRetriever struct {
	resp    *retrieval.SearchResponse
	err     error
	calls   int
	project int64
	query   string
	opts    retrieval.RerankedOptions
}

func (s *stubRetriever) SearchWithReranking(_ context.Context, projectID int64, query string, opts retrieval.RerankedOptions) (*retrieval.SearchResponse, error) {
	s.calls++
	s.project = projectID
	s.query = query
	s.opts = opts
	if s.err != nil {
		return nil, s.err
	}
	if s.resp == nil {
		return &retrieval.SearchResponse{Query: query}, nil
	}
	return s.resp, nil
}

// recordingModel wraps the scripted client to capture the turns and
// temperature each stream call received.
type recordingModel struct {
	*llm.ScriptedClient
	turns       []llm.Turn
	temperature float64
}

func (m *recordingModel) StreamWithTemperature(ctx context.Context, turns []llm.Turn, temperature float64, resultCh chan<- string) error {
	m.turns = turns
	m.temperature = temperature
	return m.ScriptedClient.StreamWithTemperature(ctx, turns, temperature, resultCh)
}

type eventLog struct {
	events []Event
}

func (l *eventLog) sink(ev Event) error {
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) byType(typ EventType) []Event {
	var out []Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func searchResults() *retrieval.SearchResponse {
	return &retrieval.SearchResponse{
		Results: []*retrieval.SearchResult{
			{ChunkID: 11, DocumentTitle: "Field Guide", ChunkText: "alpha facts", SimilarityScore: 0.91, ChunkMetadata: json.RawMessage(`{"page":3}`)},
			{ChunkID: 12, DocumentTitle: "Notebook", ChunkText: "beta facts", SimilarityScore: 0.72},
		},
		TotalResults: 2,
	}
}

func newTestAssembler(t *testing.T, repos *storage.Repositories, retriever Retriever, model Model) *Assembler {
	t.Helper()
	return NewAssembler(Deps{
		Retriever: retriever,
		Model:     model,
		Messages:  repos.ChatMessages,
	}, config.ChatConfig{MaxContextChunks: 4, MinSimilarity: 0.25, Temperature: 0.2, HistoryLimit: 10})
}

func TestStreamOrdersEventsAndPersists(t *testing.T) {
	repos, projectID := newChatStore(t)
	ctx := context.Background()

	retriever := &stubRetriever{resp: searchResults()}
	model := &recordingModel{ScriptedClient: llm.NewScriptedClient("Alpha is documented in the guide.")}
	asm := newTestAssembler(t, repos, retriever, model)

	var log eventLog
	err := asm.Stream(ctx, Request{ProjectID: projectID, Message: "tell me about alpha"}, log.sink)
	require.NoError(t, err)
	require.NotEmpty(t, log.events)

	// Chunk events open the stream, one per source with id and score.
	assert.Equal(t, []Event{
		{Type: EventChunk, ChunkID: 11, DocumentTitle: "Field Guide", Similarity: 0.91},
		{Type: EventChunk, ChunkID: 12, DocumentTitle: "Notebook", Similarity: 0.72},
	}, log.events[:2])

	// Token events reassemble the scripted answer exactly.
	var answer strings.Builder
	for _, ev := range log.byType(EventToken) {
		answer.WriteString(ev.Token)
	}
	assert.Equal(t, "Alpha is documented in the guide.", answer.String())

	// Done closes the stream with a minted conversation id and usage.
	done := log.events[len(log.events)-1]
	require.Equal(t, EventDone, done.Type)
	assert.NotEmpty(t, done.ConversationID)
	assert.Greater(t, done.TotalTokens, 0)
	assert.GreaterOrEqual(t, done.ProcessingTimeMs, int64(0))

	// Both turns persisted; the assistant carries the grounding refs.
	msgs, err := repos.ChatMessages.ListByConversation(ctx, done.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, storage.ChatRoleUser, msgs[0].Role)
	assert.Equal(t, "tell me about alpha", msgs[0].Content)
	assert.Equal(t, storage.ChatRoleAssistant, msgs[1].Role)
	assert.Equal(t, "Alpha is documented in the guide.", msgs[1].Content)
	assert.Greater(t, msgs[1].TokenCount, 0)

	var refs []int64
	require.NoError(t, json.Unmarshal(msgs[1].ChunkRefs, &refs))
	assert.Equal(t, []int64{11, 12}, refs)
}

func TestStreamPassesOptionsThrough(t *testing.T) {
	repos, projectID := newChatStore(t)

	retriever := &stubRetriever{resp: searchResults()}
	model := &recordingModel{ScriptedClient: llm.NewScriptedClient("ok")}
	asm := newTestAssembler(t, repos, retriever, model)

	var log eventLog
	req := Request{
		ProjectID:        projectID,
		Message:          "scoped question",
		MaxContextChunks: 2,
		MinSimilarity:    0.6,
		Temperature:      0.9,
	}
	require.NoError(t, asm.Stream(context.Background(), req, log.sink))

	assert.Equal(t, 1, retriever.calls)
	assert.Equal(t, projectID, retriever.project)
	assert.Equal(t, "scoped question", retriever.query)
	assert.Equal(t, 2, retriever.opts.Limit)
	assert.Equal(t, 0.6, retriever.opts.MinSimilarity)
	assert.Equal(t, 0.9, model.temperature)
}

func TestStreamDefaultsComeFromConfig(t *testing.T) {
	repos, projectID := newChatStore(t)

	retriever := &stubRetriever{resp: searchResults()}
	model := &recordingModel{ScriptedClient: llm.NewScriptedClient("ok")}
	asm := newTestAssembler(t, repos, retriever, model)

	var log eventLog
	require.NoError(t, asm.Stream(context.Background(), Request{ProjectID: projectID, Message: "plain"}, log.sink))

	assert.Equal(t, 4, retriever.opts.Limit)
	assert.Equal(t, 0.25, retriever.opts.MinSimilarity)
	assert.Equal(t, 0.2, model.temperature)
}

func TestStreamRAGOffSkipsRetrieval(t *testing.T) {
	repos, projectID := newChatStore(t)

	retriever := &stubRetriever{resp: searchResults()}
	model := &recordingModel{ScriptedClient: llm.NewScriptedClient("from memory alone")}
	asm := newTestAssembler(t, repos, retriever, model)

	off := false
	var log eventLog
	err := asm.Stream(context.Background(), Request{ProjectID: projectID, Message: "no grounding", UseRAG: &off}, log.sink)
	require.NoError(t, err)

	assert.Zero(t, retriever.calls)
	assert.Empty(t, log.byType(EventChunk))
	assert.Equal(t, EventToken, log.events[0].Type)

	done := log.events[len(log.events)-1]
	msgs, err := repos.ChatMessages.ListByConversation(context.Background(), done.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `[]`, string(msgs[1].ChunkRefs))
}

func TestStreamCarriesHistoryToModel(t *testing.T) {
	repos, projectID := newChatStore(t)
	ctx := context.Background()

	for _, m := range []*storage.ChatMessage{
		{ConversationID: "conv-7", ProjectID: projectID, Role: storage.ChatRoleUser, Content: "What is rank fusion?"},
		{ConversationID: "conv-7", ProjectID: projectID, Role: storage.ChatRoleAssistant, Content: "A way to merge ranked lists."},
	} {
		require.NoError(t, repos.ChatMessages.Create(ctx, m))
	}

	off := false
	model := &recordingModel{ScriptedClient: llm.NewScriptedClient("as said before")}
	asm := newTestAssembler(t, repos, &stubRetriever{}, model)

	var log eventLog
	req := Request{ProjectID: projectID, ConversationID: "conv-7", Message: "go on", UseRAG: &off}
	require.NoError(t, asm.Stream(ctx, req, log.sink))

	require.Len(t, model.turns, 4)
	assert.Equal(t, llm.RoleSystem, model.turns[0].Role)
	assert.Equal(t, llm.Turn{Role: llm.RoleUser, Text: "What is rank fusion?"}, model.turns[1])
	assert.Equal(t, llm.Turn{Role: llm.RoleAssistant, Text: "A way to merge ranked lists."}, model.turns[2])
	assert.Equal(t, llm.Turn{Role: llm.RoleUser, Text: "go on"}, model.turns[3])

	// The reply joined the same conversation.
	assert.Equal(t, "conv-7", log.events[len(log.events)-1].ConversationID)
	msgs, err := repos.ChatMessages.ListByConversation(ctx, "conv-7", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestStreamModelFailureEmitsErrorEvent(t *testing.T) {
	repos, projectID := newChatStore(t)

	scripted := llm.NewScriptedClient()
	scripted.Fail(errors.New("model offline"))
	asm := newTestAssembler(t, repos, &stubRetriever{resp: searchResults()}, &recordingModel{ScriptedClient: scripted})

	var log eventLog
	err := asm.Stream(context.Background(), Request{ProjectID: projectID, ConversationID: "conv-err", Message: "hello"}, log.sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model offline")

	last := log.events[len(log.events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Error, "model offline")
	assert.Empty(t, log.byType(EventDone))

	// A failed turn leaves no messages behind.
	msgs, err := repos.ChatMessages.ListByConversation(context.Background(), "conv-err", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStreamValidatesBeforeAnyEvent(t *testing.T) {
	repos, _ := newChatStore(t)
	asm := newTestAssembler(t, repos, &stubRetriever{}, &recordingModel{ScriptedClient: llm.NewScriptedClient("x")})

	var log eventLog
	err := asm.Stream(context.Background(), Request{ProjectID: 1, Message: "   "}, log.sink)
	require.Error(t, err)
	assert.Empty(t, log.events)

	err = asm.Stream(context.Background(), Request{Message: "hi"}, log.sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project id")
	assert.Empty(t, log.events)
}

func TestStreamSinkFailureStopsStreaming(t *testing.T) {
	repos, projectID := newChatStore(t)

	off := false
	model := &recordingModel{ScriptedClient: llm.NewScriptedClient("one two three four")}
	asm := newTestAssembler(t, repos, &stubRetriever{}, model)

	sent := 0
	sink := func(ev Event) error {
		if ev.Type == EventToken {
			sent++
			if sent > 1 {
				return errors.New("client went away")
			}
		}
		return nil
	}
	req := Request{ProjectID: projectID, ConversationID: "conv-gone", Message: "count", UseRAG: &off}
	err := asm.Stream(context.Background(), req, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client went away")

	// An aborted turn is not persisted.
	msgs, err := repos.ChatMessages.ListByConversation(context.Background(), "conv-gone", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFormatContextNumbersSources(t *testing.T) {
	sources := []*retrieval.SearchResult{
		{DocumentTitle: "Field Guide", ChunkText: "alpha facts", ChunkMetadata: json.RawMessage(`{"page":3}`)},
		{DocumentTitle: "Notebook", ChunkText: "beta facts"},
	}
	want := "[Source 1: Field Guide, Page 3] alpha facts\n---\n\n[Source 2: Notebook] beta facts"
	assert.Equal(t, want, formatContext(sources))
}

func TestBuildTurnsLayout(t *testing.T) {
	sources := []*retrieval.SearchResult{{DocumentTitle: "Guide", ChunkText: "alpha"}}
	history := []*storage.ChatMessage{
		{Role: storage.ChatRoleUser, Content: "first question"},
		{Role: storage.ChatRoleAssistant, Content: "first answer"},
	}
	turns := buildTurns("second question", sources, history)

	require.Len(t, turns, 4)
	assert.Equal(t, llm.RoleSystem, turns[0].Role)
	assert.Contains(t, turns[0].Text, "cite them inline")
	assert.Contains(t, turns[0].Text, "[Source 1: Guide] alpha")
	assert.Equal(t, llm.Turn{Role: llm.RoleUser, Text: "first question"}, turns[1])
	assert.Equal(t, llm.Turn{Role: llm.RoleAssistant, Text: "first answer"}, turns[2])
	assert.Equal(t, llm.Turn{Role: llm.RoleUser, Text: "second question"}, turns[3])
}
