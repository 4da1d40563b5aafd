package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetic-labs/knowledge-core/internal/config"
	"github.com/noetic-labs/knowledge-core/internal/embedding"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/retrieval"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.SQLite.Path = ":memory:"
	cfg.Database.SQLite.JournalMode = ""
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimension = 8
	cfg.Reranker.URL = ""
	cfg.Crawler.PolitenessDelay = 0
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	eng, err := Open(context.Background(), testConfig(), observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})

	require.NoError(t, eng.Migrate(context.Background(), "../../db/migrations"))
	return eng
}

// seedChunks stores pre-embedded chunks directly, bypassing the
// pipeline, and warms the project's indexes. The vectors come from the
// same mock the engine embeds queries with, so searching for a chunk's
// exact text scores similarity 1.
func seedChunks(t *testing.T, eng *Engine, projectID int64, texts ...string) *storage.Document {
	t.Helper()
	ctx := context.Background()

	doc := &storage.Document{
		ProjectID:     projectID,
		Title:         "Field Notes",
		SourceKind:    storage.SourceKindText,
		SourceLocator: "inline",
		Status:        storage.DocumentStatusCompleted,
	}
	require.NoError(t, eng.Repos().Documents.Create(ctx, doc))

	vecs, err := embedding.NewMockClient(8).Embed(ctx, texts)
	require.NoError(t, err)
	chunks := make([]*storage.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &storage.Chunk{
			DocumentID:   doc.ID,
			ProjectID:    projectID,
			ChunkIndex:   i,
			Text:         text,
			Embedding:    vecs[i],
			HasEmbedding: true,
		}
	}
	require.NoError(t, eng.Repos().Chunks.ReplaceForDocument(ctx, doc.ID, chunks))
	require.NoError(t, eng.RebuildIndex(ctx, projectID))
	return doc
}

// waitForJob drains a job's progress stream and returns its terminal
// event.
func waitForJob(t *testing.T, eng *Engine, jobID string) ProgressEvent {
	t.Helper()
	events, ok := eng.Progress(jobID)
	require.True(t, ok, "job %s has no progress stream", jobID)

	var last ProgressEvent
	timeout := time.After(30 * time.Second)
	for {
		select {
		case ev, open := <-events:
			if !open {
				require.True(t, last.Terminal(), "stream closed without a terminal event")
				return last
			}
			last = ev
		case <-timeout:
			t.Fatalf("job %s did not finish; last state %s %q", jobID, last.State, last.Message)
		}
	}
}

func TestOpenNilConfig(t *testing.T) {
	_, err := Open(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestSearchValidation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Search(ctx, SearchParams{Query: "anything"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = eng.Search(ctx, SearchParams{ProjectID: 1, Query: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = eng.Search(ctx, SearchParams{ProjectID: 1, Query: "anything", Mode: "fuzzy"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "fuzzy")
}

func TestEnsureProject(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.EnsureProject(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	created, err := eng.EnsureProject(ctx, "handbook")
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	again, err := eng.EnsureProject(ctx, "handbook")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	other, err := eng.EnsureProject(ctx, "scratch")
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)
}

func TestSearchSparseNeedsWarmIndex(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	project, err := eng.EnsureProject(ctx, "cold")
	require.NoError(t, err)

	_, err = eng.Search(ctx, SearchParams{ProjectID: project.ID, Query: "anything", Mode: retrieval.ModeSparse})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sparse index not built")
	assert.False(t, errors.Is(err, ErrInvalidRequest), "an unwarmed index is a server-side condition")
}

func TestSearchModes(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	project, err := eng.EnsureProject(ctx, "handbook")
	require.NoError(t, err)

	texts := []string{
		"reciprocal rank fusion merges ranked candidate lists",
		"politeness delay throttles the crawler between fetches",
	}
	seedChunks(t, eng, project.ID, texts...)

	t.Run("dense", func(t *testing.T) {
		resp, err := eng.Search(ctx, SearchParams{ProjectID: project.ID, Query: texts[0], Mode: retrieval.ModeDense})
		require.NoError(t, err)
		assert.Equal(t, retrieval.ModeDense, resp.FiltersApplied["mode"])
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, texts[0], resp.Results[0].ChunkText)
		assert.Equal(t, retrieval.SourceDense, resp.Results[0].Source)
		assert.InDelta(t, 1.0, resp.Results[0].SimilarityScore, 1e-3)
	})

	t.Run("sparse", func(t *testing.T) {
		resp, err := eng.Search(ctx, SearchParams{ProjectID: project.ID, Query: "politeness crawler", Mode: retrieval.ModeSparse})
		require.NoError(t, err)
		assert.Equal(t, retrieval.ModeSparse, resp.FiltersApplied["mode"])
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, texts[1], resp.Results[0].ChunkText)
		assert.Greater(t, resp.Results[0].SparseScore, 0.0)
	})

	t.Run("hybrid", func(t *testing.T) {
		resp, err := eng.Search(ctx, SearchParams{ProjectID: project.ID, Query: texts[0], Mode: retrieval.ModeHybrid})
		require.NoError(t, err)
		assert.Equal(t, retrieval.ModeHybrid, resp.FiltersApplied["mode"])
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, texts[0], resp.Results[0].ChunkText)
		assert.Equal(t, retrieval.SourceHybrid, resp.Results[0].Source)
		assert.Greater(t, resp.Results[0].RRFScore, 0.0)
	})

	t.Run("reranked by default", func(t *testing.T) {
		resp, err := eng.Search(ctx, SearchParams{ProjectID: project.ID, Query: texts[0]})
		require.NoError(t, err)
		assert.Equal(t, retrieval.ModeReranked, resp.FiltersApplied["mode"])
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, texts[0], resp.Results[0].ChunkText)

		// An exact match tops both rankings, so the optimizer skips the
		// missing cross-encoder instead of failing on it.
		assert.Equal(t, retrieval.ConfidenceHigh, resp.Results[0].ConfidenceLevel)
		require.NotNil(t, resp.PipelineSummary)
		var sawRerankSkip bool
		for _, stage := range resp.PipelineSummary.Stages {
			if stage.Stage == retrieval.StageRerank && !stage.Ran {
				sawRerankSkip = true
			}
		}
		assert.True(t, sawRerankSkip, "rerank stage should be skipped")
	})
}

func TestRebuildIndexAllProjects(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.EnsureProject(ctx, "first")
	require.NoError(t, err)
	second, err := eng.EnsureProject(ctx, "second")
	require.NoError(t, err)
	seedChunks(t, eng, first.ID, "alpha signals propagate quickly")
	seedChunks(t, eng, second.ID, "beta decay is slow and steady")

	require.NoError(t, eng.RebuildIndex(ctx, 0))

	resp, err := eng.Search(ctx, SearchParams{ProjectID: first.ID, Query: "alpha signals", Mode: retrieval.ModeSparse})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	resp, err = eng.Search(ctx, SearchParams{ProjectID: second.ID, Query: "beta decay", Mode: retrieval.ModeSparse})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	// Projects stay isolated: first's terms do not surface in second.
	resp, err = eng.Search(ctx, SearchParams{ProjectID: second.ID, Query: "alpha signals", Mode: retrieval.ModeSparse})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestIngestValidation(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.IngestText(0, "notes", "text")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = eng.IngestText(1, "notes", "   ")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = eng.IngestPDF(1, "manual", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = eng.IngestYouTube(1, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = eng.IngestAgentic(1, "find the pricing page", "not a url")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// No LLM key in the test config, so the agent is disabled.
	_, err = eng.IngestAgentic(1, "find the pricing page", "https://example.com")
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "LLM")

	assert.False(t, eng.CancelJob("no-such-job"))
	_, ok := eng.Progress("no-such-job")
	assert.False(t, ok)
}

func TestIngestTextJobLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	project, err := eng.EnsureProject(ctx, "notes")
	require.NoError(t, err)

	text := strings.Repeat("Replication lag grows whenever the follower applies batches serially. ", 20)
	jobID, err := eng.IngestText(project.ID, "ops handbook", text)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	last := waitForJob(t, eng, jobID)
	require.Equal(t, "completed", string(last.State), "job failed: %s", last.Error)
	assert.Equal(t, float64(100), last.Percentage)
	require.NotNil(t, last.Extra)
	assert.NotNil(t, last.Extra["document_id"])

	docs, err := eng.Repos().Documents.ListByProject(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "ops handbook", docs[0].Title)
	assert.Equal(t, storage.DocumentStatusCompleted, docs[0].Status)
	assert.Equal(t, storage.SourceKindText, docs[0].SourceKind)

	// Ingestion warms the indexes on its way out; search works with no
	// explicit rebuild.
	resp, err := eng.Search(ctx, SearchParams{ProjectID: project.ID, Query: "replication lag follower", Mode: retrieval.ModeSparse})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)

	// Late subscribers still get a stream, already closed.
	events, ok := eng.Progress(jobID)
	require.True(t, ok)
	_, open := <-events
	assert.False(t, open)
}

func TestCrawlValidation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, _, err := eng.Crawl(ctx, 0, CrawlParams{URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = eng.Crawl(ctx, 1, CrawlParams{URL: "ftp://example.com"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "seed url")
}

func TestCrawlJobEndToEnd(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	project, err := eng.EnsureProject(ctx, "crawl")
	require.NoError(t, err)

	page := "<html><head><title>Release Notes</title></head><body><main><h1>Release Notes</h1><p>" +
		strings.Repeat("The scheduler now retries failed shards with exponential backoff. ", 12) +
		"</p></main></body></html>"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	t.Cleanup(server.Close)

	jobID, job, err := eng.Crawl(ctx, project.ID, CrawlParams{URL: server.URL, Engine: "http", MaxPages: 1})
	require.NoError(t, err)
	require.NotZero(t, job.ID)
	assert.Equal(t, server.URL+"/", job.URL)
	require.NotNil(t, job.Engine)
	assert.Equal(t, "http", *job.Engine)

	last := waitForJob(t, eng, jobID)
	require.Equal(t, "completed", string(last.State), "crawl failed: %s", last.Error)

	gotJob, err := eng.Repos().CrawlJobs.GetByID(ctx, project.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CrawlStatusCompleted, gotJob.Status)
	assert.Equal(t, 1, gotJob.URLsCrawled)
	require.NotNil(t, gotJob.DocumentID)

	doc, err := eng.Repos().Documents.GetByID(ctx, project.ID, *gotJob.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "Release Notes", doc.Title)
	assert.Equal(t, storage.SourceKindWeb, doc.SourceKind)
	assert.Equal(t, storage.DocumentStatusCompleted, doc.Status)

	resp, err := eng.Search(ctx, SearchParams{ProjectID: project.ID, Query: "scheduler retries backoff", Mode: retrieval.ModeSparse})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestChatWithoutModel(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	project, err := eng.EnsureProject(ctx, "chatless")
	require.NoError(t, err)
	require.False(t, eng.HasModel())

	var sink ChatSink = func(ChatEvent) error { return nil }
	err = eng.Chat(ctx, ChatRequest{ProjectID: project.ID, Message: "hello"}, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chat model configured")

	err = eng.ChatAgent(ctx, AgentRequest{ProjectID: project.ID, SeedURL: "https://example.com"}, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no chat model configured")
}

func TestVerifyEmbeddingsRepairsUntaggedChunks(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	project, err := eng.EnsureProject(ctx, "drifted")
	require.NoError(t, err)
	doc := seedChunks(t, eng, project.ID, "vector drift ruins recall", "fresh embeddings restore it")

	// Directly seeded chunks carry no model tag, so their provenance
	// is unknown and the guard must flag them.
	report, err := eng.VerifyEmbeddings(ctx, project.ID, false)
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, doc.ID, report.Mismatches[0].DocumentID)
	assert.Equal(t, 0, report.ReEmbedded, "check alone must not mutate")

	report, err = eng.VerifyEmbeddings(ctx, project.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ReEmbedded)
	assert.Equal(t, 0, report.FailedEmbeds)

	report, err = eng.VerifyEmbeddings(ctx, project.ID, false)
	require.NoError(t, err)
	assert.Empty(t, report.Mismatches)

	// Repair rebuilt the indexes; dense search still answers.
	resp, err := eng.Search(ctx, SearchParams{
		ProjectID: project.ID,
		Query:     "vector drift ruins recall",
		Mode:      "dense",
		Limit:     1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "vector drift ruins recall", resp.Results[0].ChunkText)
}
