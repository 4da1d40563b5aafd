package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetic-labs/knowledge-core/internal/chat"
	"github.com/noetic-labs/knowledge-core/internal/ingest"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/retrieval"
	"github.com/noetic-labs/knowledge-core/internal/storage"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

// route mounts one handler the way the router does, so URL parameters
// resolve.
func route(method, pattern string, fn http.HandlerFunc) *chi.Mux {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, fn)
	return r
}

func do(t *testing.T, mux *chi.Mux, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

type stubSearcher struct {
	resp *retrieval.SearchResponse
	err  error
	got  engine.SearchParams
}

func (s *stubSearcher) Search(_ context.Context, p engine.SearchParams) (*retrieval.SearchResponse, error) {
	s.got = p
	return s.resp, s.err
}

func TestSearchHandler(t *testing.T) {
	stub := &stubSearcher{resp: &retrieval.SearchResponse{
		Query:        "rank fusion",
		Results:      []*retrieval.SearchResult{{ChunkID: 9, ChunkText: "fused"}},
		TotalResults: 1,
	}}
	mux := route(http.MethodPost, "/search", NewSearchHandler(observability.NopLogger(), stub).Search)

	rec := do(t, mux, http.MethodPost, "/search", `{"project_id":3,"query":"rank fusion","mode":"hybrid","limit":5}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), stub.got.ProjectID)
	assert.Equal(t, retrieval.ModeHybrid, stub.got.Mode)
	assert.Equal(t, 5, stub.got.Limit)

	var resp retrieval.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rank fusion", resp.Query)
	assert.Equal(t, 1, resp.TotalResults)
}

func TestSearchHandlerErrors(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		mux := route(http.MethodPost, "/search", NewSearchHandler(observability.NopLogger(), &stubSearcher{}).Search)
		rec := do(t, mux, http.MethodPost, "/search", `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid request maps to 400", func(t *testing.T) {
		stub := &stubSearcher{err: fmt.Errorf("%w: query is required", engine.ErrInvalidRequest)}
		mux := route(http.MethodPost, "/search", NewSearchHandler(observability.NopLogger(), stub).Search)
		rec := do(t, mux, http.MethodPost, "/search", `{"project_id":3}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "query is required")
	})

	t.Run("engine failure maps to 500", func(t *testing.T) {
		stub := &stubSearcher{err: errors.New("index unavailable")}
		mux := route(http.MethodPost, "/search", NewSearchHandler(observability.NopLogger(), stub).Search)
		rec := do(t, mux, http.MethodPost, "/search", `{"project_id":3,"query":"q"}`)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

type stubProjects struct {
	project    *storage.Project
	categories []*storage.Category
	err        error
	gotName    string
	rebuiltID  int64
}

func (s *stubProjects) EnsureProject(_ context.Context, name string) (*storage.Project, error) {
	s.gotName = name
	return s.project, s.err
}

func (s *stubProjects) Categories(_ context.Context, _ int64) ([]*storage.Category, error) {
	return s.categories, s.err
}

func (s *stubProjects) RebuildIndex(_ context.Context, projectID int64) error {
	s.rebuiltID = projectID
	return s.err
}

func TestProjectsCreate(t *testing.T) {
	stub := &stubProjects{project: &storage.Project{ID: 12, Name: "field-manuals"}}
	h := NewProjectsHandler(observability.NopLogger(), stub)
	mux := route(http.MethodPost, "/projects", h.Create)

	rec := do(t, mux, http.MethodPost, "/projects", `{"name":"field-manuals"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "field-manuals", stub.gotName)
	assert.Contains(t, rec.Body.String(), `"field-manuals"`)
}

func TestProjectsCreateBlankName(t *testing.T) {
	stub := &stubProjects{err: fmt.Errorf("%w: project name is required", engine.ErrInvalidRequest)}
	h := NewProjectsHandler(observability.NopLogger(), stub)
	mux := route(http.MethodPost, "/projects", h.Create)

	rec := do(t, mux, http.MethodPost, "/projects", `{"name":""}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjectsCategoriesAlwaysArray(t *testing.T) {
	h := NewProjectsHandler(observability.NopLogger(), &stubProjects{})
	mux := route(http.MethodGet, "/projects/{projectID}/categories", h.Categories)

	rec := do(t, mux, http.MethodGet, "/projects/4/categories", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"categories":[]}`, rec.Body.String())
}

func TestProjectsRebuildIndex(t *testing.T) {
	stub := &stubProjects{}
	h := NewProjectsHandler(observability.NopLogger(), stub)
	mux := route(http.MethodPost, "/projects/{projectID}/index/rebuild", h.RebuildIndex)

	rec := do(t, mux, http.MethodPost, "/projects/7/index/rebuild", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), stub.rebuiltID)
}

func TestProjectIDValidation(t *testing.T) {
	h := NewProjectsHandler(observability.NopLogger(), &stubProjects{})
	mux := route(http.MethodGet, "/projects/{projectID}/categories", h.Categories)

	for _, target := range []string{"/projects/abc/categories", "/projects/0/categories", "/projects/-2/categories"} {
		rec := do(t, mux, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

type stubIngest struct {
	jobID string
	err   error

	kind   string
	title  string
	input  string
	intent string
	crawl  engine.CrawlParams
}

func (s *stubIngest) IngestPDF(_ int64, title, path string) (string, error) {
	s.kind, s.title, s.input = "pdf", title, path
	return s.jobID, s.err
}

func (s *stubIngest) IngestText(_ int64, title, text string) (string, error) {
	s.kind, s.title, s.input = "text", title, text
	return s.jobID, s.err
}

func (s *stubIngest) IngestYouTube(_ int64, videoURL string) (string, error) {
	s.kind, s.input = "youtube", videoURL
	return s.jobID, s.err
}

func (s *stubIngest) IngestAgentic(_ int64, intent, seedURL string) (string, error) {
	s.kind, s.intent, s.input = "agentic", intent, seedURL
	return s.jobID, s.err
}

func (s *stubIngest) Crawl(_ context.Context, _ int64, p engine.CrawlParams) (string, *storage.CrawlJob, error) {
	s.kind, s.crawl = "web", p
	return s.jobID, &storage.CrawlJob{ID: 1, URL: p.URL, Status: storage.CrawlStatusPending}, s.err
}

type stubDocs struct {
	docs []*storage.Document
	err  error
}

func (s *stubDocs) ListByProject(_ context.Context, _ int64) ([]*storage.Document, error) {
	return s.docs, s.err
}

func TestDocumentsIngestDispatch(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantKind string
		check    func(t *testing.T, s *stubIngest)
	}{
		{
			name:     "pdf",
			body:     `{"source_kind":"pdf","title":"Manual","path":"/data/manual.pdf"}`,
			wantKind: "pdf",
			check: func(t *testing.T, s *stubIngest) {
				assert.Equal(t, "Manual", s.title)
				assert.Equal(t, "/data/manual.pdf", s.input)
			},
		},
		{
			name:     "text",
			body:     `{"source_kind":"text","title":"Notes","text":"raft log compaction"}`,
			wantKind: "text",
			check: func(t *testing.T, s *stubIngest) {
				assert.Equal(t, "raft log compaction", s.input)
			},
		},
		{
			name:     "youtube",
			body:     `{"source_kind":"youtube","url":"https://youtube.com/watch?v=abc"}`,
			wantKind: "youtube",
			check: func(t *testing.T, s *stubIngest) {
				assert.Equal(t, "https://youtube.com/watch?v=abc", s.input)
			},
		},
		{
			name:     "web delegates to a single-page crawl",
			body:     `{"source_kind":"web","url":"https://docs.example.com/intro"}`,
			wantKind: "web",
			check: func(t *testing.T, s *stubIngest) {
				assert.Equal(t, "https://docs.example.com/intro", s.crawl.URL)
				assert.Equal(t, 1, s.crawl.MaxPages)
			},
		},
		{
			name:     "agentic",
			body:     `{"source_kind":"agentic","intent":"find pricing pages","url":"https://example.com"}`,
			wantKind: "agentic",
			check: func(t *testing.T, s *stubIngest) {
				assert.Equal(t, "find pricing pages", s.intent)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubIngest{jobID: "job-1"}
			h := NewDocumentsHandler(observability.NopLogger(), stub, &stubDocs{})
			mux := route(http.MethodPost, "/projects/{projectID}/documents", h.Ingest)

			rec := do(t, mux, http.MethodPost, "/projects/3/documents", tt.body)

			require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, stub.kind)
			assert.Contains(t, rec.Body.String(), `"job-1"`)
			tt.check(t, stub)
		})
	}
}

func TestDocumentsIngestUnknownKind(t *testing.T) {
	h := NewDocumentsHandler(observability.NopLogger(), &stubIngest{}, &stubDocs{})
	mux := route(http.MethodPost, "/projects/{projectID}/documents", h.Ingest)

	rec := do(t, mux, http.MethodPost, "/projects/3/documents", `{"source_kind":"carrier-pigeon"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown source kind")
}

func TestDocumentsIngestValidationError(t *testing.T) {
	stub := &stubIngest{err: fmt.Errorf("%w: file path is required", engine.ErrInvalidRequest)}
	h := NewDocumentsHandler(observability.NopLogger(), stub, &stubDocs{})
	mux := route(http.MethodPost, "/projects/{projectID}/documents", h.Ingest)

	rec := do(t, mux, http.MethodPost, "/projects/3/documents", `{"source_kind":"pdf","title":"Manual"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "file path is required")
}

func TestDocumentsList(t *testing.T) {
	stub := &stubDocs{docs: []*storage.Document{{ID: 2, Title: "Field Guide"}}}
	h := NewDocumentsHandler(observability.NopLogger(), &stubIngest{}, stub)
	mux := route(http.MethodGet, "/projects/{projectID}/documents", h.List)

	rec := do(t, mux, http.MethodGet, "/projects/3/documents", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Field Guide"`)
}

type stubCrawl struct {
	jobID string
	job   *storage.CrawlJob
	err   error
	got   engine.CrawlParams
}

func (s *stubCrawl) Crawl(_ context.Context, _ int64, p engine.CrawlParams) (string, *storage.CrawlJob, error) {
	s.got = p
	return s.jobID, s.job, s.err
}

func TestCrawlHandler(t *testing.T) {
	stub := &stubCrawl{
		jobID: "job-9",
		job:   &storage.CrawlJob{ID: 41, URL: "https://docs.example.com/", Status: storage.CrawlStatusPending},
	}
	h := NewCrawlHandler(observability.NopLogger(), stub)
	mux := route(http.MethodPost, "/projects/{projectID}/crawl", h.Crawl)

	rec := do(t, mux, http.MethodPost, "/projects/3/crawl",
		`{"url":"https://docs.example.com","max_pages":4,"engine":"http"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "https://docs.example.com", stub.got.URL)
	assert.Equal(t, 4, stub.got.MaxPages)

	var resp CrawlAcceptedDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-9", resp.JobID)
	assert.Equal(t, int64(41), resp.CrawlID)
	assert.Equal(t, string(storage.CrawlStatusPending), resp.Status)
}

func TestCrawlHandlerRejectsBadSeed(t *testing.T) {
	stub := &stubCrawl{err: fmt.Errorf("%w: seed url is required", engine.ErrInvalidRequest)}
	h := NewCrawlHandler(observability.NopLogger(), stub)
	mux := route(http.MethodPost, "/projects/{projectID}/crawl", h.Crawl)

	rec := do(t, mux, http.MethodPost, "/projects/3/crawl", `{"url":""}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubChat struct {
	events []chat.Event
	err    error
	got    engine.ChatRequest
	agent  engine.AgentRequest
}

func (s *stubChat) Chat(_ context.Context, req engine.ChatRequest, sink engine.ChatSink) error {
	s.got = req
	for _, ev := range s.events {
		if err := sink(ev); err != nil {
			return err
		}
	}
	return s.err
}

func (s *stubChat) ChatAgent(_ context.Context, req engine.AgentRequest, sink engine.ChatSink) error {
	s.agent = req
	for _, ev := range s.events {
		if err := sink(ev); err != nil {
			return err
		}
	}
	return s.err
}

func TestChatStreamsSSE(t *testing.T) {
	stub := &stubChat{events: []chat.Event{
		{Type: chat.EventChunk, ChunkID: 5, DocumentTitle: "Field Guide", Similarity: 0.91},
		{Type: chat.EventToken, Token: "Replication"},
		{Type: chat.EventDone, ConversationID: "conv-1", TotalTokens: 42},
	}}
	h := NewChatHandler(observability.NopLogger(), stub)
	mux := route(http.MethodPost, "/chat", h.Chat)

	rec := do(t, mux, http.MethodPost, "/chat", `{"project_id":3,"message":"how does replication work?"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, int64(3), stub.got.ProjectID)

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, frames, 3)
	assert.Contains(t, frames[0], `"type":"chunk"`)
	assert.Contains(t, frames[1], `"type":"token"`)
	assert.Contains(t, frames[2], `"type":"done"`)
}

func TestChatValidatesBeforeStreaming(t *testing.T) {
	h := NewChatHandler(observability.NopLogger(), &stubChat{})
	mux := route(http.MethodPost, "/chat", h.Chat)

	for name, body := range map[string]string{
		"missing project": `{"message":"hi"}`,
		"blank message":   `{"project_id":3,"message":"  "}`,
	} {
		rec := do(t, mux, http.MethodPost, "/chat", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), name)
	}
}

func TestChatPreStreamFailureStaysJSON(t *testing.T) {
	stub := &stubChat{err: errors.New("no chat model configured")}
	h := NewChatHandler(observability.NopLogger(), stub)
	mux := route(http.MethodPost, "/chat", h.Chat)

	rec := do(t, mux, http.MethodPost, "/chat", `{"project_id":3,"message":"hi"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "no chat model configured")
}

func TestChatAgentValidation(t *testing.T) {
	h := NewChatHandler(observability.NopLogger(), &stubChat{})
	mux := route(http.MethodPost, "/chat/agent", h.ChatAgent)

	rec := do(t, mux, http.MethodPost, "/chat/agent", `{"project_id":3}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "seed_url is required")
}

func TestChatAgentStreams(t *testing.T) {
	stub := &stubChat{events: []chat.Event{
		{Type: chat.EventAgentStatus, Message: "crawling seed page"},
		{Type: chat.EventDone},
	}}
	h := NewChatHandler(observability.NopLogger(), stub)
	mux := route(http.MethodPost, "/chat/agent", h.ChatAgent)

	rec := do(t, mux, http.MethodPost, "/chat/agent", `{"project_id":3,"seed_url":"https://example.com","engine":"http"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), stub.agent.ProjectID)
	assert.Equal(t, "https://example.com", stub.agent.SeedURL)
	assert.Contains(t, rec.Body.String(), `"agent_status"`)
}

type stubJobs struct {
	events    chan ingest.ProgressEvent
	known     bool
	cancelled string
}

func (s *stubJobs) Progress(string) (<-chan ingest.ProgressEvent, bool) {
	if !s.known {
		return nil, false
	}
	return s.events, true
}

func (s *stubJobs) CancelJob(jobID string) bool {
	s.cancelled = jobID
	return s.known
}

func TestJobsProgressStreamsUntilClosed(t *testing.T) {
	events := make(chan ingest.ProgressEvent, 2)
	events <- ingest.ProgressEvent{JobID: "job-1", State: ingest.JobStateRunning, Step: "embedding", Percentage: 40}
	events <- ingest.ProgressEvent{JobID: "job-1", State: ingest.JobStateCompleted, Percentage: 100}
	close(events)

	h := NewJobsHandler(observability.NopLogger(), &stubJobs{events: events, known: true})
	mux := route(http.MethodGet, "/jobs/{jobID}/progress", h.Progress)

	rec := do(t, mux, http.MethodGet, "/jobs/job-1/progress", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], `"state":"running"`)
	assert.Contains(t, frames[1], `"state":"completed"`)
}

func TestJobsProgressUnknownJob(t *testing.T) {
	h := NewJobsHandler(observability.NopLogger(), &stubJobs{})
	mux := route(http.MethodGet, "/jobs/{jobID}/progress", h.Progress)

	rec := do(t, mux, http.MethodGet, "/jobs/nope/progress", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsCancel(t *testing.T) {
	stub := &stubJobs{known: true}
	h := NewJobsHandler(observability.NopLogger(), stub)
	mux := route(http.MethodDelete, "/jobs/{jobID}", h.Cancel)

	rec := do(t, mux, http.MethodDelete, "/jobs/job-7", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job-7", stub.cancelled)
	assert.Contains(t, rec.Body.String(), "cancelling")
}

func TestJobsCancelUnknown(t *testing.T) {
	h := NewJobsHandler(observability.NopLogger(), &stubJobs{})
	mux := route(http.MethodDelete, "/jobs/{jobID}", h.Cancel)

	rec := do(t, mux, http.MethodDelete, "/jobs/job-7", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
