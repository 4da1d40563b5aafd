// Package storage provides database models and repositories for knowledge-core.
package storage

import (
	"encoding/json"
	"time"
)

// SourceKind represents the origin of an ingested document.
type SourceKind string

const (
	SourceKindPDF     SourceKind = "pdf"
	SourceKindWeb     SourceKind = "web"
	SourceKindYouTube SourceKind = "youtube"
	SourceKindText    SourceKind = "text"
)

// DocumentStatus represents the processing state of a document.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusCompleted  DocumentStatus = "completed"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// CrawlStatus represents the state of a crawl job.
type CrawlStatus string

const (
	CrawlStatusPending    CrawlStatus = "pending"
	CrawlStatusInProgress CrawlStatus = "in_progress"
	CrawlStatusCompleted  CrawlStatus = "completed"
	CrawlStatusFailed     CrawlStatus = "failed"
)

// WorkflowStatus represents the state of an agent workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// ChatRole represents the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// Project is the isolation boundary; every retrievable object belongs to one.
type Project struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Document represents a processed source.
type Document struct {
	ID                 int64           `json:"id" db:"id"`
	ProjectID          int64           `json:"project_id" db:"project_id"`
	Title              string          `json:"title" db:"title"`
	SourceKind         SourceKind      `json:"source_kind" db:"source_kind"`
	SourceLocator      string          `json:"source_locator" db:"source_locator"`
	Status             DocumentStatus  `json:"status" db:"status"`
	PageCount          int             `json:"page_count" db:"page_count"`
	ErrorMessage       *string         `json:"error_message,omitempty" db:"error_message"`
	ExtractionMetadata json.RawMessage `json:"extraction_metadata" db:"extraction_metadata"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Chunk is a retrievable text unit with neighbor context and an embedding.
type Chunk struct {
	ID           int64           `json:"id" db:"id"`
	DocumentID   int64           `json:"document_id" db:"document_id"`
	ProjectID    int64           `json:"project_id" db:"project_id"`
	ChunkIndex   int             `json:"chunk_index" db:"chunk_index"`
	Text         string          `json:"text" db:"text"`
	ChunkBefore  *string         `json:"chunk_before,omitempty" db:"chunk_before"`
	ChunkAfter   *string         `json:"chunk_after,omitempty" db:"chunk_after"`
	Metadata     json.RawMessage `json:"metadata" db:"metadata"`
	Embedding    []float32       `json:"embedding,omitempty" db:"embedding"`
	HasEmbedding bool            `json:"has_embedding" db:"has_embedding"`
	CategoryID   *int64          `json:"category_id,omitempty" db:"category_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Category is a node in a per-project hierarchical tree.
type Category struct {
	ID            int64      `json:"id" db:"id"`
	ProjectID     int64      `json:"project_id" db:"project_id"`
	Name          string     `json:"name" db:"name"`
	Description   string     `json:"description" db:"description"`
	Color         string     `json:"color" db:"color"`
	Icon          string     `json:"icon" db:"icon"`
	Depth         int        `json:"depth" db:"depth"`
	SortOrder     int        `json:"sort_order" db:"sort_order"`
	ParentID      *int64     `json:"parent_id,omitempty" db:"parent_id"`
	SourceURL     *string    `json:"source_url,omitempty" db:"source_url"`
	URLPath       *string    `json:"url_path,omitempty" db:"url_path"`
	ContentHash   *string    `json:"content_hash,omitempty" db:"content_hash"`
	LastCrawledAt *time.Time `json:"last_crawled_at,omitempty" db:"last_crawled_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// CrawlJob is an ingestion task over one or more URLs.
type CrawlJob struct {
	ID             int64           `json:"id" db:"id"`
	ProjectID      int64           `json:"project_id" db:"project_id"`
	URL            string          `json:"url" db:"url"`
	DepthLimit     int             `json:"depth_limit" db:"depth_limit"`
	MaxPages       int             `json:"max_pages" db:"max_pages"`
	Engine         *string         `json:"engine,omitempty" db:"engine"`
	URLPatterns    json.RawMessage `json:"url_patterns" db:"url_patterns"`
	ContentFilters json.RawMessage `json:"content_filters" db:"content_filters"`
	Status         CrawlStatus     `json:"status" db:"status"`
	URLsCrawled    int             `json:"urls_crawled" db:"urls_crawled"`
	URLsFailed     int             `json:"urls_failed" db:"urls_failed"`
	DocumentID     *int64          `json:"document_id,omitempty" db:"document_id"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// AgentWorkflow is a running or completed agentic task.
type AgentWorkflow struct {
	ID           int64           `json:"id" db:"id"`
	ProjectID    int64           `json:"project_id" db:"project_id"`
	UserQuery    string          `json:"user_query" db:"user_query"`
	Status       WorkflowStatus  `json:"status" db:"status"`
	Config       json.RawMessage `json:"config" db:"config"`
	ExecutionLog json.RawMessage `json:"execution_log" db:"execution_log"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// ChatMessage is one persisted turn of a conversation.
type ChatMessage struct {
	ID             int64           `json:"id" db:"id"`
	ConversationID string          `json:"conversation_id" db:"conversation_id"`
	ProjectID      int64           `json:"project_id" db:"project_id"`
	Role           ChatRole        `json:"role" db:"role"`
	Content        string          `json:"content" db:"content"`
	ChunkRefs      json.RawMessage `json:"chunk_refs" db:"chunk_refs"`
	TokenCount     int             `json:"token_count" db:"token_count"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// ChunkSearchRow is a chunk joined with its document metadata plus a
// similarity score, as returned by dense retrieval and id hydration.
type ChunkSearchRow struct {
	ChunkID           int64           `json:"chunk_id"`
	DocumentID        int64           `json:"document_id"`
	DocumentTitle     string          `json:"document_title"`
	DocumentFilename  string          `json:"document_filename"`
	DocumentCreatedAt time.Time       `json:"document_created_at"`
	ChunkIndex        int             `json:"chunk_index"`
	Text              string          `json:"text"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	Similarity        float64         `json:"similarity"`
}

// IndexableChunk is the minimal projection the sparse index builds from.
type IndexableChunk struct {
	ChunkID   int64
	ProjectID int64
	Text      string
}
