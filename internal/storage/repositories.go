package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB represents the read/write surface shared by *sql.DB and *sql.Tx.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TxDB is a DB that can also open transactions. *sql.DB satisfies it.
type TxDB interface {
	DB
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// ProjectRepository handles project CRUD operations.
type ProjectRepository struct {
	db DB
}

// NewProjectRepository creates a new project repository.
func NewProjectRepository(db DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create creates a new project.
func (r *ProjectRepository) Create(ctx context.Context, project *Project) error {
	project.CreatedAt = time.Now()

	query := `
		INSERT INTO projects (name, description, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		project.Name, project.Description, project.CreatedAt,
	).Scan(&project.ID)
}

// GetByID retrieves a project by ID.
func (r *ProjectRepository) GetByID(ctx context.Context, id int64) (*Project, error) {
	query := `
		SELECT id, name, description, created_at
		FROM projects WHERE id = $1
	`
	project := &Project{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&project.ID, &project.Name, &project.Description, &project.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return project, err
}

// List lists all projects ordered by name.
func (r *ProjectRepository) List(ctx context.Context) ([]*Project, error) {
	query := `
		SELECT id, name, description, created_at
		FROM projects ORDER BY name
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project := &Project{}
		if err := rows.Scan(&project.ID, &project.Name, &project.Description, &project.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// Delete removes a project; documents, chunks and categories cascade.
func (r *ProjectRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DocumentRepository handles document CRUD operations.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create creates a new document in pending state.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	if doc.Status == "" {
		doc.Status = DocumentStatusPending
	}
	if doc.ExtractionMetadata == nil {
		doc.ExtractionMetadata = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO documents (project_id, title, source_kind, source_locator, status,
			page_count, error_message, extraction_metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		doc.ProjectID, doc.Title, doc.SourceKind, doc.SourceLocator, doc.Status,
		doc.PageCount, doc.ErrorMessage, doc.ExtractionMetadata, doc.CreatedAt, doc.UpdatedAt,
	).Scan(&doc.ID)
}

// GetByID retrieves a document by ID with project scoping.
func (r *DocumentRepository) GetByID(ctx context.Context, projectID, docID int64) (*Document, error) {
	query := `
		SELECT id, project_id, title, source_kind, source_locator, status,
			page_count, error_message, extraction_metadata, created_at, updated_at
		FROM documents
		WHERE id = $1 AND project_id = $2
	`
	doc := &Document{}
	err := r.db.QueryRowContext(ctx, query, docID, projectID).Scan(
		&doc.ID, &doc.ProjectID, &doc.Title, &doc.SourceKind, &doc.SourceLocator, &doc.Status,
		&doc.PageCount, &doc.ErrorMessage, &doc.ExtractionMetadata, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// ListByProject lists all documents in a project, newest first.
func (r *DocumentRepository) ListByProject(ctx context.Context, projectID int64) ([]*Document, error) {
	query := `
		SELECT id, project_id, title, source_kind, source_locator, status,
			page_count, error_message, extraction_metadata, created_at, updated_at
		FROM documents
		WHERE project_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{}
		if err := rows.Scan(
			&doc.ID, &doc.ProjectID, &doc.Title, &doc.SourceKind, &doc.SourceLocator, &doc.Status,
			&doc.PageCount, &doc.ErrorMessage, &doc.ExtractionMetadata, &doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetStatus transitions a document's processing state.
func (r *DocumentRepository) SetStatus(ctx context.Context, docID int64, status DocumentStatus, errorMessage *string) error {
	query := `
		UPDATE documents SET status = $1, error_message = $2, updated_at = $3
		WHERE id = $4
	`
	result, err := r.db.ExecContext(ctx, query, status, errorMessage, time.Now(), docID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExtractionResult records the extraction outcome on the document.
func (r *DocumentRepository) SetExtractionResult(ctx context.Context, docID int64, pageCount int, metadata json.RawMessage) error {
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	query := `
		UPDATE documents SET page_count = $1, extraction_metadata = $2, updated_at = $3
		WHERE id = $4
	`
	result, err := r.db.ExecContext(ctx, query, pageCount, metadata, time.Now(), docID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a document; its chunks cascade.
func (r *DocumentRepository) Delete(ctx context.Context, projectID, docID int64) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE id = $1 AND project_id = $2`, docID, projectID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CategoryRepository handles category tree operations.
type CategoryRepository struct {
	db DB
}

// NewCategoryRepository creates a new category repository.
func NewCategoryRepository(db DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

// Create inserts a category node.
func (r *CategoryRepository) Create(ctx context.Context, cat *Category) error {
	cat.CreatedAt = time.Now()
	if cat.Color == "" {
		cat.Color = "#6366f1"
	}
	if cat.Icon == "" {
		cat.Icon = "folder"
	}

	query := `
		INSERT INTO categories (project_id, name, description, color, icon, depth,
			sort_order, parent_id, source_url, url_path, content_hash, last_crawled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		cat.ProjectID, cat.Name, cat.Description, cat.Color, cat.Icon, cat.Depth,
		cat.SortOrder, cat.ParentID, cat.SourceURL, cat.URLPath, cat.ContentHash,
		cat.LastCrawledAt, cat.CreatedAt,
	).Scan(&cat.ID)
}

// Upsert inserts a category or refreshes an existing one with the same name.
func (r *CategoryRepository) Upsert(ctx context.Context, cat *Category) error {
	cat.CreatedAt = time.Now()
	if cat.Color == "" {
		cat.Color = "#6366f1"
	}
	if cat.Icon == "" {
		cat.Icon = "folder"
	}

	query := `
		INSERT INTO categories (project_id, name, description, color, icon, depth,
			sort_order, parent_id, source_url, url_path, content_hash, last_crawled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (project_id, name) DO UPDATE SET
			description = EXCLUDED.description,
			depth = EXCLUDED.depth,
			sort_order = EXCLUDED.sort_order,
			parent_id = EXCLUDED.parent_id,
			source_url = EXCLUDED.source_url,
			url_path = EXCLUDED.url_path,
			content_hash = EXCLUDED.content_hash,
			last_crawled_at = EXCLUDED.last_crawled_at
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		cat.ProjectID, cat.Name, cat.Description, cat.Color, cat.Icon, cat.Depth,
		cat.SortOrder, cat.ParentID, cat.SourceURL, cat.URLPath, cat.ContentHash,
		cat.LastCrawledAt, cat.CreatedAt,
	).Scan(&cat.ID)
}

// GetByID retrieves a category by ID with project scoping.
func (r *CategoryRepository) GetByID(ctx context.Context, projectID, catID int64) (*Category, error) {
	query := `
		SELECT id, project_id, name, description, color, icon, depth, sort_order,
			parent_id, source_url, url_path, content_hash, last_crawled_at, created_at
		FROM categories
		WHERE id = $1 AND project_id = $2
	`
	cat := &Category{}
	err := r.db.QueryRowContext(ctx, query, catID, projectID).Scan(
		&cat.ID, &cat.ProjectID, &cat.Name, &cat.Description, &cat.Color, &cat.Icon,
		&cat.Depth, &cat.SortOrder, &cat.ParentID, &cat.SourceURL, &cat.URLPath,
		&cat.ContentHash, &cat.LastCrawledAt, &cat.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cat, err
}

// ListByProject lists categories ordered for tree rendering.
func (r *CategoryRepository) ListByProject(ctx context.Context, projectID int64) ([]*Category, error) {
	query := `
		SELECT id, project_id, name, description, color, icon, depth, sort_order,
			parent_id, source_url, url_path, content_hash, last_crawled_at, created_at
		FROM categories
		WHERE project_id = $1
		ORDER BY depth, sort_order, name
	`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cats []*Category
	for rows.Next() {
		cat := &Category{}
		if err := rows.Scan(
			&cat.ID, &cat.ProjectID, &cat.Name, &cat.Description, &cat.Color, &cat.Icon,
			&cat.Depth, &cat.SortOrder, &cat.ParentID, &cat.SourceURL, &cat.URLPath,
			&cat.ContentHash, &cat.LastCrawledAt, &cat.CreatedAt,
		); err != nil {
			return nil, err
		}
		cats = append(cats, cat)
	}
	return cats, rows.Err()
}

// Delete removes a category; descendants cascade, chunks are unlinked.
func (r *CategoryRepository) Delete(ctx context.Context, projectID, catID int64) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM categories WHERE id = $1 AND project_id = $2`, catID, projectID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CrawlJobRepository handles crawl job operations.
type CrawlJobRepository struct {
	db DB
}

// NewCrawlJobRepository creates a new crawl job repository.
func NewCrawlJobRepository(db DB) *CrawlJobRepository {
	return &CrawlJobRepository{db: db}
}

// Create creates a new crawl job in pending state.
func (r *CrawlJobRepository) Create(ctx context.Context, job *CrawlJob) error {
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = CrawlStatusPending
	}
	if job.URLPatterns == nil {
		job.URLPatterns = json.RawMessage(`[]`)
	}
	if job.ContentFilters == nil {
		job.ContentFilters = json.RawMessage(`[]`)
	}

	query := `
		INSERT INTO crawl_jobs (project_id, url, depth_limit, max_pages, engine,
			url_patterns, content_filters, status, urls_crawled, urls_failed,
			document_id, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		job.ProjectID, job.URL, job.DepthLimit, job.MaxPages, job.Engine,
		job.URLPatterns, job.ContentFilters, job.Status, job.URLsCrawled, job.URLsFailed,
		job.DocumentID, job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
	).Scan(&job.ID)
}

// GetByID retrieves a crawl job by ID with project scoping.
func (r *CrawlJobRepository) GetByID(ctx context.Context, projectID, jobID int64) (*CrawlJob, error) {
	query := `
		SELECT id, project_id, url, depth_limit, max_pages, engine, url_patterns,
			content_filters, status, urls_crawled, urls_failed, document_id,
			error_message, created_at, updated_at
		FROM crawl_jobs
		WHERE id = $1 AND project_id = $2
	`
	job := &CrawlJob{}
	err := r.db.QueryRowContext(ctx, query, jobID, projectID).Scan(
		&job.ID, &job.ProjectID, &job.URL, &job.DepthLimit, &job.MaxPages, &job.Engine,
		&job.URLPatterns, &job.ContentFilters, &job.Status, &job.URLsCrawled, &job.URLsFailed,
		&job.DocumentID, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// UpdateProgress records crawl counters and status.
func (r *CrawlJobRepository) UpdateProgress(ctx context.Context, jobID int64, status CrawlStatus, crawled, failed int) error {
	query := `
		UPDATE crawl_jobs SET status = $1, urls_crawled = $2, urls_failed = $3, updated_at = $4
		WHERE id = $5
	`
	_, err := r.db.ExecContext(ctx, query, status, crawled, failed, time.Now(), jobID)
	return err
}

// Finish marks the job terminal, optionally attaching the produced document.
func (r *CrawlJobRepository) Finish(ctx context.Context, jobID int64, status CrawlStatus, documentID *int64, errorMessage *string) error {
	query := `
		UPDATE crawl_jobs SET status = $1, document_id = $2, error_message = $3, updated_at = $4
		WHERE id = $5
	`
	result, err := r.db.ExecContext(ctx, query, status, documentID, errorMessage, time.Now(), jobID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AgentWorkflowRepository handles agent workflow persistence.
type AgentWorkflowRepository struct {
	db DB
}

// NewAgentWorkflowRepository creates a new agent workflow repository.
func NewAgentWorkflowRepository(db DB) *AgentWorkflowRepository {
	return &AgentWorkflowRepository{db: db}
}

// Create creates a new workflow run.
func (r *AgentWorkflowRepository) Create(ctx context.Context, wf *AgentWorkflow) error {
	wf.CreatedAt = time.Now()
	if wf.Status == "" {
		wf.Status = WorkflowStatusPending
	}
	if wf.Config == nil {
		wf.Config = json.RawMessage(`{}`)
	}
	if wf.ExecutionLog == nil {
		wf.ExecutionLog = json.RawMessage(`[]`)
	}

	query := `
		INSERT INTO agent_workflows (project_id, user_query, status, config, execution_log, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		wf.ProjectID, wf.UserQuery, wf.Status, wf.Config, wf.ExecutionLog, wf.CreatedAt,
	).Scan(&wf.ID)
}

// GetByID retrieves a workflow by ID with project scoping.
func (r *AgentWorkflowRepository) GetByID(ctx context.Context, projectID, wfID int64) (*AgentWorkflow, error) {
	query := `
		SELECT id, project_id, user_query, status, config, execution_log, created_at, completed_at
		FROM agent_workflows
		WHERE id = $1 AND project_id = $2
	`
	wf := &AgentWorkflow{}
	err := r.db.QueryRowContext(ctx, query, wfID, projectID).Scan(
		&wf.ID, &wf.ProjectID, &wf.UserQuery, &wf.Status, &wf.Config,
		&wf.ExecutionLog, &wf.CreatedAt, &wf.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return wf, err
}

// SetStatus transitions a workflow's state.
func (r *AgentWorkflowRepository) SetStatus(ctx context.Context, wfID int64, status WorkflowStatus) error {
	query := `UPDATE agent_workflows SET status = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, status, wfID)
	return err
}

// Complete marks the workflow terminal and stores the execution log.
func (r *AgentWorkflowRepository) Complete(ctx context.Context, wfID int64, status WorkflowStatus, executionLog json.RawMessage) error {
	if executionLog == nil {
		executionLog = json.RawMessage(`[]`)
	}
	now := time.Now()
	query := `
		UPDATE agent_workflows SET status = $1, execution_log = $2, completed_at = $3
		WHERE id = $4
	`
	result, err := r.db.ExecContext(ctx, query, status, executionLog, now, wfID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ChatMessageRepository handles conversation persistence.
type ChatMessageRepository struct {
	db DB
}

// NewChatMessageRepository creates a new chat message repository.
func NewChatMessageRepository(db DB) *ChatMessageRepository {
	return &ChatMessageRepository{db: db}
}

// Create persists one message turn.
func (r *ChatMessageRepository) Create(ctx context.Context, msg *ChatMessage) error {
	msg.CreatedAt = time.Now()
	if msg.ChunkRefs == nil {
		msg.ChunkRefs = json.RawMessage(`[]`)
	}

	query := `
		INSERT INTO chat_messages (conversation_id, project_id, role, content, chunk_refs, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		msg.ConversationID, msg.ProjectID, msg.Role, msg.Content,
		msg.ChunkRefs, msg.TokenCount, msg.CreatedAt,
	).Scan(&msg.ID)
}

// ListByConversation returns the most recent messages in chronological order.
func (r *ChatMessageRepository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, conversation_id, project_id, role, content, chunk_refs, token_count, created_at
		FROM (
			SELECT id, conversation_id, project_id, role, content, chunk_refs, token_count, created_at
			FROM chat_messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*ChatMessage
	for rows.Next() {
		msg := &ChatMessage{}
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.ProjectID, &msg.Role, &msg.Content,
			&msg.ChunkRefs, &msg.TokenCount, &msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Repositories bundles all repositories together.
type Repositories struct {
	Projects       *ProjectRepository
	Documents      *DocumentRepository
	Chunks         *ChunkRepository
	Categories     *CategoryRepository
	CrawlJobs      *CrawlJobRepository
	AgentWorkflows *AgentWorkflowRepository
	ChatMessages   *ChatMessageRepository
}

// NewRepositories creates all repositories with the given database connection.
func NewRepositories(db TxDB, dialect Dialect) *Repositories {
	return &Repositories{
		Projects:       NewProjectRepository(db),
		Documents:      NewDocumentRepository(db),
		Chunks:         NewChunkRepository(db, dialect),
		Categories:     NewCategoryRepository(db),
		AgentWorkflows: NewAgentWorkflowRepository(db),
		CrawlJobs:      NewCrawlJobRepository(db),
		ChatMessages:   NewChatMessageRepository(db),
	}
}
