package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// ErrVectorSearchUnavailable is returned when the active dialect has no
// native KNN operator. Callers fall back to the in-memory vector index.
var ErrVectorSearchUnavailable = errors.New("vector search unavailable for this dialect")

// VectorSearchOptions filters a dense retrieval query.
type VectorSearchOptions struct {
	Limit         int
	MinSimilarity float64
	CategoryID    *int64
}

// EmbeddedChunk is the minimal projection used to warm in-memory vector indexes.
type EmbeddedChunk struct {
	ChunkID   int64
	Embedding []float32
}

// ChunkRepository handles chunk persistence and dense retrieval.
type ChunkRepository struct {
	db      TxDB
	dialect Dialect
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(db TxDB, dialect Dialect) *ChunkRepository {
	return &ChunkRepository{db: db, dialect: dialect}
}

// embeddingValue converts a vector into the column representation for the
// active dialect: pgvector's wire format on Postgres, JSON text on SQLite.
func (r *ChunkRepository) embeddingValue(vec []float32) (interface{}, error) {
	if vec == nil {
		return nil, nil
	}
	if r.dialect == DialectPostgres {
		return pgvector.NewVector(vec), nil
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding: %w", err)
	}
	return string(data), nil
}

// ReplaceForDocument atomically replaces all chunks of a document. Existing
// rows are deleted first so reprocessing the same document stays idempotent.
func (r *ChunkRepository) ReplaceForDocument(ctx context.Context, documentID int64, chunks []*Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear existing chunks: %w", err)
	}

	query := `
		INSERT INTO chunks (document_id, project_id, chunk_index, text, chunk_before,
			chunk_after, metadata, embedding, has_embedding, category_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	now := time.Now()
	for _, chunk := range chunks {
		chunk.DocumentID = documentID
		chunk.CreatedAt = now
		if chunk.Metadata == nil {
			chunk.Metadata = json.RawMessage(`{}`)
		}
		chunk.HasEmbedding = len(chunk.Embedding) > 0

		embVal, err := r.embeddingValue(chunk.Embedding)
		if err != nil {
			return err
		}

		err = tx.QueryRowContext(ctx, query,
			chunk.DocumentID, chunk.ProjectID, chunk.ChunkIndex, chunk.Text,
			chunk.ChunkBefore, chunk.ChunkAfter, chunk.Metadata, embVal,
			chunk.HasEmbedding, chunk.CategoryID, chunk.CreatedAt,
		).Scan(&chunk.ID)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk transaction: %w", err)
	}
	return nil
}

// DeleteForDocument removes all chunks belonging to a document.
func (r *ChunkRepository) DeleteForDocument(ctx context.Context, documentID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	return err
}

// ListByDocument returns chunks in chunk_index order, embeddings excluded.
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID int64) ([]*Chunk, error) {
	query := `
		SELECT id, document_id, project_id, chunk_index, text, chunk_before,
			chunk_after, metadata, has_embedding, category_id, created_at
		FROM chunks
		WHERE document_id = $1
		ORDER BY chunk_index
	`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		chunk := &Chunk{}
		if err := rows.Scan(
			&chunk.ID, &chunk.DocumentID, &chunk.ProjectID, &chunk.ChunkIndex, &chunk.Text,
			&chunk.ChunkBefore, &chunk.ChunkAfter, &chunk.Metadata, &chunk.HasEmbedding,
			&chunk.CategoryID, &chunk.CreatedAt,
		); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

// ListIndexable streams the (id, project, text) projection the sparse index
// is rebuilt from. A zero projectID selects the whole corpus.
func (r *ChunkRepository) ListIndexable(ctx context.Context, projectID int64) ([]IndexableChunk, error) {
	query := `SELECT id, project_id, text FROM chunks`
	args := []interface{}{}
	if projectID != 0 {
		query += ` WHERE project_id = $1`
		args = append(args, projectID)
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []IndexableChunk
	for rows.Next() {
		var c IndexableChunk
		if err := rows.Scan(&c.ChunkID, &c.ProjectID, &c.Text); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListEmbedded returns chunk ids with their stored vectors, used to warm the
// in-memory vector index when running on SQLite.
func (r *ChunkRepository) ListEmbedded(ctx context.Context, projectID int64) ([]EmbeddedChunk, error) {
	query := `
		SELECT id, embedding FROM chunks
		WHERE project_id = $1 AND has_embedding = true
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmbeddedChunk
	for rows.Next() {
		var c EmbeddedChunk
		if r.dialect == DialectPostgres {
			var vec pgvector.Vector
			if err := rows.Scan(&c.ChunkID, &vec); err != nil {
				return nil, err
			}
			c.Embedding = vec.Slice()
		} else {
			var raw sql.NullString
			if err := rows.Scan(&c.ChunkID, &raw); err != nil {
				return nil, err
			}
			if raw.Valid {
				if err := json.Unmarshal([]byte(raw.String), &c.Embedding); err != nil {
					return nil, fmt.Errorf("decode embedding for chunk %d: %w", c.ChunkID, err)
				}
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchSimilar runs a cosine KNN query over the embedding column. Similarity
// is 1 - cosine distance. Postgres only; SQLite callers use the memory index.
func (r *ChunkRepository) SearchSimilar(ctx context.Context, projectID int64, queryVec []float32, opts VectorSearchOptions) ([]*ChunkSearchRow, error) {
	if r.dialect != DialectPostgres {
		return nil, ErrVectorSearchUnavailable
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	query := `
		SELECT c.id, c.document_id, d.title, d.source_locator, d.created_at,
			c.chunk_index, c.text, c.metadata,
			1 - (c.embedding <=> $1) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.project_id = $2 AND c.has_embedding = true
	`
	args := []interface{}{pgvector.NewVector(queryVec), projectID}

	if opts.CategoryID != nil {
		args = append(args, *opts.CategoryID)
		query += fmt.Sprintf(" AND c.category_id = $%d", len(args))
	}
	if opts.MinSimilarity > 0 {
		args = append(args, opts.MinSimilarity)
		query += fmt.Sprintf(" AND 1 - (c.embedding <=> $1) >= $%d", len(args))
	}

	args = append(args, opts.Limit)
	query += fmt.Sprintf(" ORDER BY c.embedding <=> $1 LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []*ChunkSearchRow
	for rows.Next() {
		row := &ChunkSearchRow{}
		if err := rows.Scan(
			&row.ChunkID, &row.DocumentID, &row.DocumentTitle, &row.DocumentFilename,
			&row.DocumentCreatedAt, &row.ChunkIndex, &row.Text, &row.Metadata, &row.Similarity,
		); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// GetSearchRowsByIDs hydrates chunk ids (from the sparse index or the memory
// vector index) into full search rows. Order of ids is preserved.
func (r *ChunkRepository) GetSearchRowsByIDs(ctx context.Context, projectID int64, ids []int64) ([]*ChunkSearchRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, projectID)
	for i, id := range ids {
		args = append(args, id)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.document_id, d.title, d.source_locator, d.created_at,
			c.chunk_index, c.text, c.metadata
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.project_id = $1 AND c.id IN (%s)
	`, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*ChunkSearchRow, len(ids))
	for rows.Next() {
		row := &ChunkSearchRow{}
		if err := rows.Scan(
			&row.ChunkID, &row.DocumentID, &row.DocumentTitle, &row.DocumentFilename,
			&row.DocumentCreatedAt, &row.ChunkIndex, &row.Text, &row.Metadata,
		); err != nil {
			return nil, err
		}
		byID[row.ChunkID] = row
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]*ChunkSearchRow, 0, len(ids))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			results = append(results, row)
		}
	}
	return results, nil
}

// AssignCategory links every chunk of a document whose page falls within
// [fromPage, toPage] to the given category.
func (r *ChunkRepository) AssignCategory(ctx context.Context, documentID, categoryID int64, fromPage, toPage int) error {
	query := `
		UPDATE chunks SET category_id = $1
		WHERE document_id = $2
		  AND CAST(json_extract(metadata, '$.page') AS INTEGER) BETWEEN $3 AND $4
	`
	if r.dialect == DialectPostgres {
		query = `
			UPDATE chunks SET category_id = $1
			WHERE document_id = $2
			  AND (metadata->>'page')::int BETWEEN $3 AND $4
		`
	}
	_, err := r.db.ExecContext(ctx, query, categoryID, documentID, fromPage, toPage)
	return err
}

// CountByProject returns the number of chunks in a project.
func (r *ChunkRepository) CountByProject(ctx context.Context, projectID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE project_id = $1`, projectID).Scan(&count)
	return count, err
}
