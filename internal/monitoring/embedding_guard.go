// Package monitoring guards the stored corpus against embedding model
// drift: embeddings are only comparable when every chunk was produced
// by the deployment's current model, so chunks tagged with a retired
// model (or none at all) must be found and re-embedded before dense
// retrieval can trust them.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/noetic-labs/knowledge-core/internal/embedding"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// Mismatch is one document whose embedded chunks carry a model tag
// other than the current one. Untagged embedded chunks count too:
// their provenance is unknown, which is as bad as a wrong model.
type Mismatch struct {
	ProjectID   int64     `json:"project_id"`
	DocumentID  int64     `json:"document_id"`
	Title       string    `json:"title"`
	Models      []string  `json:"models"`
	StaleChunks int       `json:"stale_chunks"`
	TotalChunks int       `json:"total_chunks"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Report summarizes one guard pass.
type Report struct {
	CurrentModel     string     `json:"current_model"`
	DocumentsChecked int        `json:"documents_checked"`
	Mismatches       []Mismatch `json:"mismatches"`
	ReEmbedded       int        `json:"re_embedded"`
	FailedEmbeds     int        `json:"failed_embeds"`
}

// EmbeddingGuard detects embedding model mismatches and re-embeds the
// affected documents in place. Re-embedding reuses the chunk store's
// transactional replace, so a repair interrupted mid-document leaves
// that document on its previous rows.
type EmbeddingGuard struct {
	logger   *observability.Logger
	repos    *storage.Repositories
	embedder embedding.Embedder
	batch    int
}

// NewEmbeddingGuard creates a guard bound to the current embedder.
func NewEmbeddingGuard(repos *storage.Repositories, embedder embedding.Embedder, batchSize int, logger *observability.Logger) *EmbeddingGuard {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if batchSize <= 0 {
		batchSize = 75
	}
	return &EmbeddingGuard{
		logger:   logger.WithComponent("embedding_guard"),
		repos:    repos,
		embedder: embedder,
		batch:    batchSize,
	}
}

// Check scans completed documents for chunks embedded under a model
// other than the current one. projectID <= 0 scans every project.
func (g *EmbeddingGuard) Check(ctx context.Context, projectID int64) (*Report, error) {
	report := &Report{CurrentModel: g.embedder.Model()}

	projectIDs, err := g.projectScope(ctx, projectID)
	if err != nil {
		return nil, err
	}

	for _, pid := range projectIDs {
		docs, err := g.repos.Documents.ListByProject(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("list documents for project %d: %w", pid, err)
		}
		for _, doc := range docs {
			if doc.Status != storage.DocumentStatusCompleted {
				continue
			}
			report.DocumentsChecked++
			mismatch, err := g.checkDocument(ctx, doc)
			if err != nil {
				return nil, err
			}
			if mismatch != nil {
				report.Mismatches = append(report.Mismatches, *mismatch)
			}
		}
	}

	g.logger.Info().
		Str("current_model", report.CurrentModel).
		Int("documents_checked", report.DocumentsChecked).
		Int("mismatches", len(report.Mismatches)).
		Msg("Embedding model check completed")
	return report, nil
}

// Repair runs Check and re-embeds every mismatched document with the
// current model. Chunks the embedder returns empty vectors for are
// stored without an embedding and counted on the report.
func (g *EmbeddingGuard) Repair(ctx context.Context, projectID int64) (*Report, error) {
	report, err := g.Check(ctx, projectID)
	if err != nil {
		return nil, err
	}

	for _, m := range report.Mismatches {
		reEmbedded, failed, err := g.reEmbedDocument(ctx, m.DocumentID)
		if err != nil {
			return report, fmt.Errorf("re-embed document %d: %w", m.DocumentID, err)
		}
		report.ReEmbedded += reEmbedded
		report.FailedEmbeds += failed

		g.logger.Info().
			Int64("document_id", m.DocumentID).
			Int("chunks", reEmbedded).
			Int("failed", failed).
			Msg("Document re-embedded")
	}
	return report, nil
}

// projectScope resolves the set of project ids a pass covers.
func (g *EmbeddingGuard) projectScope(ctx context.Context, projectID int64) ([]int64, error) {
	if projectID > 0 {
		return []int64{projectID}, nil
	}
	projects, err := g.repos.Projects.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	ids := make([]int64, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// checkDocument returns a mismatch when any embedded chunk of doc was
// produced by a model other than the current one, nil otherwise.
func (g *EmbeddingGuard) checkDocument(ctx context.Context, doc *storage.Document) (*Mismatch, error) {
	chunks, err := g.repos.Chunks.ListByDocument(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for document %d: %w", doc.ID, err)
	}

	current := g.embedder.Model()
	models := map[string]bool{}
	stale := 0
	for _, c := range chunks {
		if !c.HasEmbedding {
			continue
		}
		model := chunkModelTag(c.Metadata)
		models[model] = true
		if model != current {
			stale++
		}
	}
	if stale == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(models))
	for m := range models {
		if m == "" {
			m = "untagged"
		}
		names = append(names, m)
	}
	sort.Strings(names)

	return &Mismatch{
		ProjectID:   doc.ProjectID,
		DocumentID:  doc.ID,
		Title:       doc.Title,
		Models:      names,
		StaleChunks: stale,
		TotalChunks: len(chunks),
		DetectedAt:  time.Now(),
	}, nil
}

// reEmbedDocument regenerates every chunk embedding of one document
// with the current model and replaces the rows in one transaction.
func (g *EmbeddingGuard) reEmbedDocument(ctx context.Context, documentID int64) (int, int, error) {
	chunks, err := g.repos.Chunks.ListByDocument(ctx, documentID)
	if err != nil {
		return 0, 0, fmt.Errorf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return 0, 0, nil
	}

	current := g.embedder.Model()
	failed := 0
	for start := 0; start < len(chunks); start += g.batch {
		if err := ctx.Err(); err != nil {
			return 0, failed, err
		}
		end := start + g.batch
		if end > len(chunks) {
			end = len(chunks)
		}

		items := make([]embedding.ContextualText, 0, end-start)
		for _, c := range chunks[start:end] {
			item := embedding.ContextualText{Text: c.Text}
			if c.ChunkBefore != nil {
				item.Before = *c.ChunkBefore
			}
			if c.ChunkAfter != nil {
				item.After = *c.ChunkAfter
			}
			items = append(items, item)
		}

		vectors, err := g.embedder.EmbedContextual(ctx, items)
		if err != nil {
			return 0, failed, fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		for i, vec := range vectors {
			c := chunks[start+i]
			c.Embedding = vec
			if len(vec) == 0 {
				failed++
				c.Metadata = setModelTag(c.Metadata, "")
				continue
			}
			c.Metadata = setModelTag(c.Metadata, current)
		}
	}

	if err := g.repos.Chunks.ReplaceForDocument(ctx, documentID, chunks); err != nil {
		return 0, failed, err
	}
	return len(chunks) - failed, failed, nil
}

// chunkModelTag reads the embedding_model tag from chunk metadata;
// empty means the chunk predates model tagging.
func chunkModelTag(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var meta map[string]any
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return ""
	}
	model, _ := meta["embedding_model"].(string)
	return model
}

// setModelTag rewrites the embedding_model tag, dropping it when the
// chunk ends up without an embedding.
func setModelTag(metadata json.RawMessage, model string) json.RawMessage {
	meta := map[string]any{}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &meta)
	}
	if model == "" {
		delete(meta, "embedding_model")
	} else {
		meta["embedding_model"] = model
	}
	out, err := json.Marshal(meta)
	if err != nil {
		return metadata
	}
	return out
}
