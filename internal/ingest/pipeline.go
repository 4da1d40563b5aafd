package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/noetic-labs/knowledge-core/internal/agent"
	"github.com/noetic-labs/knowledge-core/internal/chunk"
	"github.com/noetic-labs/knowledge-core/internal/config"
	"github.com/noetic-labs/knowledge-core/internal/embedding"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/internal/pdf"
	"github.com/noetic-labs/knowledge-core/internal/scrape"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

// Step names shared by the progress streams.
const (
	StepExtraction = "extraction"
	StepChunking   = "chunking"
	StepEmbeddings = "embeddings"
	StepStorage    = "storage"

	StepInit       = "init"
	StepCrawl      = "crawl"
	StepExtract    = "extract"
	StepStatistics = "statistics"
	StepFinalize   = "finalize"
)

// stepWindow maps progress within one step onto the job-wide 0..100
// percentage scale.
type stepWindow struct{ from, to float64 }

func (w stepWindow) at(current, total int) float64 {
	if total <= 0 {
		return w.from
	}
	f := float64(current) / float64(total)
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return w.from + f*(w.to-w.from)
}

// Percentage windows for the document pipelines. PDF and YouTube share
// the extraction→chunking→embeddings→storage shape; web and agentic
// spend their first windows crawling and report the tail under
// finalize.
var (
	windowExtraction = stepWindow{0, 10}
	windowChunking   = stepWindow{10, 15}
	windowEmbeddings = stepWindow{15, 90}
	windowStorage    = stepWindow{90, 100}

	windowWebInit       = stepWindow{0, 5}
	windowWebCrawl      = stepWindow{5, 60}
	windowWebStatistics = stepWindow{60, 70}
	windowWebChunking   = stepWindow{70, 75}
	windowWebEmbeddings = stepWindow{75, 95}
	windowWebStorage    = stepWindow{95, 100}
)

// maxCategoryDepth caps how deep a PDF table of contents maps into the
// category tree. Deeper outline levels add noise, not navigation.
const maxCategoryDepth = 3

// failedUpdateTimeout bounds the detached status update that records a
// failure after the job's own context is gone.
const failedUpdateTimeout = 5 * time.Second

// Indexer refreshes the search side after a document lands. The
// retrieval coordinator satisfies it.
type Indexer interface {
	WarmProject(ctx context.Context, projectID int64) error
	InvalidateProject(ctx context.Context, projectID int64)
}

// Deps carries pipeline collaborators. Optional ones may be nil; source
// kinds that need a missing one fail with a configuration error.
type Deps struct {
	Repos       *storage.Repositories
	Embedder    embedding.Embedder
	Vision      pdf.VisionModel
	Crawler     *scrape.Crawler
	Agent       *agent.Runner
	Transcripts *TranscriptClient
	Index       Indexer
	Logger      *observability.Logger
}

// Pipeline executes ingestion jobs: extraction, chunking, embedding and
// storage for every source kind, reporting progress as it goes. Each
// run owns its document row's lifecycle: processing on entry, completed
// or failed on exit, never half-chunked in between.
type Pipeline struct {
	repos       *storage.Repositories
	chunker     *chunk.Chunker
	embedder    embedding.Embedder
	vision      pdf.VisionModel
	crawler     *scrape.Crawler
	agent       *agent.Runner
	transcripts *TranscriptClient
	index       Indexer
	cfg         config.IngestionConfig
	logger      *observability.Logger
}

// NewPipeline wires a pipeline from its dependencies.
func NewPipeline(deps Deps, cfg config.IngestionConfig) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Pipeline{
		repos:       deps.Repos,
		chunker:     chunk.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		embedder:    deps.Embedder,
		vision:      deps.Vision,
		crawler:     deps.Crawler,
		agent:       deps.Agent,
		transcripts: deps.Transcripts,
		index:       deps.Index,
		cfg:         cfg,
		logger:      logger.WithComponent("ingest.pipeline"),
	}
}

// IngestPDF runs the full document pipeline over a PDF on disk:
// classify, extract through the waterfall, chunk page-aware, embed,
// store, then map the table of contents onto the category tree.
func (p *Pipeline) IngestPDF(ctx context.Context, progress *Publisher, projectID int64, title, path string) (*storage.Document, error) {
	if title == "" {
		title = filepath.Base(path)
	}
	doc, err := p.createDocument(ctx, projectID, title, storage.SourceKindPDF, path)
	if err != nil {
		return nil, err
	}

	extraction, classification, toc, err := p.extractPDF(ctx, progress, path)
	if err != nil {
		return doc, p.fail(ctx, doc, err)
	}
	meta := extractionMetadata(classification, extraction)
	if err := p.repos.Documents.SetExtractionResult(ctx, doc.ID, extraction.PageCount, meta); err != nil {
		return doc, p.fail(ctx, doc, fmt.Errorf("record extraction: %w", err))
	}
	doc.PageCount = extraction.PageCount
	doc.ExtractionMetadata = meta

	chunks, err := p.chunkStep(ctx, progress, StepChunking, windowChunking, extraction.Text, true)
	if err != nil {
		return doc, p.fail(ctx, doc, err)
	}
	vectors, failedEmbeds, err := p.embedAll(ctx, progress, StepEmbeddings, windowEmbeddings, chunks)
	if err != nil {
		return doc, p.fail(ctx, doc, err)
	}

	progress.Update(StepStorage, 0, 1, windowStorage.from, "storing chunks", nil)
	if err := p.storeAll(ctx, doc, chunks, vectors, nil); err != nil {
		return doc, p.fail(ctx, doc, err)
	}
	categories := p.mapTOC(ctx, doc, toc, extraction.PageCount)
	p.refreshIndex(ctx, doc.ProjectID)
	if err := p.complete(ctx, doc); err != nil {
		return doc, err
	}

	p.logger.Info().
		Int64("document_id", doc.ID).
		Int64("project_id", projectID).
		Str("tool", extraction.Tool).
		Int("pages", extraction.PageCount).
		Int("chunks", len(chunks)).
		Int("failed_embeds", failedEmbeds).
		Int("categories", categories).
		Msg("pdf ingested")

	progress.Done("document ingested", map[string]any{
		"document_id":   doc.ID,
		"pages":         extraction.PageCount,
		"chunks":        len(chunks),
		"failed_embeds": failedEmbeds,
		"categories":    categories,
	})
	return doc, nil
}

// IngestText runs the tail of the pipeline over raw text: no
// extraction, straight to chunking.
func (p *Pipeline) IngestText(ctx context.Context, progress *Publisher, projectID int64, title, text string) (*storage.Document, error) {
	doc, err := p.createDocument(ctx, projectID, title, storage.SourceKindText, "inline")
	if err != nil {
		return nil, err
	}

	chunks, err := p.chunkStep(ctx, progress, StepChunking, stepWindow{0, 20}, text, false)
	if err != nil {
		return doc, p.fail(ctx, doc, err)
	}
	vectors, failedEmbeds, err := p.embedAll(ctx, progress, StepEmbeddings, stepWindow{20, 90}, chunks)
	if err != nil {
		return doc, p.fail(ctx, doc, err)
	}

	progress.Update(StepStorage, 0, 1, 90, "storing chunks", nil)
	if err := p.storeAll(ctx, doc, chunks, vectors, nil); err != nil {
		return doc, p.fail(ctx, doc, err)
	}
	p.refreshIndex(ctx, doc.ProjectID)
	if err := p.complete(ctx, doc); err != nil {
		return doc, err
	}

	progress.Done("text ingested", map[string]any{
		"document_id":   doc.ID,
		"chunks":        len(chunks),
		"failed_embeds": failedEmbeds,
	})
	return doc, nil
}

// IngestYouTube fetches the video's caption transcript and runs the
// text pipeline over it.
func (p *Pipeline) IngestYouTube(ctx context.Context, progress *Publisher, projectID int64, videoURL string) (*storage.Document, error) {
	if p.transcripts == nil {
		return nil, errors.New("no transcript client configured")
	}
	videoID, err := VideoID(videoURL)
	if err != nil {
		return nil, err
	}

	doc, err := p.createDocument(ctx, projectID, "YouTube "+videoID, storage.SourceKindYouTube, videoURL)
	if err != nil {
		return nil, err
	}

	progress.Update(StepExtraction, 0, 1, windowExtraction.from, "fetching transcript", nil)
	transcript, err := p.transcripts.Fetch(ctx, videoURL)
	if err != nil {
		return doc, p.fail(ctx, doc, fmt.Errorf("fetch transcript: %w", err))
	}
	meta := transcriptMetadata(transcript)
	if err := p.repos.Documents.SetExtractionResult(ctx, doc.ID, 0, meta); err != nil {
		return doc, p.fail(ctx, doc, fmt.Errorf("record extraction: %w", err))
	}
	progress.Update(StepExtraction, 1, 1, windowExtraction.to,
		fmt.Sprintf("transcript fetched: %d segments", len(transcript.Segments)),
		map[string]any{"video_id": transcript.VideoID, "language": transcript.Language})

	chunks, err := p.chunkStep(ctx, progress, StepChunking, windowChunking, transcript.Text(), false)
	if err != nil {
		return doc, p.fail(ctx, doc, err)
	}
	vectors, failedEmbeds, err := p.embedAll(ctx, progress, StepEmbeddings, windowEmbeddings, chunks)
	if err != nil {
		return doc, p.fail(ctx, doc, err)
	}

	progress.Update(StepStorage, 0, 1, windowStorage.from, "storing chunks", nil)
	if err := p.storeAll(ctx, doc, chunks, vectors, nil); err != nil {
		return doc, p.fail(ctx, doc, err)
	}
	p.refreshIndex(ctx, doc.ProjectID)
	if err := p.complete(ctx, doc); err != nil {
		return doc, err
	}

	progress.Done("transcript ingested", map[string]any{
		"document_id":   doc.ID,
		"video_id":      transcript.VideoID,
		"chunks":        len(chunks),
		"failed_embeds": failedEmbeds,
	})
	return doc, nil
}

// IngestWeb crawls the job's URL and lands the harvested pages as one
// web document. Failures before the document exists are recorded on
// the crawl job row; after that, on both rows.
func (p *Pipeline) IngestWeb(ctx context.Context, progress *Publisher, job *storage.CrawlJob) (*storage.Document, error) {
	if p.crawler == nil {
		return nil, errors.New("no crawler configured")
	}

	progress.Update(StepInit, 0, 1, windowWebInit.from, "starting crawl", nil)
	if err := p.repos.CrawlJobs.UpdateProgress(ctx, job.ID, storage.CrawlStatusInProgress, 0, 0); err != nil {
		return nil, p.failCrawl(ctx, job, fmt.Errorf("mark crawl in progress: %w", err))
	}

	req := scrape.CrawlRequest{
		SeedURL:        job.URL,
		MaxPages:       job.MaxPages,
		MaxDepth:       job.DepthLimit,
		URLPatterns:    decodeStrings(job.URLPatterns),
		ContentFilters: decodeStrings(job.ContentFilters),
	}
	if job.Engine != nil {
		req.Engine = scrape.EngineName(*job.Engine)
	}
	total := req.MaxPages
	if total <= 0 {
		total = 10
	}
	progress.Update(StepInit, 1, 1, windowWebInit.to, "crawling "+job.URL, nil)

	fetched := 0
	outcome, err := p.crawler.Crawl(ctx, req, func(r *scrape.Result) {
		fetched++
		msg := "fetched " + r.URL
		if r.Failed() {
			msg = "failed " + r.URL
		}
		progress.Update(StepCrawl, fetched, total, windowWebCrawl.at(fetched, total), msg, nil)
	})
	if err != nil {
		return nil, p.failCrawl(ctx, job, err)
	}

	progress.Update(StepStatistics, 1, 1, windowWebStatistics.to,
		fmt.Sprintf("%d pages crawled, %d failed, %d filtered", outcome.Crawled, outcome.Failed, outcome.Filtered),
		map[string]any{
			"engine":        string(outcome.Engine),
			"urls_crawled":  outcome.Crawled,
			"urls_failed":   outcome.Failed,
			"urls_filtered": outcome.Filtered,
		})
	if err := p.repos.CrawlJobs.UpdateProgress(ctx, job.ID, storage.CrawlStatusInProgress, outcome.Crawled, outcome.Failed); err != nil {
		p.logger.Warn().Int64("crawl_job_id", job.ID).Err(err).Msg("crawl progress update failed")
	}
	if len(outcome.Pages) == 0 {
		return nil, p.failCrawl(ctx, job, errors.New("no pages crawled"))
	}

	title := outcome.Pages[0].Title
	if title == "" {
		title = job.URL
	}
	doc, err := p.createDocument(ctx, job.ProjectID, title, storage.SourceKindWeb, job.URL)
	if err != nil {
		return nil, p.failCrawl(ctx, job, err)
	}
	if err := p.repos.Documents.SetExtractionResult(ctx, doc.ID, len(outcome.Pages), webMetadata(outcome)); err != nil {
		return doc, p.failBoth(ctx, doc, job, fmt.Errorf("record extraction: %w", err))
	}
	doc.PageCount = len(outcome.Pages)

	text, pageURLs := joinPages(outcome.Pages)
	chunks, err := p.chunkStep(ctx, progress, StepFinalize, windowWebChunking, text, true)
	if err != nil {
		return doc, p.failBoth(ctx, doc, job, err)
	}
	vectors, failedEmbeds, err := p.embedAll(ctx, progress, StepFinalize, windowWebEmbeddings, chunks)
	if err != nil {
		return doc, p.failBoth(ctx, doc, job, err)
	}

	progress.Update(StepFinalize, 0, 1, windowWebStorage.from, "storing chunks", nil)
	if err := p.storeAll(ctx, doc, chunks, vectors, pageURLs); err != nil {
		return doc, p.failBoth(ctx, doc, job, err)
	}
	p.refreshIndex(ctx, doc.ProjectID)
	if err := p.complete(ctx, doc); err != nil {
		return doc, p.failCrawl(ctx, job, err)
	}
	if err := p.repos.CrawlJobs.Finish(ctx, job.ID, storage.CrawlStatusCompleted, &doc.ID, nil); err != nil {
		p.logger.Error().Int64("crawl_job_id", job.ID).Err(err).Msg("could not mark crawl job completed")
	}

	p.logger.Info().
		Int64("crawl_job_id", job.ID).
		Int64("document_id", doc.ID).
		Str("engine", string(outcome.Engine)).
		Int("pages", len(outcome.Pages)).
		Int("chunks", len(chunks)).
		Msg("web crawl ingested")

	progress.Done("crawl ingested", map[string]any{
		"document_id":   doc.ID,
		"pages":         len(outcome.Pages),
		"chunks":        len(chunks),
		"failed_embeds": failedEmbeds,
		"urls_failed":   outcome.Failed,
	})
	return doc, nil
}

// IngestAgentic drives the browsing agent for an intent and lands the
// extracted knowledge as one web document. The workflow row records the
// run either way; the document exists only on success.
func (p *Pipeline) IngestAgentic(ctx context.Context, progress *Publisher, projectID int64, intent, seedURL string) (*storage.Document, *storage.AgentWorkflow, error) {
	if p.agent == nil {
		return nil, nil, errors.New("no agent configured")
	}

	progress.Update(StepInit, 1, 1, windowWebInit.to, "starting agent for "+seedURL, nil)
	workflow, outcome, err := p.agent.Execute(ctx, projectID, intent, seedURL)
	if err != nil {
		return nil, workflow, fmt.Errorf("agent run: %w", err)
	}
	progress.Update(StepExtract, outcome.PagesVisited, outcome.PagesVisited, windowWebCrawl.to,
		fmt.Sprintf("agent visited %d pages", outcome.PagesVisited), nil)

	progress.Update(StepStatistics, 1, 1, windowWebStatistics.to,
		fmt.Sprintf("%d extractions from %d pages", len(outcome.Extracted), outcome.PagesVisited),
		map[string]any{
			"pages_visited": outcome.PagesVisited,
			"pages_failed":  outcome.PagesFailed,
			"vision_pages":  outcome.VisionPages,
			"extractions":   len(outcome.Extracted),
		})
	if len(outcome.Extracted) == 0 {
		return nil, workflow, errors.New("agent extracted nothing")
	}

	doc, err := p.createDocument(ctx, projectID, agentTitle(intent), storage.SourceKindWeb, seedURL)
	if err != nil {
		return nil, workflow, err
	}
	if err := p.repos.Documents.SetExtractionResult(ctx, doc.ID, len(outcome.Extracted), agentMetadata(workflow, outcome)); err != nil {
		return doc, workflow, p.fail(ctx, doc, fmt.Errorf("record extraction: %w", err))
	}
	doc.PageCount = len(outcome.Extracted)

	text, pageURLs := joinExtractions(outcome.Extracted)
	chunks, err := p.chunkStep(ctx, progress, StepFinalize, windowWebChunking, text, true)
	if err != nil {
		return doc, workflow, p.fail(ctx, doc, err)
	}
	vectors, failedEmbeds, err := p.embedAll(ctx, progress, StepFinalize, windowWebEmbeddings, chunks)
	if err != nil {
		return doc, workflow, p.fail(ctx, doc, err)
	}

	progress.Update(StepFinalize, 0, 1, windowWebStorage.from, "storing chunks", nil)
	if err := p.storeAll(ctx, doc, chunks, vectors, pageURLs); err != nil {
		return doc, workflow, p.fail(ctx, doc, err)
	}
	p.refreshIndex(ctx, doc.ProjectID)
	if err := p.complete(ctx, doc); err != nil {
		return doc, workflow, err
	}

	progress.Done("agent run ingested", map[string]any{
		"document_id":   doc.ID,
		"workflow_id":   workflow.ID,
		"extractions":   len(outcome.Extracted),
		"chunks":        len(chunks),
		"failed_embeds": failedEmbeds,
	})
	return doc, workflow, nil
}

func (p *Pipeline) createDocument(ctx context.Context, projectID int64, title string, kind storage.SourceKind, locator string) (*storage.Document, error) {
	doc := &storage.Document{
		ProjectID:     projectID,
		Title:         title,
		SourceKind:    kind,
		SourceLocator: locator,
		Status:        storage.DocumentStatusProcessing,
	}
	if err := p.repos.Documents.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

// extractPDF classifies the document, runs the extraction waterfall in
// the recommended order and pulls the table of contents, all from one
// open handle.
func (p *Pipeline) extractPDF(ctx context.Context, progress *Publisher, path string) (*pdf.Extraction, pdf.Classification, []*pdf.TOCEntry, error) {
	progress.Update(StepExtraction, 0, 2, windowExtraction.from, "classifying document", nil)

	src, err := pdf.OpenFitz(path)
	if err != nil {
		return nil, pdf.Classification{}, nil, fmt.Errorf("open pdf: %w", err)
	}
	defer src.Close()

	classification := pdf.ClassifyDocument(src)
	progress.Update(StepExtraction, 1, 2, windowExtraction.at(1, 2),
		fmt.Sprintf("classified as %s", classification.Type),
		map[string]any{
			"document_type": string(classification.Type),
			"confidence":    classification.Confidence,
		})

	available := []pdf.Extractor{pdf.NewLayoutExtractor(), pdf.NewFastExtractor()}
	if p.vision != nil {
		available = append(available, pdf.NewOCRExtractor(p.vision))
	}
	extraction, err := pdf.Waterfall(ctx, path, pdf.SelectExtractors(classification.Extractors, available))
	if err != nil {
		return nil, classification, nil, fmt.Errorf("extract text: %w", err)
	}

	toc := pdf.ExtractTOC(ctx, src)
	progress.Update(StepExtraction, 2, 2, windowExtraction.to,
		fmt.Sprintf("extracted %d pages with %s", extraction.PageCount, extraction.Tool), nil)
	return extraction, classification, toc, nil
}

// chunkStep splits text and reports the count. Empty output fails the
// document: nothing retrievable was produced.
func (p *Pipeline) chunkStep(ctx context.Context, progress *Publisher, step string, win stepWindow, text string, paged bool) ([]chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress.Update(step, 0, 1, win.from, "chunking text", nil)

	var chunks []chunk.Chunk
	if paged {
		chunks = p.chunker.SplitPages(text)
	} else {
		chunks = p.chunker.Split(text)
	}
	if len(chunks) == 0 {
		return nil, errors.New("no text to chunk")
	}
	progress.Update(step, 1, 1, win.to,
		fmt.Sprintf("split into %d chunks", len(chunks)),
		map[string]any{"chunks": len(chunks)})
	return chunks, nil
}

// embedAll embeds chunks with their neighbor context in batches,
// reporting after every batch. Blank chunks come back with nil vectors
// and are counted, not fatal; a failed batch fails the document.
func (p *Pipeline) embedAll(ctx context.Context, progress *Publisher, step string, win stepWindow, chunks []chunk.Chunk) ([][]float32, int, error) {
	if p.embedder == nil {
		return nil, 0, errors.New("no embedder configured")
	}
	batch := p.cfg.EmbeddingBatchSize
	if batch <= 0 {
		batch = 75
	}

	vectors := make([][]float32, 0, len(chunks))
	failed := 0
	for start := 0; start < len(chunks); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, failed, err
		}
		end := start + batch
		if end > len(chunks) {
			end = len(chunks)
		}

		items := make([]embedding.ContextualText, 0, end-start)
		for _, c := range chunks[start:end] {
			items = append(items, embedding.ContextualText{Text: c.Text, Before: c.Before, After: c.After})
		}
		got, err := p.embedder.EmbedContextual(ctx, items)
		if err != nil {
			return nil, failed, fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		for _, v := range got {
			if len(v) == 0 {
				failed++
			}
		}
		vectors = append(vectors, got...)

		progress.Update(step, end, len(chunks), win.at(end, len(chunks)),
			fmt.Sprintf("embedded %d/%d chunks", end, len(chunks)), nil)
	}
	return vectors, failed, nil
}

// storeAll persists the document's chunks with their vectors in one
// transaction, replacing whatever a previous run left behind.
func (p *Pipeline) storeAll(ctx context.Context, doc *storage.Document, chunks []chunk.Chunk, vectors [][]float32, pageURLs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rows := make([]*storage.Chunk, 0, len(chunks))
	for i, c := range chunks {
		meta := map[string]any{
			"char_start": c.Start,
			"char_end":   c.End,
		}
		if c.Page > 0 {
			meta["page"] = c.Page
		}
		if c.Page >= 1 && c.Page <= len(pageURLs) {
			meta["url"] = pageURLs[c.Page-1]
		}
		if i < len(vectors) && len(vectors[i]) > 0 {
			meta["embedding_model"] = p.embedder.Model()
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}

		row := &storage.Chunk{
			DocumentID: doc.ID,
			ProjectID:  doc.ProjectID,
			ChunkIndex: c.Index,
			Text:       c.Text,
			Metadata:   metaJSON,
		}
		if c.Before != "" {
			before := c.Before
			row.ChunkBefore = &before
		}
		if c.After != "" {
			after := c.After
			row.ChunkAfter = &after
		}
		if i < len(vectors) && len(vectors[i]) > 0 {
			row.Embedding = vectors[i]
		}
		rows = append(rows, row)
	}

	if err := p.repos.Chunks.ReplaceForDocument(ctx, doc.ID, rows); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	return nil
}

// mapTOC inserts the table of contents as a category subtree and links
// the document's chunks to the nearest entry by page. Best effort: a
// document without a usable TOC is common and fine.
func (p *Pipeline) mapTOC(ctx context.Context, doc *storage.Document, toc []*pdf.TOCEntry, pageCount int) int {
	flat := flattenTOC(toc, maxCategoryDepth)
	if len(flat) == 0 {
		return 0
	}
	created, err := p.applyCategories(ctx, doc, flat, pageCount)
	if err != nil {
		p.logger.Warn().Int64("document_id", doc.ID).Err(err).Msg("toc category mapping failed")
	}
	return created
}

// flatTOC is a depth-first flattening of the TOC tree with parent links
// by slice index; -1 marks roots.
type flatTOC struct {
	title  string
	page   int
	depth  int
	parent int
	order  int
}

func flattenTOC(entries []*pdf.TOCEntry, maxDepth int) []flatTOC {
	var out []flatTOC
	var walk func(list []*pdf.TOCEntry, depth, parent int)
	walk = func(list []*pdf.TOCEntry, depth, parent int) {
		if depth >= maxDepth {
			return
		}
		for i, e := range list {
			if strings.TrimSpace(e.Title) == "" {
				continue
			}
			idx := len(out)
			out = append(out, flatTOC{title: e.Title, page: e.Page, depth: depth, parent: parent, order: i})
			walk(e.Children, depth+1, idx)
		}
	}
	walk(entries, 0, -1)
	return out
}

// applyCategories upserts the flattened entries in pre-order (parents
// land before children) and assigns chunks by page span. Children run
// after their parents, so a chunk ends up with the deepest entry that
// covers its page.
func (p *Pipeline) applyCategories(ctx context.Context, doc *storage.Document, flat []flatTOC, pageCount int) (int, error) {
	ids := make([]int64, len(flat))
	created := 0
	for i, e := range flat {
		cat := &storage.Category{
			ProjectID:   doc.ProjectID,
			Name:        e.title,
			Description: fmt.Sprintf("From %q, page %d", doc.Title, e.page),
			Depth:       e.depth,
			SortOrder:   e.order,
		}
		if e.parent >= 0 {
			parentID := ids[e.parent]
			cat.ParentID = &parentID
		}
		if err := p.repos.Categories.Upsert(ctx, cat); err != nil {
			return created, fmt.Errorf("upsert category %q: %w", e.title, err)
		}
		ids[i] = cat.ID
		created++
	}

	for i, e := range flat {
		from := e.page
		if from < 1 {
			from = 1
		}
		to := pageCount
		// The entry's span ends where the next entry at its level or
		// above begins.
		for j := i + 1; j < len(flat); j++ {
			if flat[j].depth <= e.depth {
				if flat[j].page > e.page {
					to = flat[j].page - 1
				}
				break
			}
		}
		if to < from {
			to = from
		}
		if err := p.repos.Chunks.AssignCategory(ctx, doc.ID, ids[i], from, to); err != nil {
			return created, fmt.Errorf("assign category %q: %w", e.title, err)
		}
	}
	return created, nil
}

// refreshIndex rebuilds the project's sparse shard and drops stale
// cached search responses. Non-fatal: the next explicit rebuild heals a
// missed refresh.
func (p *Pipeline) refreshIndex(ctx context.Context, projectID int64) {
	if p.index == nil {
		return
	}
	if err := p.index.WarmProject(ctx, projectID); err != nil {
		p.logger.Warn().Int64("project_id", projectID).Err(err).Msg("sparse index refresh failed")
	}
	p.index.InvalidateProject(ctx, projectID)
}

func (p *Pipeline) complete(ctx context.Context, doc *storage.Document) error {
	if err := p.repos.Documents.SetStatus(ctx, doc.ID, storage.DocumentStatusCompleted, nil); err != nil {
		return p.fail(ctx, doc, fmt.Errorf("mark completed: %w", err))
	}
	doc.Status = storage.DocumentStatusCompleted
	return nil
}

// fail marks the document failed and passes err through. The update
// runs detached from ctx so cancellation still lands on the row.
func (p *Pipeline) fail(ctx context.Context, doc *storage.Document, err error) error {
	msg := failureMessage(err)
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failedUpdateTimeout)
	defer cancel()
	if serr := p.repos.Documents.SetStatus(uctx, doc.ID, storage.DocumentStatusFailed, &msg); serr != nil {
		p.logger.Error().Int64("document_id", doc.ID).Err(serr).Msg("could not mark document failed")
	}
	doc.Status = storage.DocumentStatusFailed
	doc.ErrorMessage = &msg
	return err
}

// failCrawl marks the crawl job failed and passes err through.
func (p *Pipeline) failCrawl(ctx context.Context, job *storage.CrawlJob, err error) error {
	msg := failureMessage(err)
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failedUpdateTimeout)
	defer cancel()
	if ferr := p.repos.CrawlJobs.Finish(uctx, job.ID, storage.CrawlStatusFailed, nil, &msg); ferr != nil {
		p.logger.Error().Int64("crawl_job_id", job.ID).Err(ferr).Msg("could not mark crawl job failed")
	}
	return err
}

func (p *Pipeline) failBoth(ctx context.Context, doc *storage.Document, job *storage.CrawlJob, err error) error {
	_ = p.fail(ctx, doc, err)
	return p.failCrawl(ctx, job, err)
}

// extractionMetadata records the classifier verdict and the winning
// tool on the document row.
func extractionMetadata(c pdf.Classification, e *pdf.Extraction) json.RawMessage {
	meta := map[string]any{
		"document_type":             string(c.Type),
		"classification_confidence": c.Confidence,
		"reasoning":                 c.Reasoning,
		"extraction_tool":           e.Tool,
		"page_count":                e.PageCount,
	}
	return mustJSON(meta)
}

func transcriptMetadata(t *Transcript) json.RawMessage {
	return mustJSON(map[string]any{
		"video_id": t.VideoID,
		"language": t.Language,
		"segments": len(t.Segments),
	})
}

func webMetadata(outcome *scrape.CrawlOutcome) json.RawMessage {
	return mustJSON(map[string]any{
		"engine":        string(outcome.Engine),
		"urls_crawled":  outcome.Crawled,
		"urls_failed":   outcome.Failed,
		"urls_filtered": outcome.Filtered,
	})
}

func agentMetadata(wf *storage.AgentWorkflow, outcome *agent.Outcome) json.RawMessage {
	return mustJSON(map[string]any{
		"workflow_id":   wf.ID,
		"pages_visited": outcome.PagesVisited,
		"pages_failed":  outcome.PagesFailed,
		"vision_pages":  outcome.VisionPages,
		"extractions":   len(outcome.Extracted),
	})
}

func mustJSON(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// joinPages assembles crawled pages into one page-aware text and
// returns the per-page source URLs for chunk metadata.
func joinPages(pages []*scrape.Result) (string, []string) {
	texts := make([]string, 0, len(pages))
	urls := make([]string, 0, len(pages))
	for _, pg := range pages {
		body := pg.Text
		if pg.Title != "" {
			body = pg.Title + "\n\n" + body
		}
		texts = append(texts, body)
		urls = append(urls, pg.URL)
	}
	return strings.Join(texts, chunk.PageSeparator), urls
}

// joinExtractions does the same for agent extractions, folding insights
// into the page body.
func joinExtractions(extracted []agent.Extraction) (string, []string) {
	texts := make([]string, 0, len(extracted))
	urls := make([]string, 0, len(extracted))
	for _, e := range extracted {
		var sb strings.Builder
		if e.Title != "" {
			sb.WriteString(e.Title)
			sb.WriteString("\n\n")
		}
		sb.WriteString(e.MainContent)
		for _, insight := range e.Insights {
			sb.WriteString("\n- ")
			sb.WriteString(insight)
		}
		texts = append(texts, sb.String())
		urls = append(urls, e.URL)
	}
	return strings.Join(texts, chunk.PageSeparator), urls
}

// agentTitle derives a document title from the agent's intent.
func agentTitle(intent string) string {
	intent = strings.TrimSpace(intent)
	if len(intent) > 80 {
		intent = intent[:80]
	}
	if intent == "" {
		intent = "untitled run"
	}
	return "Agent: " + intent
}

// decodeStrings decodes a JSON string-array column, tolerating null.
func decodeStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
