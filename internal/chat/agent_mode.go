package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/noetic-labs/knowledge-core/internal/llm"
	"github.com/noetic-labs/knowledge-core/internal/scrape"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

const (
	// maxTreeDepth caps how deep a model-derived category tree may go.
	maxTreeDepth = 3

	// agentPageLimit bounds how much page text goes into the prompt.
	agentPageLimit = 8000
)

const categoryPromptTemplate = `Derive a hierarchical category tree for organizing a knowledge base built around the page below.
Return only JSON shaped as {"categories": [{"name": "...", "description": "...", "children": [...]}]}.
Use at most %d levels and concise names.

Page title: %s

Page content:
%s`

// AgentRequest asks agent mode to derive a category tree for a
// project from one crawled page.
type AgentRequest struct {
	ProjectID int64
	SeedURL   string
	Engine    scrape.EngineName
}

type categoryNode struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Children    []categoryNode `json:"children,omitempty"`
}

type categoryTree struct {
	Categories []categoryNode `json:"categories"`
}

// flatCategory is one node of the flattened tree with a reference to
// its parent's position in the list, -1 for roots.
type flatCategory struct {
	name        string
	description string
	depth       int
	parent      int
	order       int
}

// AgentMode bypasses RAG: it crawls the seed URL, asks the model for a
// hierarchical category tree over the page, inserts the flattened tree
// under the project, and streams a summary back. Event order:
// agent_status while working, one artifact_created per category, a
// summary token, then done.
func (a *Assembler) AgentMode(ctx context.Context, req AgentRequest, sink Sink) error {
	start := a.now()

	if strings.TrimSpace(req.SeedURL) == "" {
		return errors.New("seed url required")
	}
	if req.ProjectID <= 0 {
		return errors.New("project id required")
	}
	if a.crawler == nil || a.categories == nil {
		return errors.New("agent mode not configured")
	}
	if a.model == nil {
		return errors.New("no chat model configured")
	}

	if err := sink(Event{Type: EventAgentStatus, Message: "fetching " + req.SeedURL}); err != nil {
		return fmt.Errorf("emit status event: %w", err)
	}
	outcome, err := a.crawler.Crawl(ctx, scrape.CrawlRequest{
		SeedURL:  req.SeedURL,
		Engine:   req.Engine,
		MaxPages: 1,
	}, nil)
	if err != nil {
		return a.fail(sink, fmt.Errorf("crawl seed: %w", err))
	}
	if len(outcome.Pages) == 0 {
		return a.fail(sink, fmt.Errorf("seed page %s yielded no content", req.SeedURL))
	}
	page := outcome.Pages[0]

	if err := sink(Event{Type: EventAgentStatus, Message: "deriving categories"}); err != nil {
		return fmt.Errorf("emit status event: %w", err)
	}
	tree, usage, err := a.deriveTree(ctx, page)
	if err != nil {
		return a.fail(sink, err)
	}

	flat := flattenCategories(tree.Categories, maxTreeDepth)
	if len(flat) == 0 {
		return a.fail(sink, errors.New("model returned no categories"))
	}

	created, err := a.insertCategories(ctx, req.ProjectID, page.URL, flat, sink)
	if err != nil {
		return a.fail(sink, err)
	}

	if err := sink(Event{Type: EventToken, Token: agentSummary(page.Title, created)}); err != nil {
		return fmt.Errorf("emit summary event: %w", err)
	}

	elapsed := a.now().Sub(start)
	done := Event{
		Type:             EventDone,
		TotalTokens:      usage,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
	if err := sink(done); err != nil {
		return fmt.Errorf("emit done event: %w", err)
	}

	a.logger.Info().
		Int64("project_id", req.ProjectID).
		Str("seed", req.SeedURL).
		Int("categories", len(created)).
		Dur("elapsed", elapsed).
		Msg("Agent mode built category tree")
	return nil
}

// deriveTree asks the model for the category tree over the page text.
func (a *Assembler) deriveTree(ctx context.Context, page *scrape.Result) (*categoryTree, int, error) {
	prompt := fmt.Sprintf(categoryPromptTemplate, maxTreeDepth, page.Title, truncate(page.Text, agentPageLimit))
	reply, err := a.model.Complete(ctx, prompt)
	if err != nil {
		return nil, 0, fmt.Errorf("derive categories: %w", err)
	}
	var tree categoryTree
	if err := llm.ExtractJSON(reply, &tree); err != nil {
		return nil, 0, fmt.Errorf("parse category tree: %w", err)
	}
	return &tree, estimateTokens(prompt) + estimateTokens(reply), nil
}

// flattenCategories walks the tree pre-order so parents always precede
// their children. Nodes past maxDepth are dropped; a blank name drops
// the node with its subtree.
func flattenCategories(nodes []categoryNode, maxDepth int) []flatCategory {
	var flat []flatCategory
	var walk func(nodes []categoryNode, depth, parent int)
	walk = func(nodes []categoryNode, depth, parent int) {
		if depth >= maxDepth {
			return
		}
		for i, node := range nodes {
			name := strings.TrimSpace(node.Name)
			if name == "" {
				continue
			}
			flat = append(flat, flatCategory{
				name:        name,
				description: strings.TrimSpace(node.Description),
				depth:       depth,
				parent:      parent,
				order:       i,
			})
			walk(node.Children, depth+1, len(flat)-1)
		}
	}
	walk(nodes, 0, -1)
	return flat
}

// insertCategories upserts the flattened tree parents-first, emitting
// one artifact_created event per node.
func (a *Assembler) insertCategories(ctx context.Context, projectID int64, sourceURL string, flat []flatCategory, sink Sink) ([]*storage.Category, error) {
	created := make([]*storage.Category, 0, len(flat))
	ids := make([]int64, len(flat))
	for i, node := range flat {
		cat := &storage.Category{
			ProjectID:   projectID,
			Name:        node.name,
			Description: node.description,
			Depth:       node.depth,
			SortOrder:   node.order,
			SourceURL:   &sourceURL,
		}
		if node.parent >= 0 {
			parentID := ids[node.parent]
			cat.ParentID = &parentID
		}
		if err := a.categories.Upsert(ctx, cat); err != nil {
			return nil, fmt.Errorf("upsert category %q: %w", node.name, err)
		}
		ids[i] = cat.ID
		created = append(created, cat)

		ev := Event{Type: EventArtifactCreated, Artifact: "category", ArtifactID: cat.ID, Name: cat.Name}
		if err := sink(ev); err != nil {
			return nil, fmt.Errorf("emit artifact event: %w", err)
		}
	}
	return created, nil
}

// agentSummary renders the streamed reply describing what was built.
func agentSummary(pageTitle string, created []*storage.Category) string {
	roots := 0
	for _, cat := range created {
		if cat.ParentID == nil {
			roots++
		}
	}
	title := pageTitle
	if title == "" {
		title = "the page"
	}
	return fmt.Sprintf("Built a category tree from %s: %d categories across %d top-level groups.", title, len(created), roots)
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + " …"
}
