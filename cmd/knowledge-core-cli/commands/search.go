package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/noetic-labs/knowledge-core/cmd/knowledge-core-cli/ui"
	"github.com/noetic-labs/knowledge-core/internal/retrieval"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

var (
	searchProject       string
	searchMode          string
	searchLimit         int
	searchMinSimilarity float64
	searchJSON          bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Search a project's knowledge base",
	Long: `Search runs the retrieval pipeline over a project. The default mode
is reranked, the full pipeline; dense, sparse and hybrid select a
single stage instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchProject, "project", "p", "", "project name (required)")
	searchCmd.Flags().StringVarP(&searchMode, "mode", "m", "", "search mode: dense, sparse, hybrid or reranked")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum results")
	searchCmd.Flags().Float64Var(&searchMinSimilarity, "min-similarity", 0, "similarity floor for dense results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print the raw response as JSON")
	searchCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	project, err := eng.EnsureProject(ctx, searchProject)
	if err != nil {
		return err
	}

	// Embedded mode starts with cold in-memory indexes; warm them
	// before querying.
	spin := ui.NewSpinner("warming index")
	spin.Start()
	err = eng.RebuildIndex(ctx, project.ID)
	spin.Stop()
	if err != nil {
		return fmt.Errorf("warm index: %w", err)
	}

	resp, err := eng.Search(ctx, engine.SearchParams{
		ProjectID:     project.ID,
		Query:         strings.Join(args, " "),
		Mode:          searchMode,
		Limit:         searchLimit,
		MinSimilarity: searchMinSimilarity,
	})
	if err != nil {
		return err
	}

	if searchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	renderResults(resp)
	return nil
}

func renderResults(resp *retrieval.SearchResponse) {
	if resp.TotalResults == 0 {
		ui.Warning("No results for %q", resp.Query)
		return
	}

	ui.Step("%d results in %dms", resp.TotalResults, resp.ExecutionTimeMs)
	fmt.Println()

	titleColor := color.New(color.Bold)
	metaColor := color.New(color.Faint)

	for i, res := range resp.Results {
		title := res.DocumentTitle
		if title == "" {
			title = res.DocumentFilename
		}
		titleColor.Printf("%2d. %s\n", i+1, title)

		score, label := displayScore(res)
		metaColor.Printf("    %s %.3f · source %s", label, score, res.Source)
		if res.ConfidenceLevel != "" {
			metaColor.Printf(" · confidence %s", res.ConfidenceLevel)
		}
		fmt.Println()
		fmt.Printf("    %s\n\n", snippet(res.ChunkText, 240))
	}
}

// displayScore picks the most specific score a result carries: the
// cross-encoder's when it ran, the fused score for hybrid results,
// BM25 for sparse, cosine similarity otherwise.
func displayScore(res *retrieval.SearchResult) (float64, string) {
	switch {
	case res.CrossEncoderScore != nil:
		return *res.CrossEncoderScore, "rerank"
	case res.RRFScore > 0:
		return res.RRFScore, "fused"
	case res.SparseScore > 0:
		return res.SparseScore, "bm25"
	default:
		return res.SimilarityScore, "similarity"
	}
}

func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + "…"
}
