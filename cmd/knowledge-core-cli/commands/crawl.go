package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/noetic-labs/knowledge-core/cmd/knowledge-core-cli/ui"
	"github.com/noetic-labs/knowledge-core/internal/ingest"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

var (
	crawlProject  string
	crawlEngine   string
	crawlMaxPages int
	crawlDepth    int
)

var crawlCmd = &cobra.Command{
	Use:   "crawl <url>...",
	Short: "Crawl sites into a project",
	Long: `Crawl queues one crawl job per seed URL and follows them together,
one progress bar each. Crawled pages are extracted, chunked and
embedded like any other document.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCrawl,
}

func init() {
	crawlCmd.Flags().StringVarP(&crawlProject, "project", "p", "", "project name (required)")
	crawlCmd.Flags().StringVar(&crawlEngine, "engine", "", "crawl engine: auto, http, headless or managed")
	crawlCmd.Flags().IntVar(&crawlMaxPages, "max-pages", 0, "page budget per crawl")
	crawlCmd.Flags().IntVar(&crawlDepth, "depth", 0, "link depth limit")
	crawlCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(crawlCmd)
}

func runCrawl(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	project, err := eng.EnsureProject(ctx, crawlProject)
	if err != nil {
		return err
	}

	board := ui.NewBoard()
	var g errgroup.Group

	for _, seed := range args {
		jobID, job, err := eng.Crawl(ctx, project.ID, engine.CrawlParams{
			URL:        seed,
			Engine:     crawlEngine,
			MaxPages:   crawlMaxPages,
			DepthLimit: crawlDepth,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", seed, err)
		}

		events, ok := eng.Progress(jobID)
		if !ok {
			return fmt.Errorf("job %s has no progress stream", jobID)
		}

		bar := board.Add(job.URL)
		g.Go(func() error {
			return followCrawlJob(bar, job.URL, events)
		})
	}

	err = g.Wait()
	board.Wait()
	if err != nil {
		return err
	}

	ui.Success("Crawled %d site(s) into %s", len(args), project.Name)
	return nil
}

func followCrawlJob(bar *ui.JobBar, url string, events <-chan ingest.ProgressEvent) error {
	var last ingest.ProgressEvent
	for ev := range events {
		last = ev
		bar.SetPercent(ev.Percentage)
	}

	switch last.State {
	case ingest.JobStateCompleted:
		bar.Complete()
		return nil
	case ingest.JobStateFailed:
		bar.Abort()
		return fmt.Errorf("%s: %s", url, last.Error)
	default:
		bar.Abort()
		return fmt.Errorf("%s: progress stream ended without a result", url)
	}
}
