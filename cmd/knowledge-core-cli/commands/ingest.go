package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/noetic-labs/knowledge-core/cmd/knowledge-core-cli/ui"
	"github.com/noetic-labs/knowledge-core/internal/ingest"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

var (
	ingestProject string
	ingestTitle   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest PDF or text files into a project",
	Long: `Ingest queues each file for extraction, chunking and embedding and
follows the job's progress until it finishes. PDF files go through the
extraction waterfall; .txt and .md files are ingested as raw text.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestProject, "project", "p", "", "project name (required)")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (defaults to the file name)")
	ingestCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	project, err := eng.EnsureProject(ctx, ingestProject)
	if err != nil {
		return err
	}

	for _, path := range args {
		if err := ingestOne(eng, project.ID, path, len(args) == 1); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func ingestOne(eng *engine.Engine, projectID int64, path string, single bool) error {
	name := filepath.Base(path)
	title := strings.TrimSuffix(name, filepath.Ext(name))
	if single && ingestTitle != "" {
		title = ingestTitle
	}

	var (
		jobID string
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		jobID, err = eng.IngestPDF(projectID, title, path)
	case ".txt", ".md":
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		jobID, err = eng.IngestText(projectID, title, string(data))
	default:
		return fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return err
	}

	events, ok := eng.Progress(jobID)
	if !ok {
		return fmt.Errorf("job %s has no progress stream", jobID)
	}
	return followDocumentJob(name, events)
}

// followDocumentJob drives the terminal from a job's progress stream:
// a spinner through extraction and chunking, a progress bar once the
// embedding count is known.
func followDocumentJob(name string, events <-chan ingest.ProgressEvent) error {
	spin := ui.NewSpinner(fmt.Sprintf("%s: waiting for a worker", name))
	spin.Start()
	spinning := true
	stopSpinner := func() {
		if spinning {
			spin.Stop()
			spinning = false
		}
	}
	defer stopSpinner()

	var bar *ui.Bar
	var last ingest.ProgressEvent

	for ev := range events {
		last = ev
		switch {
		case ev.Terminal():
			// Loop ends when the channel closes right after.
		case ev.Step == ingest.StepEmbeddings && ev.Total > 0:
			stopSpinner()
			if bar == nil {
				bar = ui.NewBar(int64(ev.Total), fmt.Sprintf("%s: embedding", name))
			} else {
				bar.SetTotal(int64(ev.Total))
			}
			bar.Set(int64(ev.Current))
		default:
			if bar != nil {
				continue
			}
			msg := ev.Message
			if msg == "" {
				msg = ev.Step
			}
			spin.Update(fmt.Sprintf("%s: %s", name, msg))
		}
	}

	stopSpinner()
	if bar != nil {
		bar.Finish()
	}

	switch last.State {
	case ingest.JobStateCompleted:
		if id, ok := last.Extra["document_id"]; ok {
			ui.Success("%s ingested (document %v)", name, id)
		} else {
			ui.Success("%s ingested", name)
		}
		return nil
	case ingest.JobStateFailed:
		return fmt.Errorf("ingestion failed: %s", last.Error)
	default:
		return errors.New("progress stream ended without a result")
	}
}
