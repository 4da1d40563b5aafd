package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/noetic-labs/knowledge-core/cmd/knowledge-core-cli/ui"
)

var (
	reembedProject string
	reembedRepair  bool
)

var reembedCmd = &cobra.Command{
	Use:   "verify-embeddings",
	Short: "Check stored chunks against the configured embedding model",
	Long: `Scans completed documents for chunks embedded under a model other than
the configured one. Embeddings from different models are not comparable,
so stale documents poison dense retrieval until they are re-embedded.
With --repair the stale documents are re-embedded in place and the
affected retrieval indexes rebuilt.`,
	RunE: runReembed,
}

func init() {
	reembedCmd.Flags().StringVarP(&reembedProject, "project", "p", "", "project name (checks every project when omitted)")
	reembedCmd.Flags().BoolVar(&reembedRepair, "repair", false, "re-embed mismatched documents with the current model")
	rootCmd.AddCommand(reembedCmd)
}

func runReembed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	var projectID int64
	label := "all projects"
	if reembedProject != "" {
		project, err := eng.EnsureProject(ctx, reembedProject)
		if err != nil {
			return err
		}
		projectID = project.ID
		label = project.Name
	}

	verb := "checking"
	if reembedRepair {
		verb = "repairing"
	}
	spin := ui.NewSpinner(fmt.Sprintf("%s embeddings for %s", verb, label))
	spin.Start()
	report, err := eng.VerifyEmbeddings(ctx, projectID, reembedRepair)
	spin.Stop()
	if err != nil {
		return err
	}

	ui.Step("%d documents checked against %s", report.DocumentsChecked, report.CurrentModel)
	if len(report.Mismatches) == 0 {
		ui.Success("Every embedded chunk matches the current model")
		return nil
	}

	for _, m := range report.Mismatches {
		fmt.Printf("  %s  %s (document %d): %d/%d chunks from %s\n",
			color.YellowString("stale"), m.Title, m.DocumentID,
			m.StaleChunks, m.TotalChunks, strings.Join(m.Models, ", "))
	}

	if !reembedRepair {
		ui.Warning("%d documents need re-embedding; run again with --repair", len(report.Mismatches))
		return nil
	}

	if report.FailedEmbeds > 0 {
		ui.Warning("%d chunks could not be re-embedded", report.FailedEmbeds)
	}
	ui.Success("Re-embedded %d chunks across %d documents", report.ReEmbedded, len(report.Mismatches))
	return nil
}
