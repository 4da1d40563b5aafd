package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noetic-labs/knowledge-core/cmd/knowledge-core-cli/ui"
)

var rebuildProject string

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild retrieval indexes from the chunk store",
	RunE:  runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVarP(&rebuildProject, "project", "p", "", "project name (rebuilds every project when omitted)")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	var projectID int64
	label := "all projects"
	if rebuildProject != "" {
		project, err := eng.EnsureProject(ctx, rebuildProject)
		if err != nil {
			return err
		}
		projectID = project.ID
		label = project.Name
	}

	spin := ui.NewSpinner(fmt.Sprintf("rebuilding indexes for %s", label))
	spin.Start()
	err = eng.RebuildIndex(ctx, projectID)
	spin.Stop()
	if err != nil {
		return err
	}

	ui.Success("Indexes rebuilt for %s", label)
	return nil
}
