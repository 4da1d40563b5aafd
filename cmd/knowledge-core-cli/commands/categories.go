package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/noetic-labs/knowledge-core/cmd/knowledge-core-cli/ui"
	"github.com/noetic-labs/knowledge-core/internal/storage"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories <project>",
	Short: "Show a project's category tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runCategories,
}

func init() {
	rootCmd.AddCommand(categoriesCmd)
}

func runCategories(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	project, err := eng.EnsureProject(ctx, args[0])
	if err != nil {
		return err
	}

	categories, err := eng.Categories(ctx, project.ID)
	if err != nil {
		return err
	}
	if len(categories) == 0 {
		ui.Info("Project %s has no categories yet", project.Name)
		return nil
	}

	ui.Step("%d categories in %s", len(categories), project.Name)
	fmt.Println()
	printCategoryTree(categories)
	return nil
}

// printCategoryTree renders the flat rows as an indented tree using
// box-drawing connectors, children grouped under their parents in
// sort order.
func printCategoryTree(categories []*storage.Category) {
	children := make(map[int64][]*storage.Category)
	var roots []*storage.Category
	for _, cat := range categories {
		if cat.ParentID == nil {
			roots = append(roots, cat)
			continue
		}
		children[*cat.ParentID] = append(children[*cat.ParentID], cat)
	}

	byOrder := func(list []*storage.Category) {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].SortOrder < list[j].SortOrder
		})
	}
	byOrder(roots)
	for _, list := range children {
		byOrder(list)
	}

	var walk func(cat *storage.Category, prefix string, last bool)
	walk = func(cat *storage.Category, prefix string, last bool) {
		connector := "├── "
		childPrefix := prefix + "│   "
		if last {
			connector = "└── "
			childPrefix = prefix + "    "
		}

		name := color.New(color.Bold).Sprint(cat.Name)
		line := prefix + connector + name
		if cat.Description != "" {
			line += color.New(color.Faint).Sprintf("  %s", cat.Description)
		}
		fmt.Println(line)

		kids := children[cat.ID]
		for i, kid := range kids {
			walk(kid, childPrefix, i == len(kids)-1)
		}
	}

	for i, root := range roots {
		walk(root, "", i == len(roots)-1)
	}
}
