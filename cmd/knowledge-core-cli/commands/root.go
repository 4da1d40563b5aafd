// Package commands implements the knowledge-core CLI commands.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/noetic-labs/knowledge-core/internal/config"
	"github.com/noetic-labs/knowledge-core/internal/observability"
	"github.com/noetic-labs/knowledge-core/pkg/engine"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "knowledge-core",
	Short: "Knowledge base management from the terminal",
	Long: `knowledge-core ingests documents, crawls sites and searches the
resulting knowledge base. It runs the engine embedded, against the
same configuration the API server reads.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// openEngine loads configuration, opens the embedded engine and runs
// migrations. The caller must Close the engine.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Engine internals stay quiet unless asked; errors still surface.
	level := "error"
	if verbose {
		level = cfg.Observability.LogLevel
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      "console",
		Output:      os.Stderr,
		ServiceName: "knowledge-core-cli",
	})

	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "db/migrations"
	}
	if err := eng.Migrate(ctx, migrationsDir); err != nil {
		eng.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return eng, nil
}
