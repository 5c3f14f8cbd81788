package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/reelsense/internal/config"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "reelsense",
	Short:         "Semantic search, recommendations and chat for a short-form video catalog",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(searchCmd, chatCmd, migrateCmd, mcpCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging installs the process-wide slog handler. Logs go to stderr so
// stdout stays free for command output and the MCP stdio transport.
func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
