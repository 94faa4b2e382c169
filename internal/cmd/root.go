// Package cmd defines the foreman command line interface.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Instruction workflow engine",
	Long: `foreman tracks development instructions through a five-phase
workflow (planning, information gathering, analysis, execution and
reporting), persists every phase transition durably, and serves the
workflow as MCP tools over stdio or SSE. A built-in supervisor keeps
the serving process alive under a bounded restart budget.`,
	SilenceUsage: true,
}

var configPath string

// ExecuteContext runs the root command with the given context.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default foreman.yaml in the working directory)")
}
