// Package main provides the entry point for the coordinator node CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crunchkit/coordinator/cmd/coordinator/commands"
	"github.com/crunchkit/coordinator/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Coordinator node for model competitions",
		Long: `Coordinator ingests market data feeds, dispatches scheduled
predictions to competing models, scores them against resolved ground
truth and settles ranked emission checkpoints.

Commands:
  serve        Run the full coordinator node
  migrate      Apply or inspect database migrations
  backfill     Run a historical feed backfill
  feeds        Show indexed feed coverage
  leaderboard  Show the latest standings
  render       Render a score history chart
  checkpoints  List and confirm settlement checkpoints`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewMigrateCommand())
	rootCmd.AddCommand(commands.NewBackfillCommand())
	rootCmd.AddCommand(commands.NewFeedsCommand())
	rootCmd.AddCommand(commands.NewLeaderboardCommand())
	rootCmd.AddCommand(commands.NewRenderCommand())
	rootCmd.AddCommand(commands.NewCheckpointsCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "coordinator %s\n", version.String())
		},
	}
}
