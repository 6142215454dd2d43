package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/albinvar/anatome.ai/cmd/orchestrator/commands"
	"github.com/albinvar/anatome.ai/logger"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Anatome orchestrator - distributed background job processing",
	Long: `Anatome orchestrator - durable queues, worker pools and scheduling
for background jobs.

Jobs are submitted over HTTP into named queues, executed by per-queue
worker pools against downstream service endpoints, and retried with
exponential backoff until they complete or exhaust their attempts.

Available commands:
  serve   - Start the orchestrator service
  migrate - Apply pending database migrations and exit
  version - Show version information

Examples:
  orchestrator serve                       # Start with defaults
  orchestrator serve --config anatome.toml # Start with a config file
  orchestrator migrate --db-path jobs.db   # Migrate a database in place`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
