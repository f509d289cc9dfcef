package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dlmanager",
	Short: "Download manager: scheduled, retried and recurring fetches",
	Long: `dlmanager schedules downloads, runs them on a worker pool with at most one
download in flight per host, retries failures with backoff, and re-runs
recurring downloads spread evenly over their period.

Examples:
  dlmanager serve                                   # Run the API and workers
  dlmanager schedule https://example.com/file.iso   # Queue a one-time download
  dlmanager schedule --every 24h https://example.com/feed.xml
  dlmanager list --recurring                        # Show recurring downloads
  dlmanager skip add https://example.com/gone.zip   # Never schedule a URL`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default .env in the working directory)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(skipCmd)
	rootCmd.AddCommand(executorsCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
