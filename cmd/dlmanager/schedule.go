package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/user/download-manager/internal/entity"
	"github.com/user/download-manager/internal/usecase"
)

var scheduleFlags struct {
	executor    string
	subExecutor string
	reset       bool
	every       time.Duration
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <url>...",
	Short: "Queue downloads for the workers",
	Long: `Queue one or more URLs. Several one-time URLs are admitted together: if one
is rejected, none is queued. With --every, each URL is scheduled on its own and
re-fetched on that period; scheduling stops at the first rejected URL, and the
URLs before it stay queued.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSchedule,
}

func init() {
	f := scheduleCmd.Flags()
	f.StringVarP(&scheduleFlags.executor, "executor", "e", "", "executor name instead of probing")
	f.StringVar(&scheduleFlags.subExecutor, "sub-executor", "", "executor for URLs discovered by these downloads")
	f.BoolVar(&scheduleFlags.reset, "reset", false, "requeue existing downloads with zero attempts and override the skip list")
	f.DurationVar(&scheduleFlags.every, "every", 0, "re-fetch period for recurring downloads")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	opts := usecase.ScheduleOptions{
		Executor:      scheduleFlags.executor,
		SubExecutor:   scheduleFlags.subExecutor,
		ResetAttempts: scheduleFlags.reset,
	}

	var downloads []*entity.Download
	switch {
	case scheduleFlags.every != 0:
		for _, url := range args {
			d, err := a.manager.ScheduleRecurring(ctx, url, scheduleFlags.every, opts)
			if err != nil {
				return err
			}
			downloads = append(downloads, d)
		}
	case len(args) == 1:
		d, err := a.manager.ScheduleOne(ctx, args[0], opts)
		if err != nil {
			return err
		}
		downloads = append(downloads, d)
	default:
		downloads, err = a.manager.ScheduleMany(ctx, args, opts)
		if err != nil {
			return err
		}
	}
	return printDownloads(cmd.OutOrStdout(), downloads)
}
