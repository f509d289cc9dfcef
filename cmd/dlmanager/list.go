package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/download-manager/internal/entity"
)

var listFlags struct {
	recurring bool
	limit     int
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloads",
	Long: `List one-time downloads ordered by status (pending, failed, new, deferred,
complete), or recurring downloads ordered by their next run.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVarP(&listFlags.recurring, "recurring", "r", false, "list recurring downloads")
	listCmd.Flags().IntVarP(&listFlags.limit, "limit", "n", 50, "maximum rows, 0 for all")
}

func runList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var downloads []*entity.Download
	if listFlags.recurring {
		downloads, err = a.manager.ListRecurring(cmd.Context(), listFlags.limit)
	} else {
		downloads, err = a.manager.ListOnce(cmd.Context(), listFlags.limit)
	}
	if err != nil {
		return err
	}
	return printDownloads(cmd.OutOrStdout(), downloads)
}

func printDownloads(out io.Writer, downloads []*entity.Download) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tEXECUTOR\tEVERY\tNEXT\tURL\tERROR")
	for _, d := range downloads {
		every, next := "-", "-"
		if d.IsRecurring() {
			every = d.Frequency.String()
		}
		if d.NextScheduledAt != nil {
			next = d.NextScheduledAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Status, d.Attempts, d.ExecutorName, every, next, d.URL, d.Error)
	}
	return w.Flush()
}
