package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var executorsCmd = &cobra.Command{
	Use:   "executors",
	Short: "List the executors available to schedule with",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPRIORITY\tTIMEOUT\tDESCRIPTION")
			for _, info := range a.manager.Executors() {
				timeout := "none"
				if info.Timeout > 0 {
					timeout = info.Timeout.String()
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", info.Name, info.Priority, timeout, info.PrettyName)
			}
			return w.Flush()
		})
	},
}
