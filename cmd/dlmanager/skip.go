package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var skipCmd = &cobra.Command{
	Use:   "skip",
	Short: "Manage URLs that are never scheduled automatically",
}

var skipAddCmd = &cobra.Command{
	Use:   "add <url>...",
	Short: "Add URLs to the skip list",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error { return a.manager.SkipURLs(args...) })
	},
}

var skipRemoveCmd = &cobra.Command{
	Use:     "remove <url>...",
	Aliases: []string{"rm"},
	Short:   "Remove URLs from the skip list",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app) error { return a.manager.UnskipURLs(args...) })
	},
}

var skipListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show the skip list",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(a *app) error {
			for _, url := range a.manager.SkippedURLs() {
				fmt.Fprintln(cmd.OutOrStdout(), url)
			}
			return nil
		})
	},
}

func init() {
	skipCmd.AddCommand(skipAddCmd)
	skipCmd.AddCommand(skipRemoveCmd)
	skipCmd.AddCommand(skipListCmd)
}

func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
