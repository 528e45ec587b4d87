package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Run one housekeeping pass and print what it did",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			tk, _, err := c.openToolkit(cmd.Context())
			if err != nil {
				return err
			}
			defer tk.Close()
			report, err := tk.PruneOnce(cmd.Context())
			if err != nil {
				return err
			}
			if report.Skipped {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "skipped: another node holds the housekeeping lock")
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purged=%d rolled_back=%d failed=%d abandoned=%d escalated=%d\n",
				report.Purged, report.RolledBack, report.Failed, report.Abandoned, report.Escalated)
			return err
		},
	}
}
