package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/levigo/neverpile-eureka-sub002/wal"
)

func (c *cli) newWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the write-ahead log",
	}
	cmd.AddCommand(c.newWALListCommand())
	return cmd
}

func (c *cli) newWALListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			tk, _, err := c.openToolkit(cmd.Context())
			if err != nil {
				return err
			}
			defer tk.Close()
			records, err := tk.WAL().Records(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if records == nil {
					records = []wal.TransactionRecord{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			if len(records) == 0 {
				_, err := fmt.Fprintln(out, "no open transactions")
				return err
			}
			now := time.Now()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TX ID\tSTARTED\tATTEMPTS\tLAST ERROR")
			for _, rec := range records {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", rec.TxID, humanize.RelTime(rec.StartedAt, now, "ago", "from now"), rec.RecoveryAttempts, rec.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}
