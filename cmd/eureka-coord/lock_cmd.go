package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (c *cli) newLockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Exercise cluster locks",
	}
	var wait, hold time.Duration
	try := &cobra.Command{
		Use:   "try KEY",
		Short: "Try to take the write lock for KEY and hold it for a while",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			tk, _, err := c.openToolkit(ctx)
			if err != nil {
				return err
			}
			defer tk.Close()
			lk := tk.Locks().WriteLock(args[0])
			var ok bool
			if wait > 0 {
				ok, err = lk.TryLockTimeout(ctx, wait)
			} else {
				ok, err = lk.TryLock(ctx)
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("lock %s is held elsewhere", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired %s\n", args[0])
			if hold > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(hold):
				}
			}
			if err := lk.Unlock(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return err
		},
	}
	try.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the lock (0 tries once)")
	try.Flags().DurationVar(&hold, "hold", 0, "hold the lock this long before releasing it")
	cmd.AddCommand(try)
	return cmd
}
