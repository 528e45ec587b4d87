package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	eureka "github.com/levigo/neverpile-eureka-sub002"
	"github.com/levigo/neverpile-eureka-sub002/taskqueue"
)

func (c *cli) newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Operate on a JSON-valued task queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "put QUEUE KEY JSON",
		Short: "Insert or overwrite an OPEN element",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			value, err := jsonArg(args[2])
			if err != nil {
				return err
			}
			return c.withQueue(cmd, args[0], func(q taskqueue.Queue[json.RawMessage]) error {
				if err := q.Put(cmd.Context(), args[1], value); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "put %s\n", args[1])
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "next QUEUE",
		Short: "Claim one OPEN element and print its key and value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return c.withQueue(cmd, args[0], func(q taskqueue.Queue[json.RawMessage]) error {
				elem, ok, err := q.Next(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "queue %s has no open elements\n", args[0])
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", elem.Key, elem.Value)
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "done QUEUE KEY",
		Short: "Remove a claimed element",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return c.withQueue(cmd, args[0], func(q taskqueue.Queue[json.RawMessage]) error {
				removed, err := q.Done(cmd.Context(), args[1])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("queue %s: %s is not in process", args[0], args[1])
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "done %s\n", args[1])
				return err
			})
		},
	})
	return cmd
}

func (c *cli) withQueue(cmd *cobra.Command, name string, fn func(taskqueue.Queue[json.RawMessage]) error) error {
	tk, _, err := c.openToolkit(cmd.Context())
	if err != nil {
		return err
	}
	defer tk.Close()
	q, err := eureka.OpenQueue[json.RawMessage](tk, name)
	if err != nil {
		return err
	}
	return fn(q)
}

func jsonArg(raw string) (json.RawMessage, error) {
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("value %q is not valid JSON (quote strings, e.g. '\"text\"')", raw)
	}
	return json.RawMessage(raw), nil
}
