package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	eureka "github.com/levigo/neverpile-eureka-sub002"
	"github.com/levigo/neverpile-eureka-sub002/atomicref"
)

var errCASLost = errors.New("compare-and-set lost: current value differs from expected")

func (c *cli) newRefCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ref",
		Short: "Operate on a JSON-valued atomic reference",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get NAME",
		Short: "Print the current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return c.withRef(cmd, args[0], func(ref atomicref.Reference[json.RawMessage]) error {
				value, ok, err := ref.Get(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("reference %s is unset", args[0])
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", value)
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set NAME JSON",
		Short: "Replace the value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			value, err := jsonArg(args[1])
			if err != nil {
				return err
			}
			return c.withRef(cmd, args[0], func(ref atomicref.Reference[json.RawMessage]) error {
				return ref.Set(cmd.Context(), value)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cas NAME EXPECTED UPDATE",
		Short: "Set UPDATE only when the value equals EXPECTED (null matches an unset reference)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			expected, err := jsonArg(args[1])
			if err != nil {
				return err
			}
			update, err := jsonArg(args[2])
			if err != nil {
				return err
			}
			return c.withRef(cmd, args[0], func(ref atomicref.Reference[json.RawMessage]) error {
				swapped, err := ref.CompareAndSet(cmd.Context(), expected, update)
				if err != nil {
					return err
				}
				if !swapped {
					return errCASLost
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "swapped")
				return err
			})
		},
	})
	return cmd
}

func (c *cli) withRef(cmd *cobra.Command, name string, fn func(atomicref.Reference[json.RawMessage]) error) error {
	tk, _, err := c.openToolkit(cmd.Context())
	if err != nil {
		return err
	}
	defer tk.Close()
	ref, err := eureka.OpenReference[json.RawMessage](tk, name)
	if err != nil {
		return err
	}
	return fn(ref)
}
