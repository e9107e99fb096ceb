package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCallCommand(g *globals) *cobra.Command {
	var kwargs string

	cmd := &cobra.Command{
		Use:   "call PROCEDURE [ARG...]",
		Short: "Call a procedure and print its result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, kw, err := parsePayload(args[1:], kwargs)
			if err != nil {
				return err
			}
			c, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Call(cmd.Context(), args[0], list, kw)
			if err != nil {
				return fmt.Errorf("call %s failed: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"args": res.Args, "kwargs": res.Kwargs})
		},
	}

	cmd.Flags().StringVar(&kwargs, "kwargs", "", "keyword arguments as a JSON object")
	return cmd
}
