package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPublishCommand(g *globals) *cobra.Command {
	var (
		kwargs string
		ack    bool
	)

	cmd := &cobra.Command{
		Use:   "publish TOPIC [ARG...]",
		Short: "Publish to a topic",
		Long: `Publish to a topic. Each ARG is parsed as JSON when possible and sent as a
string otherwise.`,
		Args: cobra.MinimumNArgs(1),
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

			if !ack {
				return c.Publish(cmd.Context(), args[0], list, kw)
			}
			id, err := c.PublishAck(cmd.Context(), args[0], list, kw)
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&kwargs, "kwargs", "", "keyword arguments as a JSON object")
	cmd.Flags().BoolVar(&ack, "ack", true, "wait for the router to acknowledge")
	return cmd
}
