package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lightforgemedia/go-wamprouter/pkg/client"
)

func newSubscribeCommand(g *globals) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "subscribe TOPIC",
		Short: "Print events from a topic as JSON lines",
		Long: `Subscribe to a topic and print every event as a JSON line until interrupted
or until --count events were printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			c, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			seen := 0
			_, err = c.Subscribe(ctx, args[0], func(ev *client.Event) {
				if ctx.Err() != nil {
					return
				}
				printJSON(out, map[string]any{
					"topic":       ev.Topic,
					"publication": ev.Publication,
					"args":        ev.Args,
					"kwargs":      ev.Kwargs,
				})
				seen++
				if count > 0 && seen >= count {
					cancel()
				}
			})
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			select {
			case <-ctx.Done():
			case <-c.Done():
				return fmt.Errorf("connection closed")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 means run until interrupted)")
	return cmd
}
