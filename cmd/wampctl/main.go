// wampctl is a command line WAMP client for wamprouter.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightforgemedia/go-wamprouter/pkg/client"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	url     string
	realm   string
	authID  string
	ticket  string
	timeout time.Duration
	verbose bool
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "wampctl",
		Short: "WAMP command line client",
		Long: `wampctl joins a realm on a wamprouter and publishes, subscribes or calls
procedures. It can also mint ticket credentials for routers with auth enabled.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&g.url, "url", "ws://localhost:8080/ws", "router WebSocket URL")
	rootCmd.PersistentFlags().StringVar(&g.realm, "realm", "realm1", "realm to join")
	rootCmd.PersistentFlags().StringVar(&g.authID, "authid", "", "authid announced in HELLO")
	rootCmd.PersistentFlags().StringVar(&g.ticket, "ticket", "", "ticket for ticket authentication")
	rootCmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log protocol activity to stderr")

	rootCmd.AddCommand(newPublishCommand(g))
	rootCmd.AddCommand(newSubscribeCommand(g))
	rootCmd.AddCommand(newCallCommand(g))
	rootCmd.AddCommand(newTicketCommand())
	return rootCmd
}

// connect joins the configured realm.
func (g *globals) connect(ctx context.Context) (*client.Client, error) {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	opts := []client.Option{
		client.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))),
		client.WithDefaultRequestTimeout(g.timeout),
	}
	switch {
	case g.ticket != "":
		opts = append(opts, client.WithTicket(g.authID, g.ticket))
	case g.authID != "":
		opts = append(opts, client.WithAuthID(g.authID))
	}
	connectCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	c, err := client.Connect(connectCtx, g.url, g.realm, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s on %s: %w", g.realm, g.url, err)
	}
	return c, nil
}

// parsePayload reads positional arguments as JSON values, falling back to
// plain strings, and kwargs as a JSON object.
func parsePayload(args []string, kwargsJSON string) (wamp.List, wamp.Dict, error) {
	var list wamp.List
	if len(args) > 0 {
		list = make(wamp.List, 0, len(args))
		for _, a := range args {
			var v any
			if err := json.Unmarshal([]byte(a), &v); err != nil {
				v = a
			}
			list = append(list, v)
		}
	}
	var kwargs wamp.Dict
	if kwargsJSON != "" {
		if err := json.Unmarshal([]byte(kwargsJSON), &kwargs); err != nil {
			return nil, nil, fmt.Errorf("invalid --kwargs JSON: %w", err)
		}
	}
	return list, kwargs, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
