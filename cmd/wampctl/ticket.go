package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lightforgemedia/go-wamprouter/pkg/auth"
)

func newTicketCommand() *cobra.Command {
	var (
		secret string
		issuer string
		realm  string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ticket AUTHID",
		Short: "Mint a ticket for a router's auth.secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := auth.NewTicketAuth(secret, auth.WithIssuer(issuer), auth.WithTTL(ttl))
			if err != nil {
				return err
			}
			ticket, expires, err := a.IssueTicket(args[0], realm)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ticket)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "the router's auth.secret (required)")
	cmd.Flags().StringVar(&issuer, "issuer", "wamprouter", "the router's auth.issuer")
	cmd.Flags().StringVar(&realm, "for-realm", auth.AnyRealm, "realm the ticket is valid for")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "ticket lifetime")
	if err := cmd.MarkFlagRequired("secret"); err != nil {
		panic(fmt.Sprintf("Failed to mark secret as required: %v", err))
	}
	return cmd
}
