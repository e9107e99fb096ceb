package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/lightforgemedia/go-wamprouter/pkg/client"
)

// ClientOptions contains options for creating a test client.
type ClientOptions struct {
	Realm                string
	Logger               bool // use DefaultLogger
	RequestTimeout       time.Duration
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	ConnectionTimeout    time.Duration
}

// DefaultClientOptions returns the options NewClient uses.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Realm:                "realm1",
		Logger:               true,
		RequestTimeout:       2 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectMinDelay:    50 * time.Millisecond,
		ReconnectMaxDelay:    200 * time.Millisecond,
		ConnectionTimeout:    2 * time.Second,
	}
}

// NewClient joins realm1 on the router behind url and closes the client
// in t.Cleanup.
func NewClient(t *testing.T, url string, opts ...client.Option) *client.Client {
	t.Helper()
	return NewClientWithOptions(t, url, DefaultClientOptions(), opts...)
}

// NewClientWithOptions is NewClient with explicit test options. Functional
// options win over options.
func NewClientWithOptions(t *testing.T, url string, options ClientOptions, opts ...client.Option) *client.Client {
	t.Helper()

	clientOpts := client.DefaultOptions()
	if options.Logger {
		clientOpts.Logger = DefaultLogger
	}
	if options.RequestTimeout > 0 {
		clientOpts.DefaultRequestTimeout = options.RequestTimeout
	}
	if options.AutoReconnect {
		clientOpts.AutoReconnect = true
		clientOpts.ReconnectAttempts = options.MaxReconnectAttempts
		clientOpts.ReconnectDelayMin = options.ReconnectMinDelay
		clientOpts.ReconnectDelayMax = options.ReconnectMaxDelay
	}

	if options.ConnectionTimeout <= 0 {
		options.ConnectionTimeout = 2 * time.Second
	}
	if options.Realm == "" {
		options.Realm = "realm1"
	}
	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectionTimeout)
	defer cancel()
	cli, err := client.ConnectWithOptions(ctx, url, options.Realm, clientOpts, opts...)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() {
		cli.Close()
	})
	return cli
}
