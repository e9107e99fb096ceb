// Package testutil provides test helpers for the router, its transport and
// the client: an httptest-backed router, a raw WAMP WebSocket peer and an
// in-memory session peer.
package testutil

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-wamprouter/pkg/router"
	"github.com/lightforgemedia/go-wamprouter/pkg/transport"
)

// DefaultLogger writes debug logs with source positions to stderr.
var DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level:     slog.LevelDebug,
	AddSource: true,
}))

// RouterServer is a router served over WebSocket by an httptest.Server.
type RouterServer struct {
	Router    *router.Router
	Transport *transport.Server
	HTTP      *httptest.Server
	WSURL     string
}

// NewRouterServer starts a router and transport for the duration of the
// test. Everything is shut down in t.Cleanup.
func NewRouterServer(t *testing.T, routerOpts []router.Option, transportOpts ...transport.Option) *RouterServer {
	t.Helper()

	r, err := router.New(append([]router.Option{router.WithLogger(DefaultLogger)}, routerOpts...)...)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	ts, err := transport.New(r, append([]transport.Option{transport.WithLogger(DefaultLogger)}, transportOpts...)...)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	srv := httptest.NewServer(ts.UpgradeHandler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Shutdown(ctx); err != nil {
			t.Logf("transport shutdown: %v", err)
		}
		srv.Close()
		if err := r.Shutdown(ctx); err != nil {
			t.Logf("router shutdown: %v", err)
		}
	})

	return &RouterServer{
		Router:    r,
		Transport: ts,
		HTTP:      srv,
		WSURL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}
