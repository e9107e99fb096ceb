// Package wamprouter assembles a WAMP router node from a config.Config: the
// routing core, its WebSocket transport, ticket authentication, Prometheus
// metrics and the optional NATS publication bridge.
package wamprouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/lightforgemedia/go-wamprouter/pkg/auth"
	"github.com/lightforgemedia/go-wamprouter/pkg/bridge/natsbridge"
	"github.com/lightforgemedia/go-wamprouter/pkg/client"
	"github.com/lightforgemedia/go-wamprouter/pkg/config"
	"github.com/lightforgemedia/go-wamprouter/pkg/metrics"
	"github.com/lightforgemedia/go-wamprouter/pkg/router"
	"github.com/lightforgemedia/go-wamprouter/pkg/transport"
)

// Re-exported core types.
type (
	Router       = router.Router
	RouterStats  = router.Stats
	Transport    = transport.Server
	Client       = client.Client
	ClientOption = client.Option
	Config       = config.Config
)

// Re-exported errors.
var (
	ErrRouterClosed = router.ErrRouterClosed
	ErrClientClosed = client.ErrClientClosed
)

// Connect joins realm on the router at url.
func Connect(ctx context.Context, url, realm string, opts ...ClientOption) (*Client, error) {
	return client.Connect(ctx, url, realm, opts...)
}

// Node is one running router with everything configured around it.
type Node struct {
	Router    *router.Router
	Transport *transport.Server
	Auth      *auth.TicketAuth
	Bridge    *natsbridge.Bridge
	Registry  *prometheus.Registry

	cfg    *config.Config
	logger *slog.Logger
	nats   natsbridge.NATSConn
}

// NewNode builds a node from cfg. Nothing listens until Handler is served.
func NewNode(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{cfg: cfg, logger: logger}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		n.Registry = prometheus.NewRegistry()
		n.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		var err error
		if m, err = metrics.New(n.Registry); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	r, err := router.New(
		router.WithLogger(logger),
		router.WithRealms(cfg.Realms...),
		router.WithResolvedMemory(cfg.ResolvedMemory),
		router.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	n.Router = r
	if err := m.RegisterQueueDepth(n.Registry, func() float64 { return float64(r.QueueLen()) }); err != nil {
		r.Shutdown(context.Background())
		return nil, fmt.Errorf("metrics: %w", err)
	}

	topts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithClientSendBuffer(cfg.Transport.SendBuffer),
		transport.WithWriteTimeout(cfg.Transport.WriteTimeout),
		transport.WithHelloTimeout(cfg.Transport.HelloTimeout),
		transport.WithPingInterval(cfg.Transport.PingInterval),
		transport.WithReadLimit(cfg.Transport.ReadLimit),
		transport.WithRateLimit(cfg.Transport.RateLimit, cfg.Transport.RateBurst),
		transport.WithMetrics(m),
	}
	if cfg.Auth.Secret != "" {
		a, err := auth.NewTicketAuth(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer), auth.WithTTL(cfg.Auth.TicketTTL))
		if err != nil {
			r.Shutdown(context.Background())
			return nil, err
		}
		n.Auth = a
		topts = append(topts, transport.WithAuthenticator(a))
	}
	ts, err := transport.New(r, topts...)
	if err != nil {
		r.Shutdown(context.Background())
		return nil, err
	}
	n.Transport = ts

	if cfg.NATS.URL != "" {
		nc, err := natsbridge.Dial(cfg.NATS.URL)
		if err != nil {
			n.Shutdown(context.Background())
			return nil, err
		}
		n.nats = nc
		b, err := natsbridge.New(nc, r, natsbridge.WithLogger(logger), natsbridge.WithSubject(cfg.NATS.Subject))
		if err == nil {
			err = b.Start()
		}
		if err != nil {
			n.Shutdown(context.Background())
			return nil, err
		}
		n.Bridge = b
	}
	return n, nil
}

// Handler serves the WebSocket endpoint, the stats endpoint and, when
// enabled, metrics.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(n.cfg.Path, n.Transport.UpgradeHandler())
	if n.cfg.StatsPath != "" {
		mux.HandleFunc(n.cfg.StatsPath, n.serveStats)
	}
	if n.Registry != nil {
		mux.Handle(n.cfg.Metrics.Path, promhttp.HandlerFor(n.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintln(w, "OK") })
	return mux
}

func (n *Node) serveStats(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()
	st, err := n.Router.Stats(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		n.logger.Warn(fmt.Sprintf("Node: Failed to write stats: %v", err))
	}
}

// Apply takes the realm allow-list from a reloaded cfg. Every other field
// needs a restart.
func (n *Node) Apply(cfg *config.Config) {
	n.Router.SetRealms(cfg.Realms)
}

// Shutdown stops the bridge, the transport and the router in that order.
func (n *Node) Shutdown(ctx context.Context) error {
	var err error
	if n.Bridge != nil {
		err = multierr.Append(err, n.Bridge.Close())
	}
	if n.nats.Conn != nil {
		n.nats.Close()
	}
	if n.Transport != nil {
		err = multierr.Append(err, n.Transport.Shutdown(ctx))
	}
	if n.Router != nil {
		err = multierr.Append(err, n.Router.Shutdown(ctx))
	}
	return err
}

// Run serves cfg until ctx is done. When configPath is set the file is
// watched and realm changes are applied without a restart.
func Run(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	n, err := NewNode(cfg, logger)
	if err != nil {
		return err
	}
	logger = n.logger
	cfg = n.cfg

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("wamprouter listening", "address", cfg.Listen, "path", cfg.Path, "realms", cfg.Realms)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, n.Apply)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("wamprouter shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return multierr.Combine(
			n.Shutdown(shutdownCtx),
			httpServer.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}
