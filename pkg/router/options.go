package router

import (
	"errors"
	"log/slog"

	"github.com/lightforgemedia/go-wamprouter/pkg/metrics"
	"github.com/lightforgemedia/go-wamprouter/pkg/pubsub"
	"github.com/lightforgemedia/go-wamprouter/pkg/rpc"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

const defaultResolvedMemory = 4096

type routerConfig struct {
	logger         *slog.Logger
	realms         []string
	resolvedMemory int
	metrics        *metrics.Metrics
	pubObservers   []pubsub.Observer
	callObservers  []rpc.CallObserver
}

// Option configures a Router.
type Option func(*routerConfig)

// WithLogger sets the logger shared by the router and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *routerConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithRealms restricts which realms sessions may join. No realms means any
// realm is accepted.
func WithRealms(realms ...string) Option {
	return func(cfg *routerConfig) {
		cfg.realms = append(cfg.realms, realms...)
	}
}

// WithResolvedMemory sets how many resolved invocation ids the dealer keeps.
func WithResolvedMemory(n int) Option {
	return func(cfg *routerConfig) {
		if n > 0 {
			cfg.resolvedMemory = n
		}
	}
}

// WithMetrics records router activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *routerConfig) {
		cfg.metrics = m
	}
}

// WithPublicationObserver adds fn to the broker's publication observers.
func WithPublicationObserver(fn pubsub.Observer) Option {
	return func(cfg *routerConfig) {
		if fn != nil {
			cfg.pubObservers = append(cfg.pubObservers, fn)
		}
	}
}

// WithCallObserver adds fn to the dealer's call observers.
func WithCallObserver(fn rpc.CallObserver) Option {
	return func(cfg *routerConfig) {
		if fn != nil {
			cfg.callObservers = append(cfg.callObservers, fn)
		}
	}
}

// Options is the struct form of the router configuration.
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Realms lists the realms sessions may join. Empty accepts any realm.
	Realms []string

	// ResolvedMemory is how many resolved invocation ids are remembered to
	// report a second resolution as such. Defaults to 4096.
	ResolvedMemory int

	// Metrics receives router counters. Nil disables metrics.
	Metrics *metrics.Metrics
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:         slog.Default(),
		ResolvedMemory: defaultResolvedMemory,
	}
}

// NewWithOptions validates opts and creates a Router. Extra functional
// options are applied after the struct values.
func NewWithOptions(opts Options, extraOpts ...Option) (*Router, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	optionFns := []Option{WithLogger(opts.Logger), WithRealms(opts.Realms...), WithMetrics(opts.Metrics)}
	if opts.ResolvedMemory > 0 {
		optionFns = append(optionFns, WithResolvedMemory(opts.ResolvedMemory))
	}
	optionFns = append(optionFns, extraOpts...)
	return New(optionFns...)
}

func validateOptions(opts Options) error {
	if opts.ResolvedMemory < 0 {
		return errors.New("ResolvedMemory must be non-negative")
	}
	for _, realm := range opts.Realms {
		if !wamp.ValidURI(realm) {
			return errors.New("invalid realm name: " + realm)
		}
	}
	return nil
}
