package transport

import (
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/lightforgemedia/go-wamprouter/pkg/metrics"
)

const (
	defaultClientSendBuffer    = 16
	defaultWriteTimeout        = 10 * time.Second
	defaultHelloTimeout        = 10 * time.Second
	libraryDefaultPingInterval = 30 * time.Second
	defaultReadLimit           = 1024 * 1024
	maxDroppedFrames           = 3
)

// Authenticator verifies a WAMP ticket presented in AUTHENTICATE.
// *auth.TicketAuth satisfies it.
type Authenticator interface {
	Authenticate(realm, authID, ticket string) (string, error)
}

type serverConfig struct {
	logger           *slog.Logger
	acceptOptions    *websocket.AcceptOptions
	clientSendBuffer int
	writeTimeout     time.Duration
	helloTimeout     time.Duration
	pingInterval     time.Duration // 0 means use libraryDefaultPingInterval, <0 means disable
	readLimit        int64
	rateLimit        rate.Limit
	rateBurst        int
	authenticator    Authenticator
	metrics          *metrics.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.config.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions. The WAMP
// subprotocol is always added.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(s *Server) {
		s.config.acceptOptions = opts
	}
}

// WithClientSendBuffer sets how many outbound frames are queued per
// connection before frames are dropped. Default is 16.
func WithClientSendBuffer(size int) Option {
	return func(s *Server) {
		if size > 0 {
			s.config.clientSendBuffer = size
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.config.writeTimeout = timeout
		}
	}
}

// WithHelloTimeout bounds the opening handshake, from accept to WELCOME.
func WithHelloTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.config.helloTimeout = timeout
		}
	}
}

// WithPingInterval sets the server ping interval.
// interval < 0: Disables server pings.
// interval == 0: Uses the library default of 30s.
func WithPingInterval(interval time.Duration) Option {
	return func(s *Server) {
		s.config.pingInterval = interval
	}
}

// WithReadLimit sets the largest inbound frame in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.config.readLimit = n
		}
	}
}

// WithRateLimit limits inbound messages per connection to perSecond with
// the given burst. Zero disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.config.rateLimit = rate.Limit(perSecond)
			s.config.rateBurst = burst
			if burst <= 0 {
				s.config.rateBurst = 1
			}
		}
	}
}

// WithAuthenticator requires ticket authentication before WELCOME.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) {
		s.config.authenticator = a
	}
}

// WithMetrics records dropped frames and rejected joins into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.config.metrics = m
	}
}

// Options contains configuration values for NewWithOptions. All fields
// have reasonable defaults provided by DefaultOptions().
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// AcceptOptions configures the WebSocket accept behavior.
	AcceptOptions *websocket.AcceptOptions

	// ClientSendBuffer sets the buffer size for outgoing frames per
	// connection. Defaults to 16.
	ClientSendBuffer int

	// WriteTimeout is the timeout for writing one frame. Defaults to 10s.
	WriteTimeout time.Duration

	// HelloTimeout bounds the HELLO to WELCOME handshake. Defaults to 10s.
	HelloTimeout time.Duration

	// PingInterval is the interval between pings.
	// Use 0 for library default (30s), negative to disable.
	PingInterval time.Duration

	// ReadLimit is the largest accepted inbound frame. Defaults to 1MiB.
	ReadLimit int64

	// RateLimit is the number of inbound messages per second allowed per
	// connection, with RateBurst as the bucket size. 0 disables limiting.
	RateLimit float64
	RateBurst int

	// Authenticator, when set, requires ticket authentication.
	Authenticator Authenticator

	// Metrics receives transport counters. Nil disables metrics.
	Metrics *metrics.Metrics
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:           slog.Default(),
		AcceptOptions:    &websocket.AcceptOptions{},
		ClientSendBuffer: defaultClientSendBuffer,
		WriteTimeout:     defaultWriteTimeout,
		HelloTimeout:     defaultHelloTimeout,
		PingInterval:     libraryDefaultPingInterval,
		ReadLimit:        defaultReadLimit,
	}
}

func (o Options) toOptions() []Option {
	optionFns := []Option{
		WithLogger(o.Logger),
		WithAcceptOptions(o.AcceptOptions),
		WithAuthenticator(o.Authenticator),
		WithMetrics(o.Metrics),
	}
	if o.ClientSendBuffer > 0 {
		optionFns = append(optionFns, WithClientSendBuffer(o.ClientSendBuffer))
	}
	if o.WriteTimeout > 0 {
		optionFns = append(optionFns, WithWriteTimeout(o.WriteTimeout))
	}
	if o.HelloTimeout > 0 {
		optionFns = append(optionFns, WithHelloTimeout(o.HelloTimeout))
	}
	if o.PingInterval != 0 {
		optionFns = append(optionFns, WithPingInterval(o.PingInterval))
	}
	if o.ReadLimit > 0 {
		optionFns = append(optionFns, WithReadLimit(o.ReadLimit))
	}
	if o.RateLimit > 0 {
		optionFns = append(optionFns, WithRateLimit(o.RateLimit, o.RateBurst))
	}
	return optionFns
}

func validateOptions(opts Options) error {
	if opts.ClientSendBuffer < 0 {
		return errors.New("ClientSendBuffer must be non-negative")
	}
	if opts.WriteTimeout < 0 {
		return errors.New("WriteTimeout must be non-negative")
	}
	if opts.HelloTimeout < 0 {
		return errors.New("HelloTimeout must be non-negative")
	}
	if opts.ReadLimit < 0 {
		return errors.New("ReadLimit must be non-negative")
	}
	if opts.RateLimit < 0 {
		return errors.New("RateLimit must be non-negative")
	}
	if opts.RateBurst < 0 {
		return errors.New("RateBurst must be non-negative")
	}
	return nil
}
