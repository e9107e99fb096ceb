package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultClientSendBuffer          = 16
	defaultClientReqTimeout          = 10 * time.Second
	defaultWriteClientTimeout        = 5 * time.Second
	defaultHandshakeTimeout          = 10 * time.Second
	libraryDefaultClientPingInterval = 0 * time.Second // rely on router pings
	defaultReconnectAttempts         = 0
	defaultReconnectDelayMin         = 1 * time.Second
	defaultReconnectDelayMax         = 30 * time.Second
	eventQueueSize                   = 64
)

type clientConfig struct {
	logger                *slog.Logger
	dialOptions           *websocket.DialOptions
	defaultRequestTimeout time.Duration
	writeTimeout          time.Duration
	handshakeTimeout      time.Duration
	pingInterval          time.Duration // 0 or <0 disables client pings
	autoReconnect         bool
	reconnectAttempts     int // 0 for infinite if autoReconnect is true
	reconnectDelayMin     time.Duration
	reconnectDelayMax     time.Duration
	authID                string
	ticket                string
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions. The wamp.2.json
// subprotocol is always requested.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) {
		c.config.dialOptions = opts
	}
}

// WithDefaultRequestTimeout bounds requests whose context has no deadline.
func WithDefaultRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.defaultRequestTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.writeTimeout = timeout
		}
	}
}

// WithHandshakeTimeout bounds dial plus HELLO to WELCOME.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.handshakeTimeout = timeout
		}
	}
}

// WithClientPingInterval sets the client-initiated ping interval.
// interval <= 0 disables client pings.
func WithClientPingInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.config.pingInterval = interval
	}
}

// WithAutoReconnect rejoins the realm after the connection drops and
// restores subscriptions and registrations. maxAttempts 0 retries forever.
func WithAutoReconnect(maxAttempts int, minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.config.autoReconnect = true
		c.config.reconnectAttempts = maxAttempts
		if minDelay > 0 {
			c.config.reconnectDelayMin = minDelay
		}
		if maxDelay > 0 {
			c.config.reconnectDelayMax = maxDelay
		}
	}
}

// WithAuthID sets the authid announced in HELLO.
func WithAuthID(authID string) Option {
	return func(c *Client) {
		c.config.authID = authID
	}
}

// WithTicket offers the ticket authmethod and answers the router's
// CHALLENGE with ticket.
func WithTicket(authID, ticket string) Option {
	return func(c *Client) {
		c.config.authID = authID
		c.config.ticket = ticket
	}
}

// Options contains configuration values for ConnectWithOptions.
type Options struct {
	Logger                *slog.Logger
	DialOptions           *websocket.DialOptions
	DefaultRequestTimeout time.Duration
	WriteTimeout          time.Duration
	HandshakeTimeout      time.Duration
	PingInterval          time.Duration
	AutoReconnect         bool
	ReconnectAttempts     int
	ReconnectDelayMin     time.Duration
	ReconnectDelayMax     time.Duration
	AuthID                string
	Ticket                string
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:                slog.Default(),
		DialOptions:           &websocket.DialOptions{HTTPClient: http.DefaultClient},
		DefaultRequestTimeout: defaultClientReqTimeout,
		WriteTimeout:          defaultWriteClientTimeout,
		HandshakeTimeout:      defaultHandshakeTimeout,
		PingInterval:          libraryDefaultClientPingInterval,
		ReconnectAttempts:     defaultReconnectAttempts,
		ReconnectDelayMin:     defaultReconnectDelayMin,
		ReconnectDelayMax:     defaultReconnectDelayMax,
	}
}

// ConnectWithOptions validates opts and connects. Extra functional options
// override the struct values.
func ConnectWithOptions(ctx context.Context, url, realm string, opts Options, extraOpts ...Option) (*Client, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	return Connect(ctx, url, realm, append(opts.toOptions(), extraOpts...)...)
}

func (o Options) toOptions() []Option {
	optionFns := []Option{
		WithLogger(o.Logger),
		WithDialOptions(o.DialOptions),
		WithDefaultRequestTimeout(o.DefaultRequestTimeout),
		WithWriteTimeout(o.WriteTimeout),
		WithHandshakeTimeout(o.HandshakeTimeout),
		WithClientPingInterval(o.PingInterval),
	}
	if o.AutoReconnect {
		optionFns = append(optionFns, WithAutoReconnect(o.ReconnectAttempts, o.ReconnectDelayMin, o.ReconnectDelayMax))
	}
	if o.Ticket != "" {
		optionFns = append(optionFns, WithTicket(o.AuthID, o.Ticket))
	} else if o.AuthID != "" {
		optionFns = append(optionFns, WithAuthID(o.AuthID))
	}
	return optionFns
}

func validateOptions(opts Options) error {
	if opts.DefaultRequestTimeout < 0 {
		return errors.New("DefaultRequestTimeout must be non-negative")
	}
	if opts.WriteTimeout < 0 {
		return errors.New("WriteTimeout must be non-negative")
	}
	if opts.HandshakeTimeout < 0 {
		return errors.New("HandshakeTimeout must be non-negative")
	}
	if opts.ReconnectAttempts < 0 {
		return errors.New("ReconnectAttempts must be non-negative")
	}
	if opts.ReconnectDelayMin > 0 && opts.ReconnectDelayMax > 0 && opts.ReconnectDelayMax < opts.ReconnectDelayMin {
		return errors.New("ReconnectDelayMax must not be below ReconnectDelayMin")
	}
	return nil
}
