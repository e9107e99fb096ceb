// Package transport serves WAMP sessions over WebSocket with the
// wamp.2.json subprotocol and hands joined sessions to a router.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lightforgemedia/go-wamprouter/pkg/router"
)

// Subprotocol is the only WebSocket subprotocol spoken.
const Subprotocol = "wamp.2.json"

var (
	// ErrSendBufferFull is returned by a connection's Send when its queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnClosed is returned by Send after the connection went away.
	ErrConnClosed = errors.New("connection closed")
	// ErrServerClosed is returned by Shutdown when called twice.
	ErrServerClosed = errors.New("transport server closed")
)

// Server accepts WebSocket connections and runs the WAMP session protocol
// on each of them.
type Server struct {
	config serverConfig
	router *router.Router

	connsMu sync.RWMutex
	conns   map[string]*conn
	wg      sync.WaitGroup

	shutdownOnce sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// New creates a Server feeding r.
func New(r *router.Router, opts ...Option) (*Server, error) {
	if r == nil {
		return nil, errors.New("transport: router is required")
	}
	mainCtx, mainCancel := context.WithCancel(context.Background())
	s := &Server{
		config: serverConfig{
			logger:           slog.Default(),
			clientSendBuffer: defaultClientSendBuffer,
			writeTimeout:     defaultWriteTimeout,
			helloTimeout:     defaultHelloTimeout,
			readLimit:        defaultReadLimit,
			rateLimit:        rate.Inf,
		},
		router:       r,
		conns:        make(map[string]*conn),
		shutdownChan: make(chan struct{}),
		mainCtx:      mainCtx,
		mainCancel:   mainCancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.config.pingInterval == 0 {
		s.config.pingInterval = libraryDefaultPingInterval
	} else if s.config.pingInterval < 0 {
		s.config.pingInterval = 0
	}

	accept := websocket.AcceptOptions{}
	if s.config.acceptOptions != nil {
		accept = *s.config.acceptOptions
	}
	if !slices.Contains(accept.Subprotocols, Subprotocol) {
		accept.Subprotocols = append(slices.Clone(accept.Subprotocols), Subprotocol)
	}
	s.config.acceptOptions = &accept

	s.config.logger.Info(fmt.Sprintf("Transport: Initialized. Ping interval: %v, Client send buffer: %d, Auth: %t",
		s.config.pingInterval, s.config.clientSendBuffer, s.config.authenticator != nil))
	return s, nil
}

// NewWithOptions validates opts and creates a Server. Extra functional
// options override the struct values.
func NewWithOptions(r *router.Router, opts Options, extraOpts ...Option) (*Server, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	return New(r, append(opts.toOptions(), extraOpts...)...)
}

// UpgradeHandler returns an http.HandlerFunc that upgrades requests to
// WAMP WebSocket connections.
func (s *Server) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.shutdownChan:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			s.config.logger.Info("Transport: Rejected connection, server shutting down.")
			return
		default:
		}

		ws, err := websocket.Accept(w, r, s.config.acceptOptions)
		if err != nil {
			s.config.logger.Info(fmt.Sprintf("Transport: Failed to accept websocket connection: %v", err))
			return
		}
		if ws.Subprotocol() != Subprotocol {
			s.config.logger.Info(fmt.Sprintf("Transport: Rejected connection without %s subprotocol", Subprotocol), "remote", r.RemoteAddr)
			ws.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
			return
		}
		ws.SetReadLimit(s.config.readLimit)

		ctx, cancel := context.WithCancel(s.mainCtx)
		c := &conn{
			id:      uuid.NewString(),
			ws:      ws,
			server:  s,
			send:    make(chan []byte, s.config.clientSendBuffer),
			ctx:     ctx,
			cancel:  cancel,
			limiter: rate.NewLimiter(s.config.rateLimit, s.config.rateBurst),
			logger:  s.config.logger,
			remote:  r.RemoteAddr,
		}

		s.addConn(c)
		c.logger.Info(fmt.Sprintf("Transport: Client %s connected", c.id), "remote", c.remote)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

func (s *Server) addConn(c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c.id] = c
}

// removeConn detaches the connection's session and forgets it. It is safe
// to call more than once.
func (s *Server) removeConn(c *conn) {
	c.cancel()

	s.connsMu.Lock()
	if _, exists := s.conns[c.id]; !exists {
		s.connsMu.Unlock()
		return
	}
	delete(s.conns, c.id)
	s.connsMu.Unlock()

	if sess := c.session(); sess != nil {
		s.router.Detach(sess.Ref)
	}
	c.ws.CloseNow()
	c.logger.Info(fmt.Sprintf("Transport: Client %s disconnected and removed.", c.id))
}

// ConnCount is the number of open connections, joined or not.
func (s *Server) ConnCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their goroutines to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	first := false
	s.shutdownOnce.Do(func() {
		first = true
		s.config.logger.Info("Transport: Initiating shutdown...")
		close(s.shutdownChan)

		s.connsMu.RLock()
		open := make([]*conn, 0, len(s.conns))
		for _, c := range s.conns {
			open = append(open, c)
		}
		s.connsMu.RUnlock()

		s.config.logger.Info(fmt.Sprintf("Transport: Closing %d connections...", len(open)))
		for _, c := range open {
			go c.close(websocket.StatusGoingAway, "server shutting down")
		}
	})
	if !first {
		return ErrServerClosed
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.mainCancel()
		s.config.logger.Info("Transport: Shutdown complete.")
		return nil
	case <-ctx.Done():
		s.mainCancel()
		s.config.logger.Info(fmt.Sprintf("Transport: Shutdown context done with %d connections remaining: %v", s.ConnCount(), ctx.Err()))
		<-done
		return ctx.Err()
	}
}
