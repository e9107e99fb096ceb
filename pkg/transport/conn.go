package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/lightforgemedia/go-wamprouter/pkg/auth"
	"github.com/lightforgemedia/go-wamprouter/pkg/router"
	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// conn is one WebSocket connection. It becomes a session.Peer once the
// handshake succeeds.
type conn struct {
	id      string
	ws      *websocket.Conn
	server  *Server
	send    chan []byte
	limiter *rate.Limiter
	logger  *slog.Logger
	remote  string

	ctx    context.Context
	cancel context.CancelFunc

	sessMu sync.RWMutex
	sess   *session.Session

	dropped   atomic.Int32
	closeOnce sync.Once
}

// handshakeError aborts the opening handshake with a WAMP reason URI.
type handshakeError struct {
	reason  string
	message string
}

func (e *handshakeError) Error() string { return e.reason + ": " + e.message }

func abortWith(reason, format string, args ...any) error {
	return &handshakeError{reason: reason, message: fmt.Sprintf(format, args...)}
}

func (c *conn) session() *session.Session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return c.sess
}

// Send queues a frame without blocking. It is called from the routing loop.
func (c *conn) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}

	c.server.config.metrics.RecordDroppedFrame()
	dropped := c.dropped.Add(1)
	c.logger.Info(fmt.Sprintf("Transport: Client %s send buffer full, frame dropped (%d so far)", c.id, dropped))
	if dropped == maxDroppedFrames {
		c.logger.Info(fmt.Sprintf("Transport: Client %s dropped %d frames, disconnecting slow client.", c.id, dropped))
		go c.close(websocket.StatusPolicyViolation, "too many dropped messages")
	}
	return ErrSendBufferFull
}

// close runs the closing handshake once and removes the connection.
func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.ws.Close(code, reason)
		c.server.removeConn(c)
	})
}

func (c *conn) serve() {
	defer c.server.removeConn(c)

	if c.server.config.pingInterval > 0 {
		go c.pingLoop()
	}

	sess, err := c.handshake()
	if err != nil {
		var herr *handshakeError
		if errors.As(err, &herr) {
			c.logger.Info(fmt.Sprintf("Transport: Client %s handshake rejected: %v", c.id, err))
			c.server.config.metrics.RecordRejectedJoin(herr.reason)
			c.writeDirect(wamp.Abort(wamp.Dict{"message": herr.message}, herr.reason))
			c.close(websocket.StatusNormalClosure, "")
			return
		}
		c.logger.Info(fmt.Sprintf("Transport: Client %s handshake failed: %v", c.id, err))
		return
	}

	go c.writePump()
	c.readPump(sess)
}

// handshake runs HELLO, the optional ticket CHALLENGE and WELCOME. Frames
// are written directly since the write pump only starts after WELCOME.
func (c *conn) handshake() (*session.Session, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.server.config.helloTimeout)
	defer cancel()

	hello, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	if typ, _ := hello.Type(); typ != wamp.TypeHello {
		return nil, abortWith(wamp.ErrProtocolViolation, "expected HELLO, got %s", typ)
	}
	realm, ok := wamp.AsString(hello.Arg(1))
	if !ok {
		return nil, abortWith(wamp.ErrProtocolViolation, "HELLO without realm")
	}
	details, _ := wamp.AsDict(hello.Arg(2))
	authID, _ := details["authid"].(string)
	authMethod := "anonymous"

	if a := c.server.config.authenticator; a != nil {
		if !offers(details, auth.MethodTicket) {
			return nil, abortWith(wamp.ErrAuthenticationFailed, "this router requires the %s authmethod", auth.MethodTicket)
		}
		if err := c.writeDirect(wamp.Challenge(auth.MethodTicket, nil)); err != nil {
			return nil, err
		}
		reply, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		if typ, _ := reply.Type(); typ != wamp.TypeAuthenticate {
			return nil, abortWith(wamp.ErrProtocolViolation, "expected AUTHENTICATE, got %s", typ)
		}
		ticket, _ := wamp.AsString(reply.Arg(1))
		verified, err := a.Authenticate(realm, authID, ticket)
		if err != nil {
			return nil, abortWith(wamp.ErrAuthenticationFailed, "%v", err)
		}
		authID = verified
		authMethod = auth.MethodTicket
	}

	sess, err := c.server.router.Attach(realm, authID, c)
	if err != nil {
		var werr *wamp.Error
		if errors.As(err, &werr) {
			return nil, abortWith(werr.URI, "%v", err)
		}
		return nil, abortWith(wamp.ErrSystemShutdown, "%v", err)
	}
	c.sessMu.Lock()
	c.sess = sess
	c.sessMu.Unlock()

	welcome := wamp.Welcome(sess.ID, wamp.Dict{
		"roles":      wamp.Dict{"broker": wamp.Dict{}, "dealer": wamp.Dict{}},
		"authid":     authID,
		"authmethod": authMethod,
		"realm":      realm,
	})
	if err := c.writeDirect(welcome); err != nil {
		return nil, err
	}
	c.logger.Info(fmt.Sprintf("Transport: Client %s joined realm '%s' as session %d", c.id, realm, sess.ID), "authid", authID)
	return sess, nil
}

func offers(details wamp.Dict, method string) bool {
	methods, ok := wamp.AsList(details["authmethods"])
	if !ok {
		return false
	}
	return slices.ContainsFunc(methods, func(v any) bool { return v == method })
}

func (c *conn) read(ctx context.Context) (wamp.Message, error) {
	var msg wamp.Message
	if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
		return nil, err
	}
	if _, ok := msg.Type(); !ok {
		return nil, abortWith(wamp.ErrProtocolViolation, "message is not a WAMP array")
	}
	return msg, nil
}

func (c *conn) writeDirect(msg wamp.Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.server.config.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, msg)
}

func (c *conn) readPump(sess *session.Session) {
	for {
		msg, err := c.read(c.ctx)
		if err != nil {
			var herr *handshakeError
			if errors.As(err, &herr) {
				c.abort(herr.reason, herr.message)
				return
			}
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.logger.Info(fmt.Sprintf("Transport: Client %s readPump closing gracefully: %v", c.id, err))
			} else {
				c.logger.Info(fmt.Sprintf("Transport: Client %s read error in readPump: %v (status: %d)", c.id, err, status))
			}
			return
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}

		typ, _ := msg.Type()
		if typ == wamp.TypeGoodbye {
			c.logger.Info(fmt.Sprintf("Transport: Client %s said goodbye", c.id), "reason", msg.Arg(2))
			c.server.router.Detach(sess.Ref)
			c.writeDirect(wamp.Goodbye(nil, wamp.CloseGoodbyeAndOut))
			c.close(websocket.StatusNormalClosure, "")
			return
		}

		err = c.server.router.Dispatch(sess, msg)
		switch {
		case err == nil:
		case errors.Is(err, router.ErrProtocolViolation):
			c.abort(wamp.ErrProtocolViolation, err.Error())
			return
		case errors.Is(err, router.ErrRouterClosed):
			return
		default:
			c.logger.Warn(fmt.Sprintf("Transport: Client %s dispatch failed: %v", c.id, err))
		}
	}
}

// abort ends an established session with ABORT.
func (c *conn) abort(reason, message string) {
	c.logger.Info(fmt.Sprintf("Transport: Client %s aborted: %s", c.id, message), "reason", reason)
	if sess := c.session(); sess != nil {
		c.server.router.Detach(sess.Ref)
	}
	c.writeDirect(wamp.Abort(wamp.Dict{"message": message}, reason))
	c.close(websocket.StatusNormalClosure, "")
}

func (c *conn) writePump() {
	defer c.logger.Debug(fmt.Sprintf("Transport: Client %s writePump stopping.", c.id))

	for {
		select {
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.server.config.writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Info(fmt.Sprintf("Transport: Client %s write error in writePump: %v. Closing connection.", c.id, err))
				go c.close(websocket.StatusInternalError, "write error")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) pingLoop() {
	interval := c.server.config.pingInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, interval/2)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Info(fmt.Sprintf("Transport: Client %s ping failed: %v. Closing connection.", c.id, err))
					go c.close(websocket.StatusPolicyViolation, "ping failure")
				}
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
