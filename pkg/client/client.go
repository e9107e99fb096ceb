// Package client is a WAMP client speaking wamp.2.json over WebSocket. It
// plays the publisher, subscriber, caller and callee roles against a single
// realm.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// Subprotocol is the WebSocket subprotocol requested on dial.
const Subprotocol = "wamp.2.json"

var (
	// ErrClientClosed is returned by operations after Close.
	ErrClientClosed = errors.New("client closed")
	// ErrNotConnected is returned while the client has no joined session.
	ErrNotConnected = errors.New("client not connected")
	// ErrDisconnected is returned to requests whose connection dropped
	// before the reply arrived.
	ErrDisconnected = errors.New("connection lost before reply")
	// ErrAlreadySubscribed is returned when the client already holds a
	// subscription for the topic.
	ErrAlreadySubscribed = errors.New("topic already subscribed")
	// ErrNotSubscribed is returned by Unsubscribe for unknown topics.
	ErrNotSubscribed = errors.New("topic not subscribed")
	// ErrAlreadyRegistered is returned when the client already registered
	// the procedure.
	ErrAlreadyRegistered = errors.New("procedure already registered")
	// ErrNotRegistered is returned by Unregister for unknown procedures.
	ErrNotRegistered = errors.New("procedure not registered")
)

// Event is one EVENT received for a subscription.
type Event struct {
	Topic        string
	Subscription wamp.ID
	Publication  wamp.ID
	Details      wamp.Dict
	Args         wamp.List
	Kwargs       wamp.Dict
}

// EventHandler receives events for one topic. Handlers run one at a time,
// in arrival order, on the client's event goroutine.
type EventHandler func(ev *Event)

// Invocation is one INVOCATION of a procedure this client registered.
type Invocation struct {
	Procedure    string
	Registration wamp.ID
	Request      wamp.ID
	Details      wamp.Dict
	Args         wamp.List
	Kwargs       wamp.Dict
}

// Result is the payload of a RESULT, or what a callee yields.
type Result struct {
	Args   wamp.List
	Kwargs wamp.Dict
}

// InvocationHandler answers an invocation. Returning a *wamp.Error picks
// the error URI sent to the caller; any other error is reported as
// wamp.error.runtime_error. Each invocation runs on its own goroutine and
// ctx is canceled when the connection goes away.
type InvocationHandler func(ctx context.Context, inv *Invocation) (*Result, error)

type subscription struct {
	topic   string
	handler EventHandler
	id      wamp.ID
}

type registration struct {
	procedure string
	handler   InvocationHandler
	id        wamp.ID
}

type pendingRequest struct {
	reply chan wamp.Message
	// onReply runs on the read goroutine before the reply is handed over,
	// so ids are bound before any frame that depends on them is read.
	onReply func(wamp.Message)
}

type queuedEvent struct {
	handler EventHandler
	ev      *Event
}

// link is one joined WebSocket connection and its pumps.
type link struct {
	ws          *websocket.Conn
	session     wamp.ID
	send        chan wamp.Message
	ctx         context.Context
	cancel      context.CancelFunc
	goodbye     chan struct{}
	goodbyeOnce sync.Once
}

func (l *link) enqueue(ctx context.Context, msg wamp.Message) error {
	select {
	case l.send <- msg:
		return nil
	case <-l.ctx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client is a WAMP session over WebSocket.
type Client struct {
	config clientConfig
	url    string
	realm  string
	id     string // local id used in logs

	clientCtx    context.Context
	clientCancel context.CancelFunc

	connMu sync.RWMutex
	link   *link
	pumpWg sync.WaitGroup

	requestIDs wamp.Sequence

	pendingMu sync.Mutex
	pending   map[wamp.ID]*pendingRequest

	subsMu sync.RWMutex
	subs   map[string]*subscription
	subIDs map[wamp.ID]*subscription

	regsMu sync.RWMutex
	regs   map[string]*registration
	regIDs map[wamp.ID]*registration

	events     chan queuedEvent
	eventsDone chan struct{}
	handlers   sync.WaitGroup

	isClosed bool
	closedMu sync.Mutex

	reconnectingMu sync.Mutex
	isReconnecting bool
	reconnectWg    sync.WaitGroup
}

// Connect dials url and joins realm. With WithAutoReconnect a failed first
// attempt is retried in the background and the client is returned anyway.
func Connect(ctx context.Context, url, realm string, opts ...Option) (*Client, error) {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	cli := &Client{
		config: clientConfig{
			logger:                slog.Default(),
			defaultRequestTimeout: defaultClientReqTimeout,
			writeTimeout:          defaultWriteClientTimeout,
			handshakeTimeout:      defaultHandshakeTimeout,
			pingInterval:          libraryDefaultClientPingInterval,
			reconnectDelayMin:     defaultReconnectDelayMin,
			reconnectDelayMax:     defaultReconnectDelayMax,
		},
		url:          url,
		realm:        realm,
		id:           uuid.NewString(),
		clientCtx:    clientCtx,
		clientCancel: clientCancel,
		pending:      make(map[wamp.ID]*pendingRequest),
		subs:         make(map[string]*subscription),
		subIDs:       make(map[wamp.ID]*subscription),
		regs:         make(map[string]*registration),
		regIDs:       make(map[wamp.ID]*registration),
		events:       make(chan queuedEvent, eventQueueSize),
		eventsDone:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cli)
	}
	if cli.config.pingInterval < 0 {
		cli.config.pingInterval = 0
	}
	if cli.config.dialOptions == nil {
		cli.config.dialOptions = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}
	if cli.config.reconnectDelayMax < cli.config.reconnectDelayMin {
		cli.config.reconnectDelayMax = cli.config.reconnectDelayMin
	}

	go cli.eventLoop()

	if err := cli.establishConnection(ctx); err != nil {
		cli.config.logger.Info(fmt.Sprintf("Client %s: Initial connection failed: %v", cli.id, err))
		if !cli.config.autoReconnect {
			cli.Close()
			return nil, fmt.Errorf("client initial connection failed and auto-reconnect disabled: %w", err)
		}
		cli.startReconnect()
	}
	return cli, nil
}

// ID is the local identifier used in this client's log lines.
func (c *Client) ID() string { return c.id }

// Realm is the realm the client joins.
func (c *Client) Realm() string { return c.realm }

// SessionID is the router-assigned id of the current session, or 0 while
// disconnected.
func (c *Client) SessionID() wamp.ID {
	if l := c.currentLink(); l != nil {
		return l.session
	}
	return 0
}

// Connected reports whether a session is currently joined.
func (c *Client) Connected() bool { return c.currentLink() != nil }

// Done is closed once the client is closed for good.
func (c *Client) Done() <-chan struct{} { return c.clientCtx.Done() }

func (c *Client) closed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.isClosed
}

func (c *Client) currentLink() *link {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.link
}

func (c *Client) establishConnection(ctx context.Context) error {
	if c.closed() {
		return ErrClientClosed
	}
	c.stopPumps()

	hsCtx, cancel := context.WithTimeout(ctx, c.config.handshakeTimeout)
	defer cancel()

	dialOpts := *c.config.dialOptions
	if !slices.Contains(dialOpts.Subprotocols, Subprotocol) {
		dialOpts.Subprotocols = append(slices.Clone(dialOpts.Subprotocols), Subprotocol)
	}
	ws, httpResp, err := websocket.Dial(hsCtx, c.url, &dialOpts)
	if err != nil {
		if httpResp != nil {
			return fmt.Errorf("dial to %s failed: %w (status: %s)", c.url, err, httpResp.Status)
		}
		return fmt.Errorf("dial to %s failed: %w", c.url, err)
	}
	if ws.Subprotocol() != Subprotocol {
		ws.Close(websocket.StatusPolicyViolation, "subprotocol not negotiated")
		return fmt.Errorf("router at %s did not accept subprotocol %s", c.url, Subprotocol)
	}

	sessionID, err := c.join(hsCtx, ws)
	if err != nil {
		ws.CloseNow()
		return err
	}

	linkCtx, linkCancel := context.WithCancel(c.clientCtx)
	l := &link{
		ws:      ws,
		session: sessionID,
		send:    make(chan wamp.Message, defaultClientSendBuffer),
		ctx:     linkCtx,
		cancel:  linkCancel,
		goodbye: make(chan struct{}),
	}

	c.connMu.Lock()
	if c.clientCtx.Err() != nil {
		c.connMu.Unlock()
		linkCancel()
		ws.CloseNow()
		return ErrClientClosed
	}
	c.link = l
	c.pumpWg.Add(2)
	go c.readPump(l)
	go c.writePump(l)
	if c.config.pingInterval > 0 {
		c.pumpWg.Add(1)
		go c.pingLoop(l)
	}
	c.connMu.Unlock()

	c.config.logger.Info(fmt.Sprintf("Client %s: Joined realm '%s' at %s as session %d", c.id, c.realm, c.url, sessionID))

	c.restore()
	return nil
}

// join runs HELLO, the optional ticket CHALLENGE and waits for WELCOME.
func (c *Client) join(ctx context.Context, ws *websocket.Conn) (wamp.ID, error) {
	details := wamp.Dict{
		"roles": wamp.Dict{
			"publisher":  wamp.Dict{},
			"subscriber": wamp.Dict{},
			"caller":     wamp.Dict{},
			"callee":     wamp.Dict{},
		},
	}
	if c.config.authID != "" {
		details["authid"] = c.config.authID
	}
	if c.config.ticket != "" {
		details["authmethods"] = wamp.List{"ticket"}
	}
	if err := wsjson.Write(ctx, ws, wamp.Hello(c.realm, details)); err != nil {
		return 0, fmt.Errorf("sending HELLO: %w", err)
	}

	for {
		var msg wamp.Message
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return 0, fmt.Errorf("waiting for WELCOME: %w", err)
		}
		typ, _ := msg.Type()
		switch typ {
		case wamp.TypeWelcome:
			id, ok := wamp.AsID(msg.Arg(1))
			if !ok {
				return 0, errors.New("WELCOME without session id")
			}
			return id, nil
		case wamp.TypeChallenge:
			method, _ := wamp.AsString(msg.Arg(1))
			if method != "ticket" || c.config.ticket == "" {
				return 0, fmt.Errorf("router challenged with unsupported authmethod %q", method)
			}
			if err := wsjson.Write(ctx, ws, wamp.Authenticate(c.config.ticket, nil)); err != nil {
				return 0, fmt.Errorf("sending AUTHENTICATE: %w", err)
			}
		case wamp.TypeAbort:
			return 0, fmt.Errorf("join %q rejected: %w", c.realm, abortError(msg))
		default:
			return 0, fmt.Errorf("unexpected %s during handshake", typ)
		}
	}
}

func abortError(msg wamp.Message) *wamp.Error {
	reason, _ := wamp.AsString(msg.Arg(2))
	werr := &wamp.Error{URI: reason}
	if details, ok := wamp.AsDict(msg.Arg(1)); ok {
		if m, ok := details["message"].(string); ok && m != "" {
			werr.Args = wamp.List{m}
		}
	}
	return werr
}

// stopPumps tears down the current link, if any, and waits for its pumps.
func (c *Client) stopPumps() {
	c.connMu.Lock()
	l := c.link
	c.link = nil
	c.connMu.Unlock()
	if l != nil {
		l.cancel()
		l.ws.CloseNow()
	}
	c.pumpWg.Wait()
}

// restore re-subscribes and re-registers everything the client held on a
// previous session.
func (c *Client) restore() {
	c.subsMu.RLock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.id != 0 {
			subs = append(subs, sub)
		}
	}
	c.subsMu.RUnlock()

	c.regsMu.RLock()
	regs := make([]*registration, 0, len(c.regs))
	for _, reg := range c.regs {
		if reg.id != 0 {
			regs = append(regs, reg)
		}
	}
	c.regsMu.RUnlock()

	if len(subs) == 0 && len(regs) == 0 {
		return
	}
	c.config.logger.Info(fmt.Sprintf("Client %s: Restoring %d subscriptions and %d registrations...", c.id, len(subs), len(regs)))
	for _, sub := range subs {
		if _, err := c.subscribe(c.clientCtx, sub); err != nil {
			c.config.logger.Info(fmt.Sprintf("Client %s: Error re-subscribing to topic '%s': %v", c.id, sub.topic, err))
		}
	}
	for _, reg := range regs {
		if _, err := c.register(c.clientCtx, reg); err != nil {
			c.config.logger.Info(fmt.Sprintf("Client %s: Error re-registering procedure '%s': %v", c.id, reg.procedure, err))
		}
	}
}

func (c *Client) startReconnect() {
	c.reconnectingMu.Lock()
	defer c.reconnectingMu.Unlock()
	if c.isReconnecting {
		c.config.logger.Info(fmt.Sprintf("Client %s: Reconnect loop already active.", c.id))
		return
	}
	c.isReconnecting = true
	c.reconnectWg.Add(1)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.reconnectingMu.Lock()
		c.isReconnecting = false
		c.reconnectingMu.Unlock()
		c.config.logger.Info(fmt.Sprintf("Client %s: Exiting reconnect loop.", c.id))
		c.reconnectWg.Done()
	}()

	c.config.logger.Info(fmt.Sprintf("Client %s: Starting reconnect loop (max_attempts: %d, delay_min: %v, delay_max: %v)",
		c.id, c.config.reconnectAttempts, c.config.reconnectDelayMin, c.config.reconnectDelayMax))

	attempts := 0
	currentDelay := c.config.reconnectDelayMin
	for {
		if c.closed() {
			return
		}
		if c.config.reconnectAttempts > 0 && attempts >= c.config.reconnectAttempts {
			c.config.logger.Info(fmt.Sprintf("Client %s: Max reconnect attempts (%d) reached. Stopping.", c.id, c.config.reconnectAttempts))
			go c.Close()
			return
		}

		// Jitter of up to a quarter of the delay spreads out retries from
		// many clients.
		jitterRange := int64(currentDelay / 4)
		if jitterRange <= 0 {
			jitterRange = 1
		}
		sleepDuration := currentDelay + time.Duration(rand.Int63n(jitterRange))

		c.config.logger.Info(fmt.Sprintf("Client %s: Waiting %v before reconnect attempt %d...", c.id, sleepDuration, attempts+1))
		timer := time.NewTimer(sleepDuration)
		select {
		case <-timer.C:
		case <-c.clientCtx.Done():
			timer.Stop()
			return
		}

		err := c.establishConnection(c.clientCtx)
		if err == nil {
			c.config.logger.Info(fmt.Sprintf("Client %s: Successfully reconnected.", c.id))
			return
		}
		c.config.logger.Info(fmt.Sprintf("Client %s: Reconnect attempt %d failed: %v", c.id, attempts+1, err))
		attempts++
		currentDelay = min(currentDelay*2, c.config.reconnectDelayMax)
	}
}

func (c *Client) readPump(l *link) {
	defer func() {
		l.cancel()
		c.connMu.Lock()
		if c.link == l {
			c.link = nil
		}
		c.connMu.Unlock()
		l.ws.CloseNow()
		c.failPending()

		if c.config.autoReconnect && !c.closed() {
			c.startReconnect()
		}
		c.config.logger.Info(fmt.Sprintf("Client %s: readPump stopping for session %d.", c.id, l.session))
		c.pumpWg.Done()
	}()

	for {
		var msg wamp.Message
		if err := wsjson.Read(l.ctx, l.ws, &msg); err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case l.ctx.Err() != nil:
				c.config.logger.Info(fmt.Sprintf("Client %s: readPump closing after context cancellation (err: %v)", c.id, err))
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				c.config.logger.Info(fmt.Sprintf("Client %s: readPump normal websocket closure: %v (status: %d)", c.id, err, status))
			default:
				c.config.logger.Info(fmt.Sprintf("Client %s: read error in readPump: %v (status: %d)", c.id, err, status))
			}
			return
		}
		if !c.handle(l, msg) {
			return
		}
	}
}

// handle processes one inbound frame. It returns false when the session
// is over.
func (c *Client) handle(l *link, msg wamp.Message) bool {
	typ, _ := msg.Type()
	switch typ {
	case wamp.TypeSubscribed, wamp.TypeUnsubscribed, wamp.TypePublished,
		wamp.TypeResult, wamp.TypeRegistered, wamp.TypeUnregistered:
		req, _ := wamp.AsID(msg.Arg(1))
		c.resolve(req, msg)
	case wamp.TypeError:
		req, _ := wamp.AsID(msg.Arg(2))
		c.resolve(req, msg)
	case wamp.TypeEvent:
		c.deliverEvent(l, msg)
	case wamp.TypeInvocation:
		c.startInvocation(l, msg)
	case wamp.TypeGoodbye:
		reason, _ := wamp.AsString(msg.Arg(2))
		c.config.logger.Info(fmt.Sprintf("Client %s: Router said goodbye: %s", c.id, reason))
		if c.closed() {
			l.goodbyeOnce.Do(func() { close(l.goodbye) })
			return true
		}
		if reason != wamp.CloseGoodbyeAndOut {
			c.trySend(l, wamp.Goodbye(nil, wamp.CloseGoodbyeAndOut))
		}
	case wamp.TypeAbort:
		c.config.logger.Info(fmt.Sprintf("Client %s: Session aborted by router: %v", c.id, abortError(msg)))
		return false
	default:
		c.config.logger.Info(fmt.Sprintf("Client %s: Received unexpected %s", c.id, typ))
	}
	return true
}

func (c *Client) resolve(req wamp.ID, msg wamp.Message) {
	c.pendingMu.Lock()
	p, ok := c.pending[req]
	if ok {
		delete(c.pending, req)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.config.logger.Info(fmt.Sprintf("Client %s: Received unsolicited reply for request %d", c.id, req))
		return
	}
	if p.onReply != nil {
		p.onReply(msg)
	}
	p.reply <- msg
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for req, p := range c.pending {
		close(p.reply)
		delete(c.pending, req)
	}
}

func (c *Client) deliverEvent(l *link, msg wamp.Message) {
	subID, _ := wamp.AsID(msg.Arg(1))
	c.subsMu.RLock()
	sub, ok := c.subIDs[subID]
	c.subsMu.RUnlock()
	if !ok {
		c.config.logger.Debug(fmt.Sprintf("Client %s: Event for unknown subscription %d", c.id, subID))
		return
	}
	pubID, _ := wamp.AsID(msg.Arg(2))
	details, _ := wamp.AsDict(msg.Arg(3))
	args, _ := wamp.AsList(msg.Arg(4))
	kwargs, _ := wamp.AsDict(msg.Arg(5))
	ev := &Event{
		Topic:        sub.topic,
		Subscription: subID,
		Publication:  pubID,
		Details:      details,
		Args:         args,
		Kwargs:       kwargs,
	}
	select {
	case c.events <- queuedEvent{handler: sub.handler, ev: ev}:
	case <-l.ctx.Done():
	}
}

func (c *Client) eventLoop() {
	defer close(c.eventsDone)
	for {
		select {
		case qe := <-c.events:
			c.invokeEventHandler(qe)
		case <-c.clientCtx.Done():
			return
		}
	}
}

func (c *Client) invokeEventHandler(qe queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.config.logger.Error(fmt.Sprintf("Client %s: Event handler for topic '%s' panicked: %v", c.id, qe.ev.Topic, r))
		}
	}()
	qe.handler(qe.ev)
}

func (c *Client) startInvocation(l *link, msg wamp.Message) {
	req, _ := wamp.AsID(msg.Arg(1))
	regID, _ := wamp.AsID(msg.Arg(2))
	c.regsMu.RLock()
	reg, ok := c.regIDs[regID]
	c.regsMu.RUnlock()
	if !ok {
		c.config.logger.Info(fmt.Sprintf("Client %s: Invocation for unknown registration %d", c.id, regID))
		c.trySend(l, wamp.ErrorMessage(wamp.TypeInvocation, req, nil, wamp.ErrNoSuchRegistration, nil, nil))
		return
	}
	details, _ := wamp.AsDict(msg.Arg(3))
	args, _ := wamp.AsList(msg.Arg(4))
	kwargs, _ := wamp.AsDict(msg.Arg(5))
	inv := &Invocation{
		Procedure:    reg.procedure,
		Registration: regID,
		Request:      req,
		Details:      details,
		Args:         args,
		Kwargs:       kwargs,
	}

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		c.invoke(l, reg.handler, inv)
	}()
}

func (c *Client) invoke(l *link, handler InvocationHandler, inv *Invocation) {
	res, err := c.runHandler(l.ctx, handler, inv)
	var reply wamp.Message
	if err != nil {
		var werr *wamp.Error
		if !errors.As(err, &werr) {
			werr = wamp.NewError(wamp.ErrRuntimeError, err.Error())
		}
		c.config.logger.Info(fmt.Sprintf("Client %s: Procedure '%s' failed: %v", c.id, inv.Procedure, err))
		reply = wamp.ErrorMessage(wamp.TypeInvocation, inv.Request, nil, werr.URI, werr.Args, werr.Kwargs)
	} else {
		if res == nil {
			res = &Result{}
		}
		reply = wamp.Yield(inv.Request, nil, res.Args, res.Kwargs)
	}

	ctx, cancel := context.WithTimeout(l.ctx, c.config.writeTimeout)
	defer cancel()
	if err := l.enqueue(ctx, reply); err != nil {
		c.config.logger.Info(fmt.Sprintf("Client %s: Could not answer invocation %d of '%s': %v", c.id, inv.Request, inv.Procedure, err))
	}
}

func (c *Client) runHandler(ctx context.Context, handler InvocationHandler, inv *Invocation) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, inv)
}

// trySend queues msg without blocking. It is used from the read goroutine.
func (c *Client) trySend(l *link, msg wamp.Message) {
	select {
	case l.send <- msg:
	case <-l.ctx.Done():
	default:
		typ, _ := msg.Type()
		c.config.logger.Info(fmt.Sprintf("Client %s: Send channel full when trying to send %s. Message dropped.", c.id, typ))
	}
}

func (c *Client) writePump(l *link) {
	defer func() {
		c.config.logger.Debug(fmt.Sprintf("Client %s: writePump stopping for session %d.", c.id, l.session))
		c.pumpWg.Done()
	}()

	for {
		select {
		case msg := <-l.send:
			writeCtx, cancel := context.WithTimeout(l.ctx, c.config.writeTimeout)
			err := wsjson.Write(writeCtx, l.ws, msg)
			cancel()
			if err != nil {
				c.config.logger.Info(fmt.Sprintf("Client %s: write error in writePump: %v. Connection may be stale.", c.id, err))
				l.cancel()
				return
			}
		case <-l.ctx.Done():
			return
		}
	}
}

func (c *Client) pingLoop(l *link) {
	defer c.pumpWg.Done()

	ticker := time.NewTicker(c.config.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(l.ctx, c.config.pingInterval/2)
			err := l.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if l.ctx.Err() == nil {
					c.config.logger.Info(fmt.Sprintf("Client %s: Ping failed: %v. Connection might be stale.", c.id, err))
					l.cancel()
				}
				return
			}
		case <-l.ctx.Done():
			return
		}
	}
}

// request sends msg and waits for the reply carrying req. An ERROR reply
// is returned as a *wamp.Error.
func (c *Client) request(ctx context.Context, req wamp.ID, msg wamp.Message, onReply func(wamp.Message)) (wamp.Message, error) {
	if c.closed() {
		return nil, ErrClientClosed
	}
	l := c.currentLink()
	if l == nil {
		return nil, ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.defaultRequestTimeout)
		defer cancel()
	}

	p := &pendingRequest{reply: make(chan wamp.Message, 1), onReply: onReply}
	c.pendingMu.Lock()
	c.pending[req] = p
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		if c.pending[req] == p {
			delete(c.pending, req)
		}
		c.pendingMu.Unlock()
	}()

	if err := l.enqueue(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-p.reply:
		if !ok {
			return nil, ErrDisconnected
		}
		if typ, _ := reply.Type(); typ == wamp.TypeError {
			return nil, replyError(reply)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %d: %w", req, ctx.Err())
	case <-c.clientCtx.Done():
		return nil, ErrClientClosed
	}
}

func replyError(msg wamp.Message) *wamp.Error {
	uri, _ := wamp.AsString(msg.Arg(4))
	args, _ := wamp.AsList(msg.Arg(5))
	kwargs, _ := wamp.AsDict(msg.Arg(6))
	return &wamp.Error{URI: uri, Args: args, Kwargs: kwargs}
}

// Subscribe subscribes to topic. A client holds at most one subscription
// per topic.
func (c *Client) Subscribe(ctx context.Context, topic string, handler EventHandler) (wamp.ID, error) {
	if handler == nil {
		return 0, errors.New("handler must not be nil")
	}
	c.subsMu.Lock()
	if _, dup := c.subs[topic]; dup {
		c.subsMu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}
	sub := &subscription{topic: topic, handler: handler}
	c.subs[topic] = sub
	c.subsMu.Unlock()

	id, err := c.subscribe(ctx, sub)
	if err != nil {
		c.subsMu.Lock()
		if c.subs[topic] == sub {
			delete(c.subs, topic)
		}
		c.subsMu.Unlock()
		return 0, err
	}
	return id, nil
}

func (c *Client) subscribe(ctx context.Context, sub *subscription) (wamp.ID, error) {
	req := c.requestIDs.Next()
	bind := func(reply wamp.Message) {
		id, ok := wamp.AsID(reply.Arg(2))
		if typ, _ := reply.Type(); typ != wamp.TypeSubscribed || !ok {
			return
		}
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if c.subIDs[sub.id] == sub {
			delete(c.subIDs, sub.id)
		}
		sub.id = id
		c.subIDs[id] = sub
	}
	reply, err := c.request(ctx, req, wamp.Subscribe(req, nil, sub.topic), bind)
	if err != nil {
		return 0, err
	}
	id, _ := wamp.AsID(reply.Arg(2))
	return id, nil
}

// Unsubscribe drops the subscription for topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.subsMu.Lock()
	sub, ok := c.subs[topic]
	if !ok {
		c.subsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}
	delete(c.subs, topic)
	delete(c.subIDs, sub.id)
	c.subsMu.Unlock()

	req := c.requestIDs.Next()
	_, err := c.request(ctx, req, wamp.Unsubscribe(req, sub.id), nil)
	if errors.Is(err, ErrNotConnected) {
		// The router forgot the subscription with the session.
		return nil
	}
	return err
}

// Publish sends a publication without waiting for an acknowledgement.
func (c *Client) Publish(ctx context.Context, topic string, args wamp.List, kwargs wamp.Dict) error {
	if c.closed() {
		return ErrClientClosed
	}
	l := c.currentLink()
	if l == nil {
		return ErrNotConnected
	}
	req := c.requestIDs.Next()
	return l.enqueue(ctx, wamp.Publish(req, nil, topic, args, kwargs))
}

// PublishAck publishes with acknowledge set and returns the publication id.
func (c *Client) PublishAck(ctx context.Context, topic string, args wamp.List, kwargs wamp.Dict) (wamp.ID, error) {
	req := c.requestIDs.Next()
	reply, err := c.request(ctx, req, wamp.Publish(req, wamp.Dict{"acknowledge": true}, topic, args, kwargs), nil)
	if err != nil {
		return 0, err
	}
	id, _ := wamp.AsID(reply.Arg(2))
	return id, nil
}

// Call invokes procedure and waits for its result. A failed call returns a
// *wamp.Error.
func (c *Client) Call(ctx context.Context, procedure string, args wamp.List, kwargs wamp.Dict) (*Result, error) {
	req := c.requestIDs.Next()
	reply, err := c.request(ctx, req, wamp.Call(req, nil, procedure, args, kwargs), nil)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	res.Args, _ = wamp.AsList(reply.Arg(3))
	res.Kwargs, _ = wamp.AsDict(reply.Arg(4))
	return res, nil
}

// Register offers procedure to the realm, answered by handler.
func (c *Client) Register(ctx context.Context, procedure string, handler InvocationHandler) (wamp.ID, error) {
	if handler == nil {
		return 0, errors.New("handler must not be nil")
	}
	c.regsMu.Lock()
	if _, dup := c.regs[procedure]; dup {
		c.regsMu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRegistered, procedure)
	}
	reg := &registration{procedure: procedure, handler: handler}
	c.regs[procedure] = reg
	c.regsMu.Unlock()

	id, err := c.register(ctx, reg)
	if err != nil {
		c.regsMu.Lock()
		if c.regs[procedure] == reg {
			delete(c.regs, procedure)
		}
		c.regsMu.Unlock()
		return 0, err
	}
	return id, nil
}

func (c *Client) register(ctx context.Context, reg *registration) (wamp.ID, error) {
	req := c.requestIDs.Next()
	bind := func(reply wamp.Message) {
		id, ok := wamp.AsID(reply.Arg(2))
		if typ, _ := reply.Type(); typ != wamp.TypeRegistered || !ok {
			return
		}
		c.regsMu.Lock()
		defer c.regsMu.Unlock()
		if c.regIDs[reg.id] == reg {
			delete(c.regIDs, reg.id)
		}
		reg.id = id
		c.regIDs[id] = reg
	}
	reply, err := c.request(ctx, req, wamp.Register(req, nil, reg.procedure), bind)
	if err != nil {
		return 0, err
	}
	id, _ := wamp.AsID(reply.Arg(2))
	return id, nil
}

// Unregister withdraws procedure.
func (c *Client) Unregister(ctx context.Context, procedure string) error {
	c.regsMu.Lock()
	reg, ok := c.regs[procedure]
	if !ok {
		c.regsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, procedure)
	}
	delete(c.regs, procedure)
	delete(c.regIDs, reg.id)
	c.regsMu.Unlock()

	req := c.requestIDs.Next()
	_, err := c.request(ctx, req, wamp.Unregister(req, reg.id), nil)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Close says GOODBYE, waits briefly for the router's reply and releases
// the connection. It waits for running invocation handlers to return.
func (c *Client) Close() error {
	c.closedMu.Lock()
	if c.isClosed {
		c.closedMu.Unlock()
		return nil
	}
	c.isClosed = true
	c.closedMu.Unlock()

	c.config.logger.Info(fmt.Sprintf("Client %s: Closing...", c.id))
	if l := c.currentLink(); l != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.writeTimeout)
		if err := l.enqueue(ctx, wamp.Goodbye(nil, wamp.CloseNormal)); err == nil {
			select {
			case <-l.goodbye:
			case <-l.ctx.Done():
			case <-ctx.Done():
				c.config.logger.Info(fmt.Sprintf("Client %s: No GOODBYE reply from router", c.id))
			}
		}
		cancel()
	}

	c.clientCancel()
	c.stopPumps()
	c.reconnectWg.Wait()
	c.handlers.Wait()
	<-c.eventsDone
	c.failPending()
	c.config.logger.Info(fmt.Sprintf("Client %s: Closed.", c.id))
	return nil
}
