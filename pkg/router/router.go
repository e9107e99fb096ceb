// Package router assembles the routing core: it owns the event loop, the
// session table, the broker and the dealer, and is the only way transports
// and in-process code reach them.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/lightforgemedia/go-wamprouter/pkg/event"
	"github.com/lightforgemedia/go-wamprouter/pkg/evloop"
	"github.com/lightforgemedia/go-wamprouter/pkg/metrics"
	"github.com/lightforgemedia/go-wamprouter/pkg/pubsub"
	"github.com/lightforgemedia/go-wamprouter/pkg/rpc"
	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

var (
	// ErrRouterClosed is returned once Shutdown has started.
	ErrRouterClosed = errors.New("router is shut down")
	// ErrProtocolViolation wraps inbound messages the router cannot accept
	// from a joined session. Transports answer it with ABORT.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Router routes WAMP traffic between sessions of any number of realms.
type Router struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	loop     *evloop.Loop
	sessions *session.Manager
	broker   *pubsub.Broker
	dealer   *rpc.Dealer

	realmsMu sync.RWMutex
	realms   map[string]struct{}

	cancel       context.CancelFunc
	closed       chan struct{}
	watcherDone  chan struct{}
	shutdownOnce sync.Once
}

// New creates a router and starts its event loop.
func New(opts ...Option) (*Router, error) {
	cfg := routerConfig{
		logger:         slog.Default(),
		resolvedMemory: defaultResolvedMemory,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Router{
		logger:      cfg.logger,
		metrics:     cfg.metrics,
		loop:        evloop.New(evloop.WithLogger(cfg.logger)),
		sessions:    session.NewManager(session.WithLogger(cfg.logger)),
		closed:      make(chan struct{}),
		watcherDone: make(chan struct{}),
	}
	r.SetRealms(cfg.realms)

	emitter := event.EmitterFunc(r.emit)
	brokerOpts := []pubsub.Option{pubsub.WithLogger(cfg.logger), pubsub.WithObserver(r.recordPublication)}
	for _, fn := range cfg.pubObservers {
		brokerOpts = append(brokerOpts, pubsub.WithObserver(fn))
	}
	r.broker = pubsub.NewBroker(emitter, r.sessions, brokerOpts...)

	dealerOpts := []rpc.Option{
		rpc.WithLogger(cfg.logger),
		rpc.WithResolvedMemory(cfg.resolvedMemory),
		rpc.WithCallObserver(r.recordCall),
	}
	for _, fn := range cfg.callObservers {
		dealerOpts = append(dealerOpts, rpc.WithCallObserver(fn))
	}
	dealer, err := rpc.NewDealer(emitter, r.loop, dealerOpts...)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	r.dealer = dealer

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.loop.Start(ctx)

	go r.watchSessions(r.sessions.Watch(session.TopicClosed))

	r.logger.Info("Router: started", "realms", r.Realms())
	return r, nil
}

// emit encodes an outbound event once and schedules its delivery. It runs
// on the loop, so delivery lands after the handler that emitted it.
func (r *Router) emit(o event.Outbound) {
	dests := o.Destinations()
	if len(dests) == 0 {
		return
	}
	msg := o.Message()
	frame, err := msg.Encode()
	if err != nil {
		r.logger.Error(fmt.Sprintf("Router: dropping outbound message: %v", err))
		return
	}
	err = r.loop.Post(func() {
		r.metrics.RecordDelivered(r.sessions.Deliver(dests, frame))
	})
	if err != nil {
		r.logger.Debug("Router: loop stopped, outbound message dropped", "type", msg.Arg(0))
	}
}

// watchSessions turns lifecycle bus notifications into SessionTerminated
// events. It exits when the session manager shuts down.
func (r *Router) watchSessions(ch chan interface{}) {
	defer close(r.watcherDone)
	for v := range ch {
		change, ok := v.(session.Change)
		if !ok {
			continue
		}
		ev := event.SessionTerminated{Src: change.Session.Ref, Realm: change.Session.Realm}
		err := r.loop.Post(func() {
			subs := r.broker.SessionTerminated(ev)
			regs, canceled := r.dealer.SessionTerminated(ev)
			r.logger.Debug("Router: session cleaned up", "session", change.Session.ID,
				"subscriptions", subs, "registrations", regs, "canceled", canceled)
		})
		if err != nil {
			r.logger.Debug("Router: loop stopped, skipping session cleanup", "session", change.Session.ID)
		}
	}
}

// SetRealms replaces the realm allow-list. Sessions already joined stay
// joined.
func (r *Router) SetRealms(realms []string) {
	set := make(map[string]struct{}, len(realms))
	for _, realm := range realms {
		set[realm] = struct{}{}
	}
	r.realmsMu.Lock()
	r.realms = set
	r.realmsMu.Unlock()
}

// Realms returns the allow-list, sorted. Empty means any realm.
func (r *Router) Realms() []string {
	r.realmsMu.RLock()
	defer r.realmsMu.RUnlock()
	out := make([]string, 0, len(r.realms))
	for realm := range r.realms {
		out = append(out, realm)
	}
	sort.Strings(out)
	return out
}

// HasRealm reports whether sessions may join realm.
func (r *Router) HasRealm(realm string) bool {
	if !wamp.ValidURI(realm) {
		return false
	}
	r.realmsMu.RLock()
	defer r.realmsMu.RUnlock()
	if len(r.realms) == 0 {
		return true
	}
	_, ok := r.realms[realm]
	return ok
}

// Attach joins a session to realm. The returned error is a *wamp.Error with
// wamp.error.no_such_realm when the realm is not served.
func (r *Router) Attach(realm, authID string, peer session.Peer) (*session.Session, error) {
	select {
	case <-r.closed:
		return nil, ErrRouterClosed
	default:
	}
	if !r.HasRealm(realm) {
		r.metrics.RecordRejectedJoin(wamp.ErrNoSuchRealm)
		return nil, wamp.NewError(wamp.ErrNoSuchRealm, fmt.Sprintf("realm '%s' does not exist", realm))
	}
	sess, err := r.sessions.Open(realm, authID, peer)
	if err != nil {
		if errors.Is(err, session.ErrManagerClosed) {
			return nil, ErrRouterClosed
		}
		return nil, err
	}
	r.metrics.RecordSessionOpened()
	return sess, nil
}

// Detach ends the session behind ref. Its subscriptions and registrations
// are removed on the loop shortly after.
func (r *Router) Detach(ref session.Ref) {
	if r.sessions.Close(ref) {
		r.metrics.RecordSessionClosed()
	}
}

// Sessions exposes the session table.
func (r *Router) Sessions() *session.Manager { return r.sessions }

// QueueLen is the number of tasks waiting on the routing loop.
func (r *Router) QueueLen() int { return r.loop.Len() }

// Sync waits until every event posted so far has been handled, including
// the deliveries those handlers emitted. Invocations resolved later from
// another goroutine are not covered.
func (r *Router) Sync(ctx context.Context) error {
	if err := r.loop.Sync(ctx); err != nil {
		return err
	}
	return r.loop.Sync(ctx)
}

// do runs fn on the loop and waits for it.
func (r *Router) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := r.loop.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return ErrRouterClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register installs an in-process procedure. h runs on the routing loop and
// must not block; long work should resolve the invocation from another
// goroutine.
func (r *Router) Register(ctx context.Context, realm, procedure string, h rpc.Handler, user any) (*rpc.Registration, error) {
	if h == nil {
		return nil, errors.New("router: nil handler")
	}
	var (
		reg *rpc.Registration
		err error
	)
	doErr := r.do(ctx, func() {
		reg, err = r.dealer.Register(rpc.RegisterProcedure{Realm: realm, Procedure: procedure, Handler: h, User: user})
	})
	if errors.Is(doErr, ErrRouterClosed) {
		return nil, doErr
	}
	if doErr != nil {
		// The task still runs; undo whatever it installed.
		if err := r.loop.Post(func() {
			if reg != nil {
				r.dealer.Unregister(event.Unregister{Realm: realm, Registration: reg.ID})
			}
		}); err != nil {
			r.logger.Debug("Router: loop stopped before cancelled registration was removed", "procedure", procedure)
		}
		return nil, doErr
	}
	return reg, err
}

// Unregister removes an in-process registration.
func (r *Router) Unregister(ctx context.Context, realm string, registration wamp.ID) error {
	var ok bool
	if err := r.do(ctx, func() {
		ok = r.dealer.Unregister(event.Unregister{Realm: realm, Registration: registration})
	}); err != nil {
		return err
	}
	if !ok {
		return wamp.NewError(wamp.ErrNoSuchRegistration, "")
	}
	return nil
}

// Publish updates a topic image from inside the process and broadcasts it.
func (r *Router) Publish(realm, topic string, args wamp.List, kwargs wamp.Dict) error {
	return r.PublishEvent(event.Publish{Realm: realm, Topic: topic, Args: args, Kwargs: kwargs})
}

// PublishEvent enqueues a prepared publication, such as one received from
// another node.
func (r *Router) PublishEvent(ev event.Publish) error {
	if err := r.loop.Post(func() { r.broker.Publish(ev) }); err != nil {
		return ErrRouterClosed
	}
	return nil
}

// Observe adds a publication observer at runtime.
func (r *Router) Observe(fn pubsub.Observer) error {
	if err := r.loop.Post(func() { r.broker.Observe(fn) }); err != nil {
		return ErrRouterClosed
	}
	return nil
}

// TopicInfo describes one managed topic.
type TopicInfo struct {
	Realm        string  `json:"realm"`
	Topic        string  `json:"topic"`
	Subscription wamp.ID `json:"subscription"`
	Subscribers  int     `json:"subscribers"`
	Publications uint64  `json:"publications"`
}

// Stats is a point-in-time view of the routing tables.
type Stats struct {
	Sessions      int         `json:"sessions"`
	Topics        []TopicInfo `json:"topics"`
	Procedures    []string    `json:"procedures"`
	Registrations int         `json:"registrations"`
	Pending       int         `json:"pending"`
}

// Stats snapshots the routing tables on the loop.
func (r *Router) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.do(ctx, func() {
		st.Sessions = r.sessions.Count()
		reg := r.broker.Topics()
		for _, realm := range reg.Realms() {
			for _, t := range reg.Topics(realm) {
				st.Topics = append(st.Topics, TopicInfo{
					Realm:        realm,
					Topic:        t.Name(),
					Subscription: t.SubscriptionID(),
					Subscribers:  t.Len(),
					Publications: t.Publications(),
				})
			}
		}
		regs := r.dealer.Registrations()
		st.Registrations = regs.Len()
		for _, realm := range regs.Realms() {
			for _, proc := range regs.Procedures(realm) {
				st.Procedures = append(st.Procedures, realm+"/"+proc)
			}
		}
		st.Pending = r.dealer.Pending()
	})
	return st, err
}

// Image returns the current image of a topic.
func (r *Router) Image(ctx context.Context, realm, topic string) (pubsub.Image, bool, error) {
	var (
		img pubsub.Image
		ok  bool
	)
	err := r.do(ctx, func() {
		var t *pubsub.ManagedTopic
		if t, ok = r.broker.Topics().Find(realm, topic); ok {
			img = t.Image()
		}
	})
	return img, ok, err
}

func (r *Router) recordPublication(p pubsub.Publication) {
	r.metrics.RecordPublication(p.Publish.Realm)
}

func (r *Router) recordCall(realm, _ string, o rpc.Outcome) {
	r.metrics.RecordCall(realm, string(o))
}

// Shutdown tells every session the router is going away, stops accepting
// sessions and drains the loop.
func (r *Router) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		r.logger.Info("Router: shutting down")
		close(r.closed)

		goodbye, encErr := wamp.Goodbye(nil, wamp.ErrSystemShutdown).Encode()
		err = multierr.Append(err, encErr)
		if encErr == nil {
			var refs []session.Ref
			r.sessions.Each(func(s session.Session) bool {
				refs = append(refs, s.Ref)
				return true
			})
			r.sessions.Deliver(refs, goodbye)
		}

		r.sessions.Shutdown()
		select {
		case <-r.watcherDone:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("router: waiting for session watcher: %w", ctx.Err()))
		}

		stopped := make(chan struct{})
		go func() {
			r.loop.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			r.cancel()
			<-stopped
			err = multierr.Append(err, fmt.Errorf("router: draining loop: %w", ctx.Err()))
		}
		r.cancel()
		if n := r.loop.Panics(); n > 0 {
			r.logger.Warn(fmt.Sprintf("Router: %d handler panics were recovered during the router's lifetime", n))
		}
		r.logger.Info("Router: shut down")
	})
	return err
}
