package pubsub

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/lightforgemedia/go-wamprouter/pkg/event"
	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// Resolver reports whether a session is still alive. *session.Manager
// satisfies it.
type Resolver interface {
	Resolve(ref session.Ref) (*session.Session, bool)
}

// Publication describes one accepted publish, handed to observers after the
// broadcast was emitted.
type Publication struct {
	Publish     event.Publish
	ID          wamp.ID
	Topic       *ManagedTopic
	Subscribers int
}

// Observer is called on the routing loop for every publication.
type Observer func(Publication)

// Broker routes subscriptions and publications. All methods must run on the
// routing loop.
type Broker struct {
	logger    *slog.Logger
	topics    *Registry
	emitter   event.Emitter
	sessions  Resolver
	pubIDs    wamp.Sequence
	observers []Observer
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithRegistry makes the broker use an existing topic registry.
func WithRegistry(r *Registry) Option {
	return func(b *Broker) {
		if r != nil {
			b.topics = r
		}
	}
}

// WithObserver adds a publication observer.
func WithObserver(fn Observer) Option {
	return func(b *Broker) {
		if fn != nil {
			b.observers = append(b.observers, fn)
		}
	}
}

// NewBroker creates a broker emitting replies and broadcasts to emitter.
func NewBroker(emitter event.Emitter, sessions Resolver, opts ...Option) *Broker {
	b := &Broker{
		logger:   slog.Default(),
		emitter:  emitter,
		sessions: sessions,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.topics == nil {
		b.topics = NewRegistry()
	}
	return b
}

// Topics exposes the broker's registry.
func (b *Broker) Topics() *Registry { return b.topics }

// Observe adds a publication observer after construction.
func (b *Broker) Observe(fn Observer) {
	if fn != nil {
		b.observers = append(b.observers, fn)
	}
}

// Subscribe adds ev.Src to the topic's subscribers and answers SUBSCRIBED.
// A session that is already gone is ignored without a reply.
func (b *Broker) Subscribe(ev event.Subscribe) {
	t, err := b.topics.FindOrCreate(ev.Realm, ev.Topic)
	if err != nil {
		b.logger.Warn(fmt.Sprintf("Broker: rejecting subscribe to '%s': %v", ev.Topic, err), "realm", ev.Realm, "request", ev.Request)
		b.emitter.Emit(errorReply(ev.Src, wamp.TypeSubscribe, ev.Request, err))
		return
	}
	sess, ok := b.sessions.Resolve(ev.Src)
	if !ok {
		b.logger.Debug("Broker: subscriber already gone, abandoning subscribe", "ref", ev.Src, "topic", ev.Topic)
		return
	}
	if t.add(ev.Src) {
		b.logger.Info(fmt.Sprintf("Broker: session %d subscribed to topic '%s'", sess.ID, ev.Topic), "realm", ev.Realm, "subscription", t.subscriptionID)
	}
	b.emitter.Emit(event.Subscribed{Dest: ev.Src, Request: ev.Request, Subscription: t.subscriptionID})
}

// Unsubscribe removes ev.Src from the topic behind ev.Subscription.
func (b *Broker) Unsubscribe(ev event.Unsubscribe) {
	t, ok := b.topics.FindByID(ev.Realm, ev.Subscription)
	if !ok || !t.remove(ev.Src) {
		b.emitter.Emit(event.Error{
			Dest:        ev.Src,
			RequestType: wamp.TypeUnsubscribe,
			Request:     ev.Request,
			URI:         wamp.ErrNoSuchSubscription,
		})
		return
	}
	b.logger.Info(fmt.Sprintf("Broker: session unsubscribed from topic '%s'", t.name), "ref", ev.Src, "realm", ev.Realm)
	b.emitter.Emit(event.Unsubscribed{Dest: ev.Src, Request: ev.Request})
}

// Publish updates the topic image with the supplied halves and broadcasts
// one EVENT to every current subscriber. It returns the publication id, or
// 0 when the topic URI was rejected.
func (b *Broker) Publish(ev event.Publish) wamp.ID {
	t, err := b.topics.FindOrCreate(ev.Realm, ev.Topic)
	if err != nil {
		b.logger.Warn(fmt.Sprintf("Broker: dropping publish to '%s': %v", ev.Topic, err), "realm", ev.Realm)
		if ev.Acknowledge && !ev.Src.IsZero() {
			b.emitter.Emit(errorReply(ev.Src, wamp.TypePublish, ev.Request, err))
		}
		return 0
	}

	t.update(ev.Args, ev.Kwargs)
	pubID := b.pubIDs.Next()
	subs := t.Subscribers()
	if len(subs) > 0 {
		b.emitter.Emit(event.Event{
			Dests:        subs,
			Subscription: t.subscriptionID,
			Publication:  pubID,
			Args:         ev.Args,
			Kwargs:       ev.Kwargs,
		})
	}
	if ev.Acknowledge && !ev.Src.IsZero() {
		b.emitter.Emit(event.Published{Dest: ev.Src, Request: ev.Request, Publication: pubID})
	}
	b.logger.Debug(fmt.Sprintf("Broker: published on topic '%s' to %d subscribers", ev.Topic, len(subs)), "realm", ev.Realm, "publication", pubID)

	for _, fn := range b.observers {
		fn(Publication{Publish: ev, ID: pubID, Topic: t, Subscribers: len(subs)})
	}
	return pubID
}

// SessionTerminated removes ev.Src from every topic of every realm and
// returns how many subscriptions were dropped.
func (b *Broker) SessionTerminated(ev event.SessionTerminated) int {
	removed := 0
	b.topics.each(func(t *ManagedTopic) {
		if t.remove(ev.Src) {
			removed++
		}
	})
	if removed > 0 {
		b.logger.Info(fmt.Sprintf("Broker: removed %d subscriptions of terminated session", removed), "ref", ev.Src)
	}
	return removed
}

func errorReply(dest session.Ref, reqType wamp.MessageType, req wamp.ID, err error) event.Error {
	var werr *wamp.Error
	if errors.As(err, &werr) {
		return event.Error{Dest: dest, RequestType: reqType, Request: req, URI: werr.URI, Args: werr.Args, Kwargs: werr.Kwargs}
	}
	return event.Error{Dest: dest, RequestType: reqType, Request: req, URI: wamp.ErrRuntimeError, Args: wamp.List{err.Error()}}
}
