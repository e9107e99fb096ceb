// Package natsbridge mirrors publications between routers over NATS so
// that subscribers on every node see the same topic images.
//
// Local publications are exported on one subject as JSON. Publications
// received from other nodes are replayed into the local router tagged with
// their origin, and are never exported again.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/lightforgemedia/go-wamprouter/pkg/event"
	"github.com/lightforgemedia/go-wamprouter/pkg/pubsub"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

const (
	// DefaultSubject carries all mirrored publications.
	DefaultSubject = "wamprouter.publications"
	defaultBuffer  = 256
)

// ErrBridgeClosed is returned by Start after Close.
var ErrBridgeClosed = errors.New("bridge closed")

// Subscription is the part of *nats.Subscription the bridge needs.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the part of a NATS connection the bridge needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (Subscription, error)
}

// Router is the part of *router.Router the bridge needs.
type Router interface {
	PublishEvent(ev event.Publish) error
	Observe(fn pubsub.Observer) error
}

// NATSConn adapts *nats.Conn to Conn.
type NATSConn struct {
	*nats.Conn
}

func (c NATSConn) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	sub, err := c.Conn.Subscribe(subject, cb)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Dial connects to the NATS server at url.
func Dial(url string, opts ...nats.Option) (NATSConn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, append([]nats.Option{nats.Name("wamprouter")}, opts...)...)
	if err != nil {
		return NATSConn{}, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NATSConn{Conn: nc}, nil
}

// envelope is the wire form of a mirrored publication. A null half was not
// supplied by the publisher.
type envelope struct {
	Origin string    `json:"origin"`
	Realm  string    `json:"realm"`
	Topic  string    `json:"topic"`
	Args   wamp.List `json:"args"`
	Kwargs wamp.Dict `json:"kwargs"`
}

// Bridge connects one router to the shared subject.
type Bridge struct {
	conn    Conn
	router  Router
	subject string
	nodeID  string
	logger  *slog.Logger
	buffer  int

	out    chan envelope
	sub    Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	exported atomic.Uint64
	imported atomic.Uint64
	dropped  atomic.Uint64

	closeOnce sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithSubject sets the NATS subject. Default is DefaultSubject.
func WithSubject(subject string) Option {
	return func(b *Bridge) {
		if subject != "" {
			b.subject = subject
		}
	}
}

// WithNodeID sets the id stamped on exported publications. Default is a
// random UUID.
func WithNodeID(id string) Option {
	return func(b *Bridge) {
		if id != "" {
			b.nodeID = id
		}
	}
}

// WithBuffer sets how many publications may wait for export before new
// ones are dropped.
func WithBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates a Bridge. Nothing flows until Start.
func New(conn Conn, r Router, opts ...Option) (*Bridge, error) {
	if conn == nil || r == nil {
		return nil, errors.New("natsbridge: conn and router are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		conn:    conn,
		router:  r,
		subject: DefaultSubject,
		nodeID:  uuid.NewString(),
		logger:  slog.Default(),
		buffer:  defaultBuffer,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.out = make(chan envelope, b.buffer)
	return b, nil
}

// NodeID is the origin stamped on this node's publications.
func (b *Bridge) NodeID() string { return b.nodeID }

// Start subscribes to the subject and begins exporting local publications.
func (b *Bridge) Start() error {
	if b.ctx.Err() != nil {
		return ErrBridgeClosed
	}
	sub, err := b.conn.Subscribe(b.subject, b.receive)
	if err != nil {
		return fmt.Errorf("natsbridge: subscribing to %s: %w", b.subject, err)
	}
	b.sub = sub
	if err := b.router.Observe(b.observe); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("natsbridge: observing router: %w", err)
	}
	b.wg.Add(1)
	go b.forward()
	b.logger.Info(fmt.Sprintf("NATSBridge: Started on subject '%s' as node %s", b.subject, b.nodeID))
	return nil
}

// observe runs on the routing loop and must not block.
func (b *Bridge) observe(p pubsub.Publication) {
	if p.Publish.Origin != "" || b.ctx.Err() != nil {
		return
	}
	env := envelope{
		Origin: b.nodeID,
		Realm:  p.Publish.Realm,
		Topic:  p.Publish.Topic,
		Args:   p.Publish.Args,
		Kwargs: p.Publish.Kwargs,
	}
	select {
	case b.out <- env:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn(fmt.Sprintf("NATSBridge: Export queue full, publication on '%s' dropped (%d so far)", env.Topic, n), "realm", env.Realm)
	}
}

func (b *Bridge) forward() {
	defer b.wg.Done()
	for {
		select {
		case env := <-b.out:
			data, err := json.Marshal(env)
			if err != nil {
				b.logger.Error(fmt.Sprintf("NATSBridge: Failed to marshal publication on '%s': %v", env.Topic, err))
				continue
			}
			if err := b.conn.Publish(b.subject, data); err != nil {
				b.logger.Warn(fmt.Sprintf("NATSBridge: Publish failed: %v", err))
				continue
			}
			b.exported.Add(1)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) receive(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn(fmt.Sprintf("NATSBridge: Ignoring undecodable message: %v", err))
		return
	}
	if env.Origin == b.nodeID {
		return
	}
	if env.Origin == "" || env.Realm == "" || env.Topic == "" {
		b.logger.Warn("NATSBridge: Ignoring message without origin, realm or topic")
		return
	}
	err := b.router.PublishEvent(event.Publish{
		Realm:  env.Realm,
		Topic:  env.Topic,
		Args:   env.Args,
		Kwargs: env.Kwargs,
		Origin: env.Origin,
	})
	if err != nil {
		b.logger.Warn(fmt.Sprintf("NATSBridge: Router refused publication from %s: %v", env.Origin, err))
		return
	}
	b.imported.Add(1)
}

// Stats reports how many publications were exported, imported and dropped.
func (b *Bridge) Stats() (exported, imported, dropped uint64) {
	return b.exported.Load(), b.imported.Load(), b.dropped.Load()
}

// Close unsubscribes and stops exporting. The connection stays open.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		if b.sub != nil {
			err = b.sub.Unsubscribe()
		}
		b.wg.Wait()
		b.logger.Info("NATSBridge: Closed.")
	})
	return err
}
