// Package session tracks connected WAMP sessions behind generation-checked
// references and broadcasts their lifecycle on an in-process bus.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cskr/pubsub"

	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// Lifecycle topics published on the manager's bus.
const (
	TopicOpened = "session.opened"
	TopicClosed = "session.closed"
)

const defaultBusCapacity = 64

// ErrManagerClosed is returned by Open after Shutdown.
var ErrManagerClosed = errors.New("session manager is shut down")

// Peer is the transport side of a session. Send must not block: it either
// queues the frame or drops it.
type Peer interface {
	Send(frame []byte) error
}

// Session is a snapshot of one joined session.
type Session struct {
	Ref    Ref
	ID     wamp.ID
	Realm  string
	AuthID string
	Peer   Peer
}

// Change is the value published on the lifecycle bus.
type Change struct {
	Topic   string
	Session Session
}

type slot struct {
	gen  uint32
	sess *Session
}

// Manager owns the session table. It is safe for concurrent use; the
// routing loop reads it through Resolve and Deliver while transports open
// and close sessions from their own goroutines.
type Manager struct {
	logger *slog.Logger

	mu     sync.RWMutex
	slots  []slot
	free   []uint32
	count  int
	closed bool

	busMu    sync.RWMutex
	bus      *pubsub.PubSub
	busDown  bool
	shutdown sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates an empty session table.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger: slog.Default(),
		bus:    pubsub.New(defaultBusCapacity),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open admits a session under a fresh Ref and random session id.
func (m *Manager) Open(realm, authID string, peer Peer) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	var idx uint32
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		m.slots = append(m.slots, slot{})
		idx = uint32(len(m.slots) - 1)
	}
	s := &m.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	sess := &Session{
		Ref:    Ref{idx: idx, gen: s.gen},
		ID:     wamp.GlobalID(),
		Realm:  realm,
		AuthID: authID,
		Peer:   peer,
	}
	s.sess = sess
	m.count++
	m.mu.Unlock()

	m.logger.Info("SessionManager: session opened", "session", sess.ID, "ref", sess.Ref, "realm", realm)
	m.publish(TopicOpened, *sess)
	return sess, nil
}

// Close retires the session behind ref. Every Ref to it stops resolving
// immediately. It reports false when ref was already stale.
func (m *Manager) Close(ref Ref) bool {
	m.mu.Lock()
	s, ok := m.lookup(ref)
	if !ok {
		m.mu.Unlock()
		return false
	}
	sess := s.sess
	s.sess = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	m.free = append(m.free, ref.idx)
	m.count--
	m.mu.Unlock()

	m.logger.Info("SessionManager: session closed", "session", sess.ID, "ref", ref, "realm", sess.Realm)
	m.publish(TopicClosed, *sess)
	return true
}

func (m *Manager) publish(topic string, sess Session) {
	m.busMu.RLock()
	defer m.busMu.RUnlock()
	if m.busDown {
		return
	}
	m.bus.Pub(Change{Topic: topic, Session: sess}, topic)
}

// lookup requires m.mu.
func (m *Manager) lookup(ref Ref) (*slot, bool) {
	if ref.IsZero() || int(ref.idx) >= len(m.slots) {
		return nil, false
	}
	s := &m.slots[ref.idx]
	if s.gen != ref.gen || s.sess == nil {
		return nil, false
	}
	return s, true
}

// Resolve returns the live session behind ref. A false result means the
// session is already gone, which callers treat as a normal outcome.
func (m *Manager) Resolve(ref Ref) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.lookup(ref)
	if !ok {
		return nil, false
	}
	return s.sess, true
}

// Send delivers one frame to one session.
func (m *Manager) Send(ref Ref, frame []byte) bool {
	return m.Deliver([]Ref{ref}, frame) == 1
}

// Deliver hands the same encoded frame to every live session in refs and
// returns how many accepted it. Stale refs are skipped silently.
func (m *Manager) Deliver(refs []Ref, frame []byte) int {
	peers := make([]*Session, 0, len(refs))
	m.mu.RLock()
	for _, ref := range refs {
		if s, ok := m.lookup(ref); ok {
			peers = append(peers, s.sess)
		}
	}
	m.mu.RUnlock()

	delivered := 0
	for _, sess := range peers {
		if err := sess.Peer.Send(frame); err != nil {
			m.logger.Debug(fmt.Sprintf("SessionManager: send to session %d failed: %v", sess.ID, err))
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Each calls fn for a snapshot of the live sessions until fn returns false.
func (m *Manager) Each(fn func(Session) bool) {
	m.mu.RLock()
	snapshot := make([]Session, 0, m.count)
	for i := range m.slots {
		if sess := m.slots[i].sess; sess != nil {
			snapshot = append(snapshot, *sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}

// Watch subscribes to lifecycle topics. Values received are Change. The
// channel must be drained; the bus blocks on slow watchers.
func (m *Manager) Watch(topics ...string) chan interface{} {
	m.busMu.RLock()
	defer m.busMu.RUnlock()
	if m.busDown {
		ch := make(chan interface{})
		close(ch)
		return ch
	}
	return m.bus.Sub(topics...)
}

// Unwatch cancels a Watch.
func (m *Manager) Unwatch(ch chan interface{}, topics ...string) {
	m.busMu.RLock()
	defer m.busMu.RUnlock()
	if m.busDown {
		return
	}
	m.bus.Unsub(ch, topics...)
}

// Shutdown refuses new sessions and closes every watcher channel.
func (m *Manager) Shutdown() {
	m.shutdown.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.busMu.Lock()
		m.busDown = true
		m.bus.Shutdown()
		m.busMu.Unlock()
		m.logger.Info("SessionManager: shut down")
	})
}
