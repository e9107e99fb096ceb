package testutil

import (
	"errors"
	"sync"
	"time"

	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// Peer is an in-memory session.Peer that records every frame it is sent.
type Peer struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	notify chan struct{}
}

// NewPeer returns an empty recording peer.
func NewPeer() *Peer {
	return &Peer{notify: make(chan struct{}, 1)}
}

// Send records frame. It fails when the peer was told to with FailSends.
func (p *Peer) Send(frame []byte) error {
	p.mu.Lock()
	if p.fail {
		p.mu.Unlock()
		return errors.New("testutil: peer refuses frames")
	}
	p.frames = append(p.frames, append([]byte(nil), frame...))
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// FailSends makes every later Send return an error.
func (p *Peer) FailSends() {
	p.mu.Lock()
	p.fail = true
	p.mu.Unlock()
}

// Messages decodes every frame received so far.
func (p *Peer) Messages() []wamp.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wamp.Message, 0, len(p.frames))
	for _, f := range p.frames {
		if m, err := wamp.Decode(f); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Frames returns the raw frames received so far.
func (p *Peer) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

// OfType returns the received messages of one type, in order.
func (p *Peer) OfType(typ wamp.MessageType) []wamp.Message {
	var out []wamp.Message
	for _, m := range p.Messages() {
		if t, _ := m.Type(); t == typ {
			out = append(out, m)
		}
	}
	return out
}

// Len is the number of frames received.
func (p *Peer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Reset forgets the frames received so far.
func (p *Peer) Reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

// Await waits until a message of typ arrives and returns the first one.
func (p *Peer) Await(typ wamp.MessageType, timeout time.Duration) (wamp.Message, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if ms := p.OfType(typ); len(ms) > 0 {
			return ms[0], true
		}
		select {
		case <-p.notify:
		case <-deadline.C:
			return nil, false
		}
	}
}
