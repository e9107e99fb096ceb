package rpc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

var (
	// ErrAlreadyResolved is returned when an invocation is resolved twice.
	ErrAlreadyResolved = errors.New("invocation already resolved")
	// ErrUnknownInvocation is returned for an invocation id the dealer never issued or has forgotten.
	ErrUnknownInvocation = errors.New("unknown invocation")
)

// outcome is the explicit result of an invocation: a yield when err is nil.
type outcome struct {
	args   wamp.List
	kwargs wamp.Dict
	err    *wamp.Error
}

// Invocation is one outstanding call. It is the resolution handle passed to
// a Handler and stays valid after the handler returns, so a callee can
// resolve from another goroutine at any later time. Exactly one of Yield
// or Fail takes effect.
type Invocation struct {
	id       wamp.ID
	caller   session.Ref
	request  wamp.ID
	reg      *Registration
	args     wamp.List
	kwargs   wamp.Dict
	resolved atomic.Bool
	dealer   *Dealer

	// While the handler is on the dispatch stack a resolution is kept in
	// early and finished by dispatch without another loop hop.
	mu         sync.Mutex
	dispatched bool
	early      *outcome
}

func (i *Invocation) ID() wamp.ID           { return i.id }
func (i *Invocation) Realm() string         { return i.reg.Realm }
func (i *Invocation) Procedure() string     { return i.reg.Procedure }
func (i *Invocation) User() any             { return i.reg.User }
func (i *Invocation) Caller() session.Ref   { return i.caller }
func (i *Invocation) Args() wamp.List       { return i.args }
func (i *Invocation) Kwargs() wamp.Dict     { return i.kwargs }
func (i *Invocation) Resolved() bool        { return i.resolved.Load() }
func (i *Invocation) Registration() wamp.ID { return i.reg.ID }

// Yield resolves the call successfully.
func (i *Invocation) Yield(args wamp.List, kwargs wamp.Dict) error {
	return i.resolve(outcome{args: args, kwargs: kwargs})
}

// Fail resolves the call with an error URI and an optional message.
func (i *Invocation) Fail(uri, message string) error {
	return i.resolve(outcome{err: wamp.NewError(uri, message)})
}

// Reject resolves the call with a complete WAMP error.
func (i *Invocation) Reject(err *wamp.Error) error {
	if err == nil {
		err = wamp.NewError(wamp.ErrRuntimeError, "")
	}
	return i.resolve(outcome{err: err})
}

func (i *Invocation) claim() bool {
	return i.resolved.CompareAndSwap(false, true)
}

func (i *Invocation) resolve(out outcome) error {
	if !i.claim() {
		i.dealer.logger.Warn(fmt.Sprintf("Dealer: invocation %d of '%s' resolved more than once", i.id, i.reg.Procedure))
		return ErrAlreadyResolved
	}
	i.mu.Lock()
	if i.dispatched {
		i.early = &out
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()
	if err := i.dealer.poster.Post(func() { i.dealer.finish(i, out) }); err != nil {
		return fmt.Errorf("dealer: post resolution of invocation %d: %w", i.id, err)
	}
	return nil
}

// enter marks the handler as running on the loop.
func (i *Invocation) enter() {
	i.mu.Lock()
	i.dispatched = true
	i.mu.Unlock()
}

// leave ends the handler's run and returns any resolution made during it.
func (i *Invocation) leave() *outcome {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dispatched = false
	out := i.early
	i.early = nil
	return out
}
