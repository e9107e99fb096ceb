package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lightforgemedia/go-wamprouter/pkg/event"
	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

const defaultResolvedMemory = 4096

// Poster schedules work on the routing loop. *evloop.Loop satisfies it.
type Poster interface {
	Post(task func()) error
}

// Outcome labels how a call ended, for observers.
type Outcome string

const (
	OutcomeResult          Outcome = "result"
	OutcomeError           Outcome = "error"
	OutcomeNoSuchProcedure Outcome = "no_such_procedure"
	OutcomeCanceled        Outcome = "canceled"
)

// CallObserver is told about every finished call, on the routing loop.
type CallObserver func(realm, procedure string, o Outcome)

// RegisterProcedure asks for a new registration. In-process callees set
// Handler and leave Src zero; remote callees set Src and Request.
type RegisterProcedure struct {
	Realm     string
	Procedure string
	Options   wamp.Dict
	Handler   Handler
	User      any
	Src       session.Ref
	Request   wamp.ID
}

// Dealer matches calls to registrations and routes their resolution back
// to the caller. All methods except the Invocation handle run on the
// routing loop.
type Dealer struct {
	logger    *slog.Logger
	regs      *Registry
	emitter   event.Emitter
	poster    Poster
	invIDs    wamp.Sequence
	pending   map[wamp.ID]*Invocation
	resolved  *lru.Cache[wamp.ID, struct{}]
	memory    int
	observers []CallObserver
}

// Option configures a Dealer.
type Option func(*Dealer)

// WithLogger sets the dealer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dealer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithResolvedMemory sets how many resolved invocation ids are remembered
// to tell a late second resolution apart from a bogus id. Default 4096.
func WithResolvedMemory(n int) Option {
	return func(d *Dealer) {
		if n > 0 {
			d.memory = n
		}
	}
}

// WithCallObserver adds an observer of finished calls.
func WithCallObserver(fn CallObserver) Option {
	return func(d *Dealer) {
		if fn != nil {
			d.observers = append(d.observers, fn)
		}
	}
}

// NewDealer creates a dealer. poster must run tasks on the same loop that
// calls the dealer.
func NewDealer(emitter event.Emitter, poster Poster, opts ...Option) (*Dealer, error) {
	d := &Dealer{
		logger:  slog.Default(),
		regs:    NewRegistry(),
		emitter: emitter,
		poster:  poster,
		pending: make(map[wamp.ID]*Invocation),
		memory:  defaultResolvedMemory,
	}
	for _, opt := range opts {
		opt(d)
	}
	cache, err := lru.New[wamp.ID, struct{}](d.memory)
	if err != nil {
		return nil, fmt.Errorf("dealer: resolved id cache: %w", err)
	}
	d.resolved = cache
	return d, nil
}

// Registrations exposes the procedure registry.
func (d *Dealer) Registrations() *Registry { return d.regs }

// Pending is the number of outstanding invocations.
func (d *Dealer) Pending() int { return len(d.pending) }

// Register creates a registration. Remote registrations are answered with
// REGISTERED or ERROR on the wire; the result is also returned for
// in-process callers.
func (d *Dealer) Register(ev RegisterProcedure) (*Registration, error) {
	reg, err := d.regs.Register(ev.Realm, ev.Procedure, ev.Options, ev.Src, ev.Handler, ev.User)
	if err != nil {
		d.logger.Warn(fmt.Sprintf("Dealer: register '%s' failed: %v", ev.Procedure, err), "realm", ev.Realm)
		if !ev.Src.IsZero() {
			d.emitter.Emit(errorReply(ev.Src, wamp.TypeRegister, ev.Request, err))
		}
		return nil, err
	}
	d.logger.Info(fmt.Sprintf("Dealer: registered procedure '%s'", ev.Procedure), "realm", ev.Realm, "registration", reg.ID, "remote", reg.Remote())
	if !ev.Src.IsZero() {
		d.emitter.Emit(event.Registered{Dest: ev.Src, Request: ev.Request, Registration: reg.ID})
	}
	return reg, nil
}

// Unregister removes a registration owned by ev.Src. A zero Src removes an
// in-process registration.
func (d *Dealer) Unregister(ev event.Unregister) bool {
	reg, ok := d.regs.FindByID(ev.Registration)
	if !ok || reg.Realm != ev.Realm || reg.Callee != ev.Src {
		if !ev.Src.IsZero() {
			d.emitter.Emit(event.Error{Dest: ev.Src, RequestType: wamp.TypeUnregister, Request: ev.Request, URI: wamp.ErrNoSuchRegistration})
		}
		return false
	}
	d.regs.Remove(reg.ID)
	d.logger.Info(fmt.Sprintf("Dealer: unregistered procedure '%s'", reg.Procedure), "realm", reg.Realm, "registration", reg.ID)
	if !ev.Src.IsZero() {
		d.emitter.Emit(event.Unregistered{Dest: ev.Src, Request: ev.Request})
	}
	return true
}

// Call dispatches a call. Unknown procedures are answered with
// wamp.error.no_such_procedure and create no invocation.
func (d *Dealer) Call(ev event.Call) {
	reg, ok := d.regs.Find(ev.Realm, ev.Procedure)
	if !ok {
		d.logger.Info(fmt.Sprintf("Dealer: no such procedure '%s'", ev.Procedure), "realm", ev.Realm, "request", ev.Request)
		d.emitter.Emit(event.Error{Dest: ev.Src, RequestType: wamp.TypeCall, Request: ev.Request, URI: wamp.ErrNoSuchProcedure})
		d.observe(ev.Realm, ev.Procedure, OutcomeNoSuchProcedure)
		return
	}

	inv := &Invocation{
		id:      d.invIDs.Next(),
		caller:  ev.Src,
		request: ev.Request,
		reg:     reg,
		args:    ev.Args,
		kwargs:  ev.Kwargs,
		dealer:  d,
	}
	d.pending[inv.id] = inv

	if reg.Remote() {
		d.emitter.Emit(event.Invocation{
			Dest:         reg.Callee,
			Request:      inv.id,
			Registration: reg.ID,
			Args:         ev.Args,
			Kwargs:       ev.Kwargs,
		})
		return
	}
	d.dispatch(inv)
}

// dispatch runs an in-process handler, turning returned errors and panics
// into an error resolution. A resolution made before the handler returns is
// finished here, in the same loop task as the CALL.
func (d *Dealer) dispatch(inv *Invocation) {
	inv.enter()
	err := d.invoke(inv)
	if out := inv.leave(); out != nil {
		d.finish(inv, *out)
	}
	if err == nil {
		return
	}
	var werr *wamp.Error
	if !errors.As(err, &werr) {
		werr = wamp.NewError(wamp.ErrRuntimeError, err.Error())
	}
	if !inv.claim() {
		d.logger.Warn(fmt.Sprintf("Dealer: handler for '%s' failed after resolving invocation %d: %v", inv.reg.Procedure, inv.id, err))
		return
	}
	d.finish(inv, outcome{err: werr})
}

func (d *Dealer) invoke(inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(fmt.Sprintf("Dealer: handler for '%s' panicked: %v", inv.reg.Procedure, r), "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return inv.reg.Handler(inv)
}

// Yield resolves a remote invocation with a result from its callee.
func (d *Dealer) Yield(ev event.Yield) error {
	return d.resolveRemote(ev.Src, ev.Request, outcome{args: ev.Args, kwargs: ev.Kwargs})
}

// Fail resolves a remote invocation with a failure from its callee.
func (d *Dealer) Fail(ev event.InvocationError) error {
	uri := ev.URI
	if uri == "" {
		uri = wamp.ErrRuntimeError
	}
	return d.resolveRemote(ev.Src, ev.Request, outcome{err: &wamp.Error{URI: uri, Args: ev.Args, Kwargs: ev.Kwargs}})
}

func (d *Dealer) resolveRemote(src session.Ref, id wamp.ID, out outcome) error {
	inv, err := d.lookup(id)
	if err != nil {
		return err
	}
	if inv.reg.Callee != src {
		d.logger.Warn(fmt.Sprintf("Dealer: invocation %d resolved by a session that is not its callee", id), "ref", src)
		return ErrUnknownInvocation
	}
	if !inv.claim() {
		d.logger.Warn(fmt.Sprintf("Dealer: invocation %d resolved more than once", id))
		return ErrAlreadyResolved
	}
	d.finish(inv, out)
	return nil
}

func (d *Dealer) lookup(id wamp.ID) (*Invocation, error) {
	inv, ok := d.pending[id]
	if ok {
		return inv, nil
	}
	if d.resolved.Contains(id) {
		d.logger.Warn(fmt.Sprintf("Dealer: invocation %d already resolved", id))
		return nil, ErrAlreadyResolved
	}
	d.logger.Warn(fmt.Sprintf("Dealer: resolution for unknown invocation %d", id))
	return nil, ErrUnknownInvocation
}

// finish sends the caller its reply and forgets the invocation. The
// invocation must already be claimed.
func (d *Dealer) finish(inv *Invocation, out outcome) {
	if _, ok := d.pending[inv.id]; !ok {
		d.logger.Warn(fmt.Sprintf("Dealer: invocation %d is no longer pending", inv.id))
		return
	}
	delete(d.pending, inv.id)
	d.resolved.Add(inv.id, struct{}{})

	if out.err != nil {
		d.emitter.Emit(event.Error{
			Dest:        inv.caller,
			RequestType: wamp.TypeCall,
			Request:     inv.request,
			URI:         out.err.URI,
			Args:        out.err.Args,
			Kwargs:      out.err.Kwargs,
		})
		o := OutcomeError
		if out.err.URI == wamp.ErrCanceled {
			o = OutcomeCanceled
		}
		d.observe(inv.reg.Realm, inv.reg.Procedure, o)
		return
	}
	d.emitter.Emit(event.Result{Dest: inv.caller, Request: inv.request, Args: out.args, Kwargs: out.kwargs})
	d.observe(inv.reg.Realm, inv.reg.Procedure, OutcomeResult)
}

// SessionTerminated drops the registrations owned by the session and
// cancels the invocations it was serving. It returns both counts.
func (d *Dealer) SessionTerminated(ev event.SessionTerminated) (registrations, canceled int) {
	removed := d.regs.RemoveOwnedBy(ev.Src)
	for _, reg := range removed {
		d.logger.Info(fmt.Sprintf("Dealer: dropped procedure '%s' of terminated session", reg.Procedure), "realm", reg.Realm, "registration", reg.ID)
	}
	for _, inv := range d.pending {
		if ev.Src.IsZero() || inv.reg.Callee != ev.Src || !inv.claim() {
			continue
		}
		d.finish(inv, outcome{err: wamp.NewError(wamp.ErrCanceled, "callee left")})
		canceled++
	}
	return len(removed), canceled
}

func (d *Dealer) observe(realm, procedure string, o Outcome) {
	for _, fn := range d.observers {
		fn(realm, procedure, o)
	}
}

func errorReply(dest session.Ref, reqType wamp.MessageType, req wamp.ID, err error) event.Error {
	var werr *wamp.Error
	if errors.As(err, &werr) {
		return event.Error{Dest: dest, RequestType: reqType, Request: req, URI: werr.URI, Args: werr.Args, Kwargs: werr.Kwargs}
	}
	return event.Error{Dest: dest, RequestType: reqType, Request: req, URI: wamp.ErrInvalidArgument, Args: wamp.List{err.Error()}}
}
