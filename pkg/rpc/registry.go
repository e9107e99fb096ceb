// Package rpc implements the dealer half of the router: procedure
// registrations and the call, yield and error state machine.
//
// Registry and Dealer state belongs to the routing loop. The only thing
// safe to use from other goroutines is the *Invocation handle given to
// handlers.
package rpc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

var (
	// ErrProcedureExists is wrapped by Register on a (realm, procedure) conflict.
	ErrProcedureExists = errors.New("procedure already registered")
	// ErrNoCallee is returned when a registration has neither a handler nor a callee session.
	ErrNoCallee = errors.New("registration needs a handler or a callee session")
)

// Handler runs a call for an in-process callee. It resolves the invocation
// through inv, either before returning or later from any goroutine.
// Returning a *wamp.Error fails the call with that URI; any other error,
// or a panic, fails it with wamp.error.runtime_error. Returning nil without
// resolving leaves the call pending. Handlers run on the routing loop and
// must not block.
type Handler func(inv *Invocation) error

// Registration binds one procedure in one realm to a callee.
type Registration struct {
	ID        wamp.ID
	Realm     string
	Procedure string
	Options   wamp.Dict
	// Callee is the owning session; zero for in-process callees.
	Callee  session.Ref
	Handler Handler
	// User is opaque context handed back to Handler.
	User any
}

// Remote reports whether calls are forwarded to a callee session.
func (r *Registration) Remote() bool {
	return r.Handler == nil
}

type procKey struct {
	realm     string
	procedure string
}

// Registry holds at most one registration per (realm, procedure).
type Registry struct {
	byName map[procKey]*Registration
	byID   map[wamp.ID]*Registration
	ids    wamp.Sequence
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[procKey]*Registration),
		byID:   make(map[wamp.ID]*Registration),
	}
}

// Register adds a registration. A conflict error unwraps both to
// ErrProcedureExists and to a *wamp.Error for the reply URI.
func (r *Registry) Register(realm, procedure string, options wamp.Dict, callee session.Ref, h Handler, user any) (*Registration, error) {
	if h == nil && callee.IsZero() {
		return nil, ErrNoCallee
	}
	if !wamp.ValidURI(procedure) {
		return nil, wamp.NewError(wamp.ErrInvalidURI, "invalid procedure URI: "+procedure)
	}
	key := procKey{realm, procedure}
	if _, exists := r.byName[key]; exists {
		return nil, &conflictError{wamp.NewError(wamp.ErrProcedureAlreadyExists, fmt.Sprintf("procedure '%s' already registered in realm '%s'", procedure, realm))}
	}
	reg := &Registration{
		ID:        r.ids.Next(),
		Realm:     realm,
		Procedure: procedure,
		Options:   options,
		Callee:    callee,
		Handler:   h,
		User:      user,
	}
	r.byName[key] = reg
	r.byID[reg.ID] = reg
	return reg, nil
}

type conflictError struct {
	werr *wamp.Error
}

func (e *conflictError) Error() string   { return e.werr.Error() }
func (e *conflictError) Unwrap() []error { return []error{e.werr, ErrProcedureExists} }

// Find looks a registration up by procedure name.
func (r *Registry) Find(realm, procedure string) (*Registration, bool) {
	reg, ok := r.byName[procKey{realm, procedure}]
	return reg, ok
}

// FindByID looks a registration up by id.
func (r *Registry) FindByID(id wamp.ID) (*Registration, bool) {
	reg, ok := r.byID[id]
	return reg, ok
}

// Remove deletes a registration by id.
func (r *Registry) Remove(id wamp.ID) (*Registration, bool) {
	reg, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	delete(r.byName, procKey{reg.Realm, reg.Procedure})
	return reg, true
}

// RemoveOwnedBy deletes every registration whose callee is ref.
func (r *Registry) RemoveOwnedBy(ref session.Ref) []*Registration {
	if ref.IsZero() {
		return nil
	}
	var removed []*Registration
	for id, reg := range r.byID {
		if reg.Callee == ref {
			delete(r.byID, id)
			delete(r.byName, procKey{reg.Realm, reg.Procedure})
			removed = append(removed, reg)
		}
	}
	return removed
}

// Procedures lists the registered procedure names of a realm, sorted.
func (r *Registry) Procedures(realm string) []string {
	var names []string
	for key := range r.byName {
		if key.realm == realm {
			names = append(names, key.procedure)
		}
	}
	sort.Strings(names)
	return names
}

// Len is the number of registrations across realms.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Realms lists the realms that have at least one registration, sorted.
func (r *Registry) Realms() []string {
	seen := make(map[string]struct{})
	for key := range r.byName {
		seen[key.realm] = struct{}{}
	}
	realms := make([]string, 0, len(seen))
	for realm := range seen {
		realms = append(realms, realm)
	}
	sort.Strings(realms)
	return realms
}
