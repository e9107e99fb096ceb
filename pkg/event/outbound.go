package event

import (
	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// Outbound is anything the broker or dealer sends toward sessions. One
// Outbound is encoded once and delivered to all of its destinations.
type Outbound interface {
	Destinations() []session.Ref
	Message() wamp.Message
}

// Emitter accepts outbound events. Implementations must not block.
type Emitter interface {
	Emit(Outbound)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Outbound)

func (f EmitterFunc) Emit(o Outbound) { f(o) }

// Subscribed acknowledges a SUBSCRIBE.
type Subscribed struct {
	Dest         session.Ref
	Request      wamp.ID
	Subscription wamp.ID
}

func (e Subscribed) Destinations() []session.Ref { return []session.Ref{e.Dest} }
func (e Subscribed) Message() wamp.Message       { return wamp.Subscribed(e.Request, e.Subscription) }

// Unsubscribed acknowledges an UNSUBSCRIBE.
type Unsubscribed struct {
	Dest    session.Ref
	Request wamp.ID
}

func (e Unsubscribed) Destinations() []session.Ref { return []session.Ref{e.Dest} }
func (e Unsubscribed) Message() wamp.Message       { return wamp.Unsubscribed(e.Request) }

// Event is a broadcast to every subscriber of one topic.
type Event struct {
	Dests        []session.Ref
	Subscription wamp.ID
	Publication  wamp.ID
	Details      wamp.Dict
	Args         wamp.List
	Kwargs       wamp.Dict
}

func (e Event) Destinations() []session.Ref { return e.Dests }
func (e Event) Message() wamp.Message {
	return wamp.Event(e.Subscription, e.Publication, e.Details, e.Args, e.Kwargs)
}

// Published acknowledges a PUBLISH that asked for it.
type Published struct {
	Dest        session.Ref
	Request     wamp.ID
	Publication wamp.ID
}

func (e Published) Destinations() []session.Ref { return []session.Ref{e.Dest} }
func (e Published) Message() wamp.Message       { return wamp.Published(e.Request, e.Publication) }

// Result carries a call outcome back to its caller.
type Result struct {
	Dest    session.Ref
	Request wamp.ID
	Args    wamp.List
	Kwargs  wamp.Dict
}

func (e Result) Destinations() []session.Ref { return []session.Ref{e.Dest} }
func (e Result) Message() wamp.Message       { return wamp.Result(e.Request, nil, e.Args, e.Kwargs) }

// Error is a request-scoped failure reply.
type Error struct {
	Dest        session.Ref
	RequestType wamp.MessageType
	Request     wamp.ID
	URI         string
	Args        wamp.List
	Kwargs      wamp.Dict
}

func (e Error) Destinations() []session.Ref { return []session.Ref{e.Dest} }
func (e Error) Message() wamp.Message {
	return wamp.ErrorMessage(e.RequestType, e.Request, nil, e.URI, e.Args, e.Kwargs)
}

// Registered acknowledges a REGISTER.
type Registered struct {
	Dest         session.Ref
	Request      wamp.ID
	Registration wamp.ID
}

func (e Registered) Destinations() []session.Ref { return []session.Ref{e.Dest} }
func (e Registered) Message() wamp.Message       { return wamp.Registered(e.Request, e.Registration) }

// Unregistered acknowledges an UNREGISTER.
type Unregistered struct {
	Dest    session.Ref
	Request wamp.ID
}

func (e Unregistered) Destinations() []session.Ref { return []session.Ref{e.Dest} }
func (e Unregistered) Message() wamp.Message       { return wamp.Unregistered(e.Request) }

// Invocation asks a remote callee to run a registered procedure.
type Invocation struct {
	Dest         session.Ref
	Request      wamp.ID
	Registration wamp.ID
	Details      wamp.Dict
	Args         wamp.List
	Kwargs       wamp.Dict
}

func (e Invocation) Destinations() []session.Ref { return []session.Ref{e.Dest} }
func (e Invocation) Message() wamp.Message {
	return wamp.Invocation(e.Request, e.Registration, e.Details, e.Args, e.Kwargs)
}
