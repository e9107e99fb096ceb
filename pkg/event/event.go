// Package event defines the typed events that cross the routing loop
// boundary: inbound requests decoded from sessions and the outbound replies
// and broadcasts the broker and dealer produce.
package event

import (
	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// Subscribe asks for Src to be added to the subscribers of Topic.
type Subscribe struct {
	Realm   string
	Topic   string
	Src     session.Ref
	Request wamp.ID
}

// Unsubscribe removes Src from the topic identified by Subscription.
type Unsubscribe struct {
	Realm        string
	Subscription wamp.ID
	Src          session.Ref
	Request      wamp.ID
}

// Publish replaces the supplied halves of a topic image and broadcasts
// them. A nil Args or Kwargs means that half was not supplied. Src is zero
// for publications made inside the process.
type Publish struct {
	Realm       string
	Topic       string
	Args        wamp.List
	Kwargs      wamp.Dict
	Src         session.Ref
	Request     wamp.ID
	Acknowledge bool
	// Origin names the router node the publication came from; empty for
	// local publications.
	Origin string
}

// SessionTerminated reports that a session left. Realm may be empty, in
// which case every realm is swept.
type SessionTerminated struct {
	Src   session.Ref
	Realm string
}

// Call invokes Procedure on behalf of Src.
type Call struct {
	Realm     string
	Procedure string
	Args      wamp.List
	Kwargs    wamp.Dict
	Src       session.Ref
	Request   wamp.ID
}

// Yield resolves invocation Request with a result, sent by the callee Src.
type Yield struct {
	Src     session.Ref
	Request wamp.ID
	Args    wamp.List
	Kwargs  wamp.Dict
}

// InvocationError resolves invocation Request with a failure, sent by the
// callee Src.
type InvocationError struct {
	Src     session.Ref
	Request wamp.ID
	URI     string
	Args    wamp.List
	Kwargs  wamp.Dict
}

// Unregister removes the registration owned by Src.
type Unregister struct {
	Realm        string
	Registration wamp.ID
	Src          session.Ref
	Request      wamp.ID
}
