package router

import (
	"fmt"

	"github.com/lightforgemedia/go-wamprouter/pkg/event"
	"github.com/lightforgemedia/go-wamprouter/pkg/rpc"
	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// Dispatch decodes one message from a joined session into a typed event and
// posts it onto the loop. An error wrapping ErrProtocolViolation means the
// session sent something that has no meaning after WELCOME; the transport
// should abort it. Malformed payload halves are logged and treated as
// absent.
func (r *Router) Dispatch(sess *session.Session, msg wamp.Message) error {
	typ, ok := msg.Type()
	if !ok {
		return fmt.Errorf("%w: message without type", ErrProtocolViolation)
	}
	src, realm := sess.Ref, sess.Realm

	var task func()
	switch typ {
	case wamp.TypeSubscribe:
		req, err := requestID(msg, typ)
		if err != nil {
			return err
		}
		topic, _ := wamp.AsString(msg.Arg(3))
		ev := event.Subscribe{Realm: realm, Topic: topic, Src: src, Request: req}
		task = func() { r.broker.Subscribe(ev) }

	case wamp.TypeUnsubscribe:
		req, err := requestID(msg, typ)
		if err != nil {
			return err
		}
		sub, _ := wamp.AsID(msg.Arg(2))
		ev := event.Unsubscribe{Realm: realm, Subscription: sub, Src: src, Request: req}
		task = func() { r.broker.Unsubscribe(ev) }

	case wamp.TypePublish:
		req, err := requestID(msg, typ)
		if err != nil {
			return err
		}
		opts := r.dict(msg, 2, typ, "options")
		topic, _ := wamp.AsString(msg.Arg(3))
		args, kwargs := r.payload(msg, 4, typ)
		ack, _ := opts["acknowledge"].(bool)
		ev := event.Publish{Realm: realm, Topic: topic, Args: args, Kwargs: kwargs, Src: src, Request: req, Acknowledge: ack}
		task = func() { r.broker.Publish(ev) }

	case wamp.TypeCall:
		req, err := requestID(msg, typ)
		if err != nil {
			return err
		}
		proc, _ := wamp.AsString(msg.Arg(3))
		args, kwargs := r.payload(msg, 4, typ)
		ev := event.Call{Realm: realm, Procedure: proc, Args: args, Kwargs: kwargs, Src: src, Request: req}
		task = func() { r.dealer.Call(ev) }

	case wamp.TypeRegister:
		req, err := requestID(msg, typ)
		if err != nil {
			return err
		}
		opts := r.dict(msg, 2, typ, "options")
		proc, _ := wamp.AsString(msg.Arg(3))
		ev := rpc.RegisterProcedure{Realm: realm, Procedure: proc, Options: opts, Src: src, Request: req}
		task = func() { _, _ = r.dealer.Register(ev) }

	case wamp.TypeUnregister:
		req, err := requestID(msg, typ)
		if err != nil {
			return err
		}
		id, _ := wamp.AsID(msg.Arg(2))
		ev := event.Unregister{Realm: realm, Registration: id, Src: src, Request: req}
		task = func() { r.dealer.Unregister(ev) }

	case wamp.TypeYield:
		req, err := requestID(msg, typ)
		if err != nil {
			return err
		}
		args, kwargs := r.payload(msg, 3, typ)
		ev := event.Yield{Src: src, Request: req, Args: args, Kwargs: kwargs}
		task = func() { _ = r.dealer.Yield(ev) }

	case wamp.TypeError:
		reqType, ok := wamp.AsID(msg.Arg(1))
		if !ok || wamp.MessageType(reqType) != wamp.TypeInvocation {
			return fmt.Errorf("%w: ERROR is only accepted for INVOCATION", ErrProtocolViolation)
		}
		req, ok := wamp.AsID(msg.Arg(2))
		if !ok {
			return fmt.Errorf("%w: ERROR without request id", ErrProtocolViolation)
		}
		uri, _ := wamp.AsString(msg.Arg(4))
		args, kwargs := r.payload(msg, 5, typ)
		ev := event.InvocationError{Src: src, Request: req, URI: uri, Args: args, Kwargs: kwargs}
		task = func() { _ = r.dealer.Fail(ev) }

	default:
		return fmt.Errorf("%w: unexpected %s from joined session", ErrProtocolViolation, typ)
	}

	if err := r.loop.Post(task); err != nil {
		return ErrRouterClosed
	}
	return nil
}

func requestID(msg wamp.Message, typ wamp.MessageType) (wamp.ID, error) {
	id, ok := wamp.AsID(msg.Arg(1))
	if !ok {
		return 0, fmt.Errorf("%w: %s without request id", ErrProtocolViolation, typ)
	}
	return id, nil
}

// payload reads the optional args and kwargs halves starting at index at.
func (r *Router) payload(msg wamp.Message, at int, typ wamp.MessageType) (wamp.List, wamp.Dict) {
	var (
		args   wamp.List
		kwargs wamp.Dict
	)
	if v := msg.Arg(at); v != nil {
		if l, ok := wamp.AsList(v); ok {
			args = l
		} else {
			r.logger.Warn(fmt.Sprintf("Router: %s arguments are not a list, ignoring them", typ), "got", fmt.Sprintf("%T", v))
		}
	}
	kwargs = r.dict(msg, at+1, typ, "keyword arguments")
	return args, kwargs
}

func (r *Router) dict(msg wamp.Message, at int, typ wamp.MessageType, what string) wamp.Dict {
	v := msg.Arg(at)
	if v == nil {
		return nil
	}
	d, ok := wamp.AsDict(v)
	if !ok {
		r.logger.Warn(fmt.Sprintf("Router: %s %s are not an object, ignoring them", typ, what), "got", fmt.Sprintf("%T", v))
		return nil
	}
	return d
}
