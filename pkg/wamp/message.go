// Package wamp holds the WAMP v2 JSON wire vocabulary shared by the router,
// its transport and the client: message codes, ids, URIs and constructors
// for every message the router speaks.
package wamp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the leading integer of every WAMP message.
type MessageType int

const (
	TypeHello        MessageType = 1
	TypeWelcome      MessageType = 2
	TypeAbort        MessageType = 3
	TypeChallenge    MessageType = 4
	TypeAuthenticate MessageType = 5
	TypeGoodbye      MessageType = 6
	TypeError        MessageType = 8
	TypePublish      MessageType = 16
	TypePublished    MessageType = 17
	TypeSubscribe    MessageType = 32
	TypeSubscribed   MessageType = 33
	TypeUnsubscribe  MessageType = 34
	TypeUnsubscribed MessageType = 35
	TypeEvent        MessageType = 36
	TypeCall         MessageType = 48
	TypeResult       MessageType = 50
	TypeRegister     MessageType = 64
	TypeRegistered   MessageType = 65
	TypeUnregister   MessageType = 66
	TypeUnregistered MessageType = 67
	TypeInvocation   MessageType = 68
	TypeYield        MessageType = 70
)

var typeNames = map[MessageType]string{
	TypeHello:        "HELLO",
	TypeWelcome:      "WELCOME",
	TypeAbort:        "ABORT",
	TypeChallenge:    "CHALLENGE",
	TypeAuthenticate: "AUTHENTICATE",
	TypeGoodbye:      "GOODBYE",
	TypeError:        "ERROR",
	TypePublish:      "PUBLISH",
	TypePublished:    "PUBLISHED",
	TypeSubscribe:    "SUBSCRIBE",
	TypeSubscribed:   "SUBSCRIBED",
	TypeUnsubscribe:  "UNSUBSCRIBE",
	TypeUnsubscribed: "UNSUBSCRIBED",
	TypeEvent:        "EVENT",
	TypeCall:         "CALL",
	TypeResult:       "RESULT",
	TypeRegister:     "REGISTER",
	TypeRegistered:   "REGISTERED",
	TypeUnregister:   "UNREGISTER",
	TypeUnregistered: "UNREGISTERED",
	TypeInvocation:   "INVOCATION",
	TypeYield:        "YIELD",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// List is the positional argument half of a payload. A nil List is absent;
// an empty non-nil List is present and empty.
type List []any

// Dict is the keyword argument half of a payload, also used for the
// details/options objects. A nil Dict is absent.
type Dict map[string]any

// Message is one decoded WAMP message: a JSON array whose first element is
// the MessageType.
type Message []any

var (
	ErrEmptyMessage   = errors.New("wamp: empty message")
	ErrBadMessageType = errors.New("wamp: first element is not a message type")
)

// Decode parses one JSON text frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("wamp: decode: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrEmptyMessage
	}
	if _, ok := m.Type(); !ok {
		return nil, ErrBadMessageType
	}
	return m, nil
}

// Encode serializes the message into a JSON text frame.
func (m Message) Encode() ([]byte, error) {
	raw, err := json.Marshal([]any(m))
	if err != nil {
		return nil, fmt.Errorf("wamp: encode %s: %w", m.typeName(), err)
	}
	return raw, nil
}

// Type returns the message code.
func (m Message) Type() (MessageType, bool) {
	if len(m) == 0 {
		return 0, false
	}
	id, ok := AsID(m[0])
	if !ok {
		return 0, false
	}
	return MessageType(id), true
}

func (m Message) typeName() string {
	t, _ := m.Type()
	return t.String()
}

// Arg returns element i, or nil when the message is too short.
func (m Message) Arg(i int) any {
	if i < 0 || i >= len(m) {
		return nil
	}
	return m[i]
}

// AsID converts a decoded JSON number (or any Go integer) into an ID.
// Negative and fractional values are rejected.
func AsID(v any) (ID, bool) {
	switch n := v.(type) {
	case ID:
		return n, true
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, false
		}
		return ID(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return ID(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return ID(n), true
	case uint64:
		return ID(n), true
	case MessageType:
		return ID(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return ID(i), true
	}
	return 0, false
}

// AsString reports whether v is a string.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsList converts a decoded JSON array into a List.
func AsList(v any) (List, bool) {
	switch l := v.(type) {
	case List:
		return l, l != nil
	case []any:
		return List(l), l != nil
	}
	return nil, false
}

// AsDict converts a decoded JSON object into a Dict.
func AsDict(v any) (Dict, bool) {
	switch d := v.(type) {
	case Dict:
		return d, d != nil
	case map[string]any:
		return Dict(d), d != nil
	}
	return nil, false
}

// appendPayload adds the optional argument halves. With padArgs an absent
// args half is written as [] when kwargs is present; without it kwargs is
// only written after a present args half.
func appendPayload(m Message, args List, kwargs Dict, padArgs bool) Message {
	switch {
	case args != nil:
		m = append(m, args)
		if kwargs != nil {
			m = append(m, kwargs)
		}
	case kwargs != nil && padArgs:
		m = append(m, List{}, kwargs)
	}
	return m
}

func orEmpty(d Dict) Dict {
	if d == nil {
		return Dict{}
	}
	return d
}

// Router-to-peer messages.

// Welcome builds [WELCOME, session, details].
func Welcome(session ID, details Dict) Message {
	return Message{TypeWelcome, session, orEmpty(details)}
}

// Abort builds [ABORT, details, reason].
func Abort(details Dict, reason string) Message {
	return Message{TypeAbort, orEmpty(details), reason}
}

// Challenge builds [CHALLENGE, method, extra].
func Challenge(method string, extra Dict) Message {
	return Message{TypeChallenge, method, orEmpty(extra)}
}

// Goodbye builds [GOODBYE, details, reason].
func Goodbye(details Dict, reason string) Message {
	return Message{TypeGoodbye, orEmpty(details), reason}
}

// ErrorMessage builds [ERROR, request type, request id, details, uri, args?, kwargs?].
func ErrorMessage(requestType MessageType, request ID, details Dict, uri string, args List, kwargs Dict) Message {
	m := Message{TypeError, requestType, request, orEmpty(details), uri}
	return appendPayload(m, args, kwargs, true)
}

// Subscribed builds [SUBSCRIBED, request, subscription].
func Subscribed(request, subscription ID) Message {
	return Message{TypeSubscribed, request, subscription}
}

// Unsubscribed builds [UNSUBSCRIBED, request].
func Unsubscribed(request ID) Message {
	return Message{TypeUnsubscribed, request}
}

// Event builds [EVENT, subscription, publication, details, args?, kwargs?].
// kwargs is carried only when args is present.
func Event(subscription, publication ID, details Dict, args List, kwargs Dict) Message {
	m := Message{TypeEvent, subscription, publication, orEmpty(details)}
	return appendPayload(m, args, kwargs, false)
}

// Published builds [PUBLISHED, request, publication].
func Published(request, publication ID) Message {
	return Message{TypePublished, request, publication}
}

// Result builds [RESULT, request, details, args?, kwargs?].
func Result(request ID, details Dict, args List, kwargs Dict) Message {
	m := Message{TypeResult, request, orEmpty(details)}
	return appendPayload(m, args, kwargs, true)
}

// Registered builds [REGISTERED, request, registration].
func Registered(request, registration ID) Message {
	return Message{TypeRegistered, request, registration}
}

// Unregistered builds [UNREGISTERED, request].
func Unregistered(request ID) Message {
	return Message{TypeUnregistered, request}
}

// Invocation builds [INVOCATION, request, registration, details, args?, kwargs?].
func Invocation(request, registration ID, details Dict, args List, kwargs Dict) Message {
	m := Message{TypeInvocation, request, registration, orEmpty(details)}
	return appendPayload(m, args, kwargs, true)
}

// Peer-to-router messages.

// Hello builds [HELLO, realm, details].
func Hello(realm string, details Dict) Message {
	return Message{TypeHello, realm, orEmpty(details)}
}

// Authenticate builds [AUTHENTICATE, signature, extra].
func Authenticate(signature string, extra Dict) Message {
	return Message{TypeAuthenticate, signature, orEmpty(extra)}
}

// Subscribe builds [SUBSCRIBE, request, options, topic].
func Subscribe(request ID, options Dict, topic string) Message {
	return Message{TypeSubscribe, request, orEmpty(options), topic}
}

// Unsubscribe builds [UNSUBSCRIBE, request, subscription].
func Unsubscribe(request, subscription ID) Message {
	return Message{TypeUnsubscribe, request, subscription}
}

// Publish builds [PUBLISH, request, options, topic, args?, kwargs?].
func Publish(request ID, options Dict, topic string, args List, kwargs Dict) Message {
	m := Message{TypePublish, request, orEmpty(options), topic}
	return appendPayload(m, args, kwargs, true)
}

// Call builds [CALL, request, options, procedure, args?, kwargs?].
func Call(request ID, options Dict, procedure string, args List, kwargs Dict) Message {
	m := Message{TypeCall, request, orEmpty(options), procedure}
	return appendPayload(m, args, kwargs, true)
}

// Register builds [REGISTER, request, options, procedure].
func Register(request ID, options Dict, procedure string) Message {
	return Message{TypeRegister, request, orEmpty(options), procedure}
}

// Unregister builds [UNREGISTER, request, registration].
func Unregister(request, registration ID) Message {
	return Message{TypeUnregister, request, registration}
}

// Yield builds [YIELD, request, options, args?, kwargs?].
func Yield(request ID, options Dict, args List, kwargs Dict) Message {
	m := Message{TypeYield, request, orEmpty(options)}
	return appendPayload(m, args, kwargs, true)
}
