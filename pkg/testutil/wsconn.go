package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

// RawConn speaks WAMP frames directly over a WebSocket, for tests that need
// to send exactly what they want.
type RawConn struct {
	T    *testing.T
	Conn *websocket.Conn
}

// Dial opens a WebSocket to url offering the given subprotocols. With none,
// wamp.2.json is offered.
func Dial(t *testing.T, url string, subprotocols ...string) *RawConn {
	t.Helper()
	if len(subprotocols) == 0 {
		subprotocols = []string{"wamp.2.json"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: subprotocols})
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return &RawConn{T: t, Conn: ws}
}

// Send writes one message.
func (rc *RawConn) Send(msg wamp.Message) {
	rc.T.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, rc.Conn, msg); err != nil {
		rc.T.Fatalf("write %v: %v", msg, err)
	}
}

// Read waits for the next message.
func (rc *RawConn) Read(timeout time.Duration) (wamp.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var msg wamp.Message
	if err := wsjson.Read(ctx, rc.Conn, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Expect reads messages until one of type typ arrives, skipping others.
func (rc *RawConn) Expect(typ wamp.MessageType) wamp.Message {
	rc.T.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			rc.T.Fatalf("no %s within 2s", typ)
		}
		msg, err := rc.Read(remaining)
		if err != nil {
			rc.T.Fatalf("waiting for %s: %v", typ, err)
		}
		if got, _ := msg.Type(); got == typ {
			return msg
		}
	}
}

// Join sends HELLO for realm and returns the WELCOME.
func (rc *RawConn) Join(realm string) wamp.Message {
	rc.T.Helper()
	rc.Send(wamp.Hello(realm, wamp.Dict{"roles": wamp.Dict{"subscriber": wamp.Dict{}, "publisher": wamp.Dict{}}}))
	return rc.Expect(wamp.TypeWelcome)
}
