package transport_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-wamprouter/pkg/auth"
	"github.com/lightforgemedia/go-wamprouter/pkg/metrics"
	"github.com/lightforgemedia/go-wamprouter/pkg/router"
	"github.com/lightforgemedia/go-wamprouter/pkg/testutil"
	"github.com/lightforgemedia/go-wamprouter/pkg/transport"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

func TestJoinAndPubSub(t *testing.T) {
	rs := testutil.NewRouterServer(t, nil)

	sub := testutil.Dial(t, rs.WSURL)
	welcome := sub.Join("realm1")
	sessID, ok := wamp.AsID(welcome[1])
	require.True(t, ok)
	assert.True(t, sessID >= 1 && sessID <= wamp.MaxID)
	details, ok := wamp.AsDict(welcome[2])
	require.True(t, ok)
	assert.Contains(t, details, "roles")
	assert.Equal(t, "anonymous", details["authmethod"])

	pub := testutil.Dial(t, rs.WSURL)
	pub.Join("realm1")

	sub.Send(wamp.Subscribe(1, nil, "planets"))
	subscribed := sub.Expect(wamp.TypeSubscribed)
	subID, _ := wamp.AsID(subscribed[2])

	pub.Send(wamp.Publish(2, wamp.Dict{"acknowledge": true}, "planets", wamp.List{"mars"}, wamp.Dict{"moons": 2}))
	pub.Expect(wamp.TypePublished)

	ev := sub.Expect(wamp.TypeEvent)
	gotSub, _ := wamp.AsID(ev[1])
	assert.Equal(t, subID, gotSub)
	assert.Equal(t, []any{"mars"}, ev[4])
	assert.Equal(t, map[string]any{"moons": float64(2)}, ev[5])

	require.NoError(t, testutil.SessionCount(t, rs, 2))
}

func TestRPCOverWebSocket(t *testing.T) {
	rs := testutil.NewRouterServer(t, nil)

	callee := testutil.Dial(t, rs.WSURL)
	callee.Join("realm1")
	caller := testutil.Dial(t, rs.WSURL)
	caller.Join("realm1")

	callee.Send(wamp.Register(1, nil, "echo"))
	callee.Expect(wamp.TypeRegistered)

	caller.Send(wamp.Call(9, nil, "echo", wamp.List{"ping"}, nil))
	inv := callee.Expect(wamp.TypeInvocation)
	invID, _ := wamp.AsID(inv[1])
	callee.Send(wamp.Yield(invID, nil, wamp.List{"pong"}, nil))

	res := caller.Expect(wamp.TypeResult)
	reqID, _ := wamp.AsID(res[1])
	assert.Equal(t, wamp.ID(9), reqID)
	assert.Equal(t, []any{"pong"}, res[3])
}

func TestNoSuchRealm(t *testing.T) {
	rs := testutil.NewRouterServer(t, []router.Option{router.WithRealms("realm1")})

	rc := testutil.Dial(t, rs.WSURL)
	rc.Send(wamp.Hello("elsewhere", nil))
	abort := rc.Expect(wamp.TypeAbort)
	assert.Equal(t, wamp.ErrNoSuchRealm, abort[2])
	require.NoError(t, testutil.SessionCount(t, rs, 0))
}

func TestFirstMessageMustBeHello(t *testing.T) {
	rs := testutil.NewRouterServer(t, nil)

	rc := testutil.Dial(t, rs.WSURL)
	rc.Send(wamp.Subscribe(1, nil, "t"))
	abort := rc.Expect(wamp.TypeAbort)
	assert.Equal(t, wamp.ErrProtocolViolation, abort[2])
}

func TestHelloAfterWelcomeAborts(t *testing.T) {
	rs := testutil.NewRouterServer(t, nil)

	rc := testutil.Dial(t, rs.WSURL)
	rc.Join("realm1")
	rc.Send(wamp.Hello("realm1", nil))
	abort := rc.Expect(wamp.TypeAbort)
	assert.Equal(t, wamp.ErrProtocolViolation, abort[2])
	require.NoError(t, testutil.SessionCount(t, rs, 0))
}

func TestGoodbye(t *testing.T) {
	rs := testutil.NewRouterServer(t, nil)

	rc := testutil.Dial(t, rs.WSURL)
	rc.Join("realm1")
	require.NoError(t, testutil.SessionCount(t, rs, 1))

	rc.Send(wamp.Goodbye(nil, wamp.CloseNormal))
	bye := rc.Expect(wamp.TypeGoodbye)
	assert.Equal(t, wamp.CloseGoodbyeAndOut, bye[2])
	rc.Conn.CloseRead(context.Background())
	require.NoError(t, testutil.SessionCount(t, rs, 0))
	require.NoError(t, testutil.WaitFor(t, "connection removed", 2*time.Second, func() bool {
		return rs.Transport.ConnCount() == 0
	}))
}

func TestSubprotocolRequired(t *testing.T) {
	rs := testutil.NewRouterServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, rs.WSURL, nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	_, _, err = ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestTicketAuthentication(t *testing.T) {
	ta, err := auth.NewTicketAuth("test-secret")
	require.NoError(t, err)
	rs := testutil.NewRouterServer(t, nil, transport.WithAuthenticator(ta))
	ticket, _, err := ta.IssueTicket("alice", "realm1")
	require.NoError(t, err)

	t.Run("valid ticket", func(t *testing.T) {
		rc := testutil.Dial(t, rs.WSURL)
		rc.Send(wamp.Hello("realm1", wamp.Dict{"authmethods": wamp.List{"ticket"}, "authid": "alice"}))
		challenge := rc.Expect(wamp.TypeChallenge)
		assert.Equal(t, auth.MethodTicket, challenge[1])

		rc.Send(wamp.Authenticate(ticket, nil))
		welcome := rc.Expect(wamp.TypeWelcome)
		details, _ := wamp.AsDict(welcome[2])
		assert.Equal(t, "alice", details["authid"])
		assert.Equal(t, auth.MethodTicket, details["authmethod"])
	})

	t.Run("bad ticket", func(t *testing.T) {
		rc := testutil.Dial(t, rs.WSURL)
		rc.Send(wamp.Hello("realm1", wamp.Dict{"authmethods": wamp.List{"ticket"}}))
		rc.Expect(wamp.TypeChallenge)
		rc.Send(wamp.Authenticate("garbage", nil))
		abort := rc.Expect(wamp.TypeAbort)
		assert.Equal(t, wamp.ErrAuthenticationFailed, abort[2])
	})

	t.Run("ticket for another realm", func(t *testing.T) {
		rc := testutil.Dial(t, rs.WSURL)
		rc.Send(wamp.Hello("realm2", wamp.Dict{"authmethods": wamp.List{"ticket"}}))
		rc.Expect(wamp.TypeChallenge)
		rc.Send(wamp.Authenticate(ticket, nil))
		abort := rc.Expect(wamp.TypeAbort)
		assert.Equal(t, wamp.ErrAuthenticationFailed, abort[2])
	})

	t.Run("anonymous refused", func(t *testing.T) {
		rc := testutil.Dial(t, rs.WSURL)
		rc.Send(wamp.Hello("realm1", nil))
		abort := rc.Expect(wamp.TypeAbort)
		assert.Equal(t, wamp.ErrAuthenticationFailed, abort[2])
	})
}

func TestSlowClientIsDisconnected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	rs := testutil.NewRouterServer(t, []router.Option{router.WithMetrics(m)},
		transport.WithClientSendBuffer(1),
		transport.WithWriteTimeout(time.Second),
		transport.WithMetrics(m),
	)

	rc := testutil.Dial(t, rs.WSURL)
	rc.Join("realm1")
	rc.Send(wamp.Subscribe(1, nil, "firehose"))
	rc.Expect(wamp.TypeSubscribed)

	// The test never reads again, so the connection backs up.
	blob := strings.Repeat("x", 64*1024)
	for i := 0; i < 400; i++ {
		require.NoError(t, rs.Router.Publish("realm1", "firehose", wamp.List{blob}, nil))
	}

	require.NoError(t, testutil.WaitFor(t, "slow client removed", 15*time.Second, func() bool {
		return rs.Transport.ConnCount() == 0
	}))
	require.NoError(t, testutil.SessionCount(t, rs, 0))

	families, err := reg.Gather()
	require.NoError(t, err)
	var dropped float64
	for _, mf := range families {
		if mf.GetName() == "wamprouter_frames_dropped_total" {
			dropped = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.GreaterOrEqual(t, dropped, 1.0)
}

func TestShutdownRejectsNewConnections(t *testing.T) {
	rs := testutil.NewRouterServer(t, nil)
	rc := testutil.Dial(t, rs.WSURL)
	rc.Join("realm1")
	// Answer the server's close frame.
	rc.Conn.CloseRead(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rs.Transport.Shutdown(ctx))
	assert.ErrorIs(t, rs.Transport.Shutdown(ctx), transport.ErrServerClosed)
	assert.Equal(t, 0, rs.Transport.ConnCount())

	resp, err := http.Get(rs.HTTP.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOptionsValidation(t *testing.T) {
	r, err := router.New(router.WithLogger(testutil.DefaultLogger))
	require.NoError(t, err)
	defer r.Shutdown(context.Background())

	opts := transport.DefaultOptions()
	opts.ClientSendBuffer = -1
	_, err = transport.NewWithOptions(r, opts)
	assert.Error(t, err)

	opts = transport.DefaultOptions()
	opts.RateLimit = 100
	opts.RateBurst = 10
	s, err := transport.NewWithOptions(r, opts)
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))

	_, err = transport.New(nil)
	assert.Error(t, err)
}
