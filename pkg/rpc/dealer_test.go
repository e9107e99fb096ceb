package rpc_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightforgemedia/go-wamprouter/pkg/evloop"
	"github.com/lightforgemedia/go-wamprouter/pkg/event"
	"github.com/lightforgemedia/go-wamprouter/pkg/rpc"
	"github.com/lightforgemedia/go-wamprouter/pkg/session"
	"github.com/lightforgemedia/go-wamprouter/pkg/wamp"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

type recorder struct {
	mu  sync.Mutex
	out []event.Outbound
}

func (r *recorder) Emit(o event.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, o)
}

func (r *recorder) take() []event.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.out
	r.out = nil
	return out
}

type nopPeer struct{}

func (nopPeer) Send([]byte) error { return nil }

type fixture struct {
	loop     *evloop.Loop
	rec      *recorder
	dealer   *rpc.Dealer
	sessions *session.Manager
}

func newFixture(t *testing.T, opts ...rpc.Option) *fixture {
	t.Helper()
	loop := evloop.New(evloop.WithLogger(testLogger))
	loop.Start(context.Background())
	t.Cleanup(loop.Stop)

	sessions := session.NewManager(session.WithLogger(testLogger))
	t.Cleanup(sessions.Shutdown)

	rec := &recorder{}
	opts = append([]rpc.Option{rpc.WithLogger(testLogger)}, opts...)
	d, err := rpc.NewDealer(rec, loop, opts...)
	require.NoError(t, err)
	return &fixture{loop: loop, rec: rec, dealer: d, sessions: sessions}
}

// do runs fn on the loop and waits for everything it posted.
func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.loop.Post(fn))
	f.sync(t)
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.loop.Sync(ctx))
	require.NoError(t, f.loop.Sync(ctx))
}

func (f *fixture) open(t *testing.T) session.Ref {
	t.Helper()
	s, err := f.sessions.Open("r", "", nopPeer{})
	require.NoError(t, err)
	return s.Ref
}

func (f *fixture) register(t *testing.T, proc string, h rpc.Handler, user any) *rpc.Registration {
	t.Helper()
	var reg *rpc.Registration
	var err error
	f.do(t, func() {
		reg, err = f.dealer.Register(rpc.RegisterProcedure{Realm: "r", Procedure: proc, Handler: h, User: user})
	})
	require.NoError(t, err)
	return reg
}

func TestCallYield(t *testing.T) {
	f := newFixture(t)
	caller := f.open(t)

	var handle *rpc.Invocation
	var gotUser any
	var gotArgs wamp.List
	f.register(t, "run", func(inv *rpc.Invocation) error {
		handle = inv
		gotUser = inv.User()
		gotArgs = inv.Args()
		return inv.Yield(wamp.List{"hello", "back"}, nil)
	}, "user-ctx")

	f.do(t, func() {
		f.dealer.Call(event.Call{Realm: "r", Procedure: "run", Args: wamp.List{"x"}, Src: caller, Request: 7})
	})

	out := f.rec.take()
	require.Len(t, out, 1)
	assert.Equal(t, event.Result{Dest: caller, Request: 7, Args: wamp.List{"hello", "back"}}, out[0])
	assert.Equal(t, "user-ctx", gotUser)
	assert.Equal(t, wamp.List{"x"}, gotArgs)
	assert.Equal(t, 0, f.dealer.Pending())

	t.Run("second yield has no effect", func(t *testing.T) {
		require.NotNil(t, handle)
		assert.True(t, handle.Resolved())
		assert.ErrorIs(t, handle.Yield(wamp.List{"again"}, nil), rpc.ErrAlreadyResolved)
		assert.ErrorIs(t, handle.Fail("user.error.late", ""), rpc.ErrAlreadyResolved)
		f.sync(t)
		assert.Empty(t, f.rec.take())
	})
}

func TestSynchronousYieldFinishesInCallTask(t *testing.T) {
	f := newFixture(t)
	caller := f.open(t)
	f.register(t, "run", func(inv *rpc.Invocation) error {
		return inv.Yield(wamp.List{"now"}, nil)
	}, nil)
	f.register(t, "yieldThenFail", func(inv *rpc.Invocation) error {
		require.NoError(t, inv.Yield(wamp.List{"first"}, nil))
		return errors.New("too late")
	}, nil)

	var emitted []event.Outbound
	var pending int
	f.do(t, func() {
		f.dealer.Call(event.Call{Realm: "r", Procedure: "run", Src: caller, Request: 1})
		f.dealer.Call(event.Call{Realm: "r", Procedure: "yieldThenFail", Src: caller, Request: 2})
		emitted = f.rec.take()
		pending = f.dealer.Pending()
	})
	require.Len(t, emitted, 2)
	assert.Equal(t, event.Result{Dest: caller, Request: 1, Args: wamp.List{"now"}}, emitted[0])
	assert.Equal(t, event.Result{Dest: caller, Request: 2, Args: wamp.List{"first"}}, emitted[1])
	assert.Zero(t, pending)
	assert.Empty(t, f.rec.take())
}

func TestCallMissingProcedure(t *testing.T) {
	f := newFixture(t)
	caller := f.open(t)

	f.do(t, func() {
		f.dealer.Call(event.Call{Realm: "r", Procedure: "missing", Src: caller, Request: 3})
	})
	out := f.rec.take()
	require.Len(t, out, 1)
	assert.Equal(t, event.Error{Dest: caller, RequestType: wamp.TypeCall, Request: 3, URI: wamp.ErrNoSuchProcedure}, out[0])
	assert.Equal(t, 0, f.dealer.Pending())
}

func TestRegisterConflict(t *testing.T) {
	f := newFixture(t)
	h := func(inv *rpc.Invocation) error { return inv.Yield(nil, nil) }
	f.register(t, "run", h, nil)

	var err error
	f.do(t, func() {
		_, err = f.dealer.Register(rpc.RegisterProcedure{Realm: "r", Procedure: "run", Handler: h})
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rpc.ErrProcedureExists)
	var werr *wamp.Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, wamp.ErrProcedureAlreadyExists, werr.URI)

	t.Run("same name in another realm is fine", func(t *testing.T) {
		f.do(t, func() {
			_, err = f.dealer.Register(rpc.RegisterProcedure{Realm: "other", Procedure: "run", Handler: h})
		})
		assert.NoError(t, err)
	})

	t.Run("remote conflict is answered on the wire", func(t *testing.T) {
		callee := f.open(t)
		f.do(t, func() {
			_, err = f.dealer.Register(rpc.RegisterProcedure{Realm: "r", Procedure: "run", Src: callee, Request: 4})
		})
		require.Error(t, err)
		out := f.rec.take()
		require.Len(t, out, 1)
		e := out[0].(event.Error)
		assert.Equal(t, wamp.TypeRegister, e.RequestType)
		assert.Equal(t, wamp.ErrProcedureAlreadyExists, e.URI)
	})

	t.Run("invalid uri and missing callee", func(t *testing.T) {
		f.do(t, func() {
			_, err = f.dealer.Register(rpc.RegisterProcedure{Realm: "r", Procedure: "bad uri", Handler: h})
		})
		require.True(t, errors.As(err, &werr))
		assert.Equal(t, wamp.ErrInvalidURI, werr.URI)

		f.do(t, func() {
			_, err = f.dealer.Register(rpc.RegisterProcedure{Realm: "r", Procedure: "x"})
		})
		assert.ErrorIs(t, err, rpc.ErrNoCallee)
	})
}

func TestHandlerFailures(t *testing.T) {
	f := newFixture(t)
	caller := f.open(t)

	f.register(t, "erun", func(inv *rpc.Invocation) error {
		return wamp.NewError("user.error.rpc_failed", "")
	}, nil)
	f.register(t, "plain", func(inv *rpc.Invocation) error {
		return errors.New("disk on fire")
	}, nil)
	f.register(t, "panics", func(inv *rpc.Invocation) error {
		panic("unexpected")
	}, nil)
	f.register(t, "fails", func(inv *rpc.Invocation) error {
		return inv.Fail("user.error.explicit", "why")
	}, nil)

	tests := []struct {
		proc string
		uri  string
	}{
		{"erun", "user.error.rpc_failed"},
		{"plain", wamp.ErrRuntimeError},
		{"panics", wamp.ErrRuntimeError},
		{"fails", "user.error.explicit"},
	}
	for i, tt := range tests {
		t.Run(tt.proc, func(t *testing.T) {
			req := wamp.ID(i + 1)
			f.do(t, func() {
				f.dealer.Call(event.Call{Realm: "r", Procedure: tt.proc, Src: caller, Request: req})
			})
			out := f.rec.take()
			require.Len(t, out, 1)
			e, ok := out[0].(event.Error)
			require.True(t, ok, "got %T", out[0])
			assert.Equal(t, caller, e.Dest)
			assert.Equal(t, req, e.Request)
			assert.Equal(t, wamp.TypeCall, e.RequestType)
			assert.Equal(t, tt.uri, e.URI)
			assert.Equal(t, 0, f.dealer.Pending())
		})
	}
}

func TestDeferredResolution(t *testing.T) {
	f := newFixture(t)
	caller := f.open(t)

	handles := make(chan *rpc.Invocation, 1)
	f.register(t, "slow", func(inv *rpc.Invocation) error {
		handles <- inv
		return nil
	}, nil)

	f.do(t, func() {
		f.dealer.Call(event.Call{Realm: "r", Procedure: "slow", Src: caller, Request: 11})
	})
	assert.Empty(t, f.rec.take(), "nothing is sent until the callee resolves")

	var pending int
	f.do(t, func() { pending = f.dealer.Pending() })
	assert.Equal(t, 1, pending)

	inv := <-handles
	done := make(chan error, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		done <- inv.Yield(wamp.List{"late"}, wamp.Dict{"ok": true})
	}()
	require.NoError(t, <-done)
	f.sync(t)

	out := f.rec.take()
	require.Len(t, out, 1)
	assert.Equal(t, event.Result{Dest: caller, Request: 11, Args: wamp.List{"late"}, Kwargs: wamp.Dict{"ok": true}}, out[0])
}

func TestRemoteCallee(t *testing.T) {
	f := newFixture(t)
	caller := f.open(t)
	callee := f.open(t)
	stranger := f.open(t)

	var reg *rpc.Registration
	var err error
	f.do(t, func() {
		reg, err = f.dealer.Register(rpc.RegisterProcedure{Realm: "r", Procedure: "com.remote", Src: callee, Request: 1})
	})
	require.NoError(t, err)
	out := f.rec.take()
	require.Len(t, out, 1)
	assert.Equal(t, event.Registered{Dest: callee, Request: 1, Registration: reg.ID}, out[0])

	f.do(t, func() {
		f.dealer.Call(event.Call{Realm: "r", Procedure: "com.remote", Args: wamp.List{1, 2}, Src: caller, Request: 5})
	})
	out = f.rec.take()
	require.Len(t, out, 1)
	inv, ok := out[0].(event.Invocation)
	require.True(t, ok)
	assert.Equal(t, callee, inv.Dest)
	assert.Equal(t, reg.ID, inv.Registration)
	assert.Equal(t, wamp.List{1, 2}, inv.Args)

	var errs [4]error
	f.do(t, func() {
		errs[0] = f.dealer.Yield(event.Yield{Src: stranger, Request: inv.Request, Args: wamp.List{"x"}})
		errs[1] = f.dealer.Yield(event.Yield{Src: callee, Request: inv.Request, Args: wamp.List{3}})
		errs[2] = f.dealer.Yield(event.Yield{Src: callee, Request: inv.Request, Args: wamp.List{4}})
		errs[3] = f.dealer.Yield(event.Yield{Src: callee, Request: 999999})
	})
	assert.ErrorIs(t, errs[0], rpc.ErrUnknownInvocation, "only the callee may resolve")
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], rpc.ErrAlreadyResolved)
	assert.ErrorIs(t, errs[3], rpc.ErrUnknownInvocation)

	out = f.rec.take()
	require.Len(t, out, 1)
	assert.Equal(t, event.Result{Dest: caller, Request: 5, Args: wamp.List{3}}, out[0])

	t.Run("callee error", func(t *testing.T) {
		f.do(t, func() {
			f.dealer.Call(event.Call{Realm: "r", Procedure: "com.remote", Src: caller, Request: 6})
		})
		inv := f.rec.take()[0].(event.Invocation)
		var err error
		f.do(t, func() {
			err = f.dealer.Fail(event.InvocationError{Src: callee, Request: inv.Request, URI: "app.error.nope", Args: wamp.List{"bad"}})
		})
		require.NoError(t, err)
		out := f.rec.take()
		require.Len(t, out, 1)
		assert.Equal(t, event.Error{Dest: caller, RequestType: wamp.TypeCall, Request: 6, URI: "app.error.nope", Args: wamp.List{"bad"}}, out[0])
	})
}

func TestCalleeTermination(t *testing.T) {
	f := newFixture(t)
	caller := f.open(t)
	callee := f.open(t)

	var errA, errB error
	f.do(t, func() {
		_, errA = f.dealer.Register(rpc.RegisterProcedure{Realm: "r", Procedure: "a", Src: callee, Request: 1})
		_, errB = f.dealer.Register(rpc.RegisterProcedure{Realm: "r", Procedure: "b", Src: callee, Request: 2})
		f.dealer.Call(event.Call{Realm: "r", Procedure: "a", Src: caller, Request: 10})
	})
	require.NoError(t, errA)
	require.NoError(t, errB)
	f.rec.take()

	var regs, canceled int
	f.do(t, func() {
		regs, canceled = f.dealer.SessionTerminated(event.SessionTerminated{Src: callee})
	})
	assert.Equal(t, 2, regs)
	assert.Equal(t, 1, canceled)

	out := f.rec.take()
	require.Len(t, out, 1)
	e := out[0].(event.Error)
	assert.Equal(t, caller, e.Dest)
	assert.Equal(t, wamp.ID(10), e.Request)
	assert.Equal(t, wamp.ErrCanceled, e.URI)

	f.do(t, func() {
		f.dealer.Call(event.Call{Realm: "r", Procedure: "a", Src: caller, Request: 11})
	})
	out = f.rec.take()
	require.Len(t, out, 1)
	assert.Equal(t, wamp.ErrNoSuchProcedure, out[0].(event.Error).URI)
	assert.Empty(t, f.dealer.Registrations().Procedures("r"))
}

func TestUnregister(t *testing.T) {
	f := newFixture(t)
	callee := f.open(t)
	other := f.open(t)

	var reg *rpc.Registration
	f.do(t, func() {
		reg, _ = f.dealer.Register(rpc.RegisterProcedure{Realm: "r", Procedure: "p", Src: callee, Request: 1})
	})
	f.rec.take()

	var ok bool
	f.do(t, func() {
		ok = f.dealer.Unregister(event.Unregister{Realm: "r", Registration: reg.ID, Src: other, Request: 2})
	})
	assert.False(t, ok)
	out := f.rec.take()
	require.Len(t, out, 1)
	assert.Equal(t, wamp.ErrNoSuchRegistration, out[0].(event.Error).URI)

	f.do(t, func() {
		ok = f.dealer.Unregister(event.Unregister{Realm: "r", Registration: reg.ID, Src: callee, Request: 3})
	})
	assert.True(t, ok)
	out = f.rec.take()
	require.Len(t, out, 1)
	assert.Equal(t, event.Unregistered{Dest: callee, Request: 3}, out[0])

	t.Run("in-process registration", func(t *testing.T) {
		local := f.register(t, "local", func(inv *rpc.Invocation) error { return inv.Yield(nil, nil) }, nil)
		f.do(t, func() {
			ok = f.dealer.Unregister(event.Unregister{Realm: "r", Registration: local.ID})
		})
		assert.True(t, ok)
		assert.Empty(t, f.rec.take())
	})
}

func TestCallObserver(t *testing.T) {
	var mu sync.Mutex
	counts := map[rpc.Outcome]int{}
	f := newFixture(t, rpc.WithCallObserver(func(realm, proc string, o rpc.Outcome) {
		mu.Lock()
		counts[o]++
		mu.Unlock()
	}), rpc.WithResolvedMemory(8))
	caller := f.open(t)

	f.register(t, "ok", func(inv *rpc.Invocation) error { return inv.Yield(nil, nil) }, nil)
	f.register(t, "bad", func(inv *rpc.Invocation) error { return errors.New("x") }, nil)
	f.do(t, func() {
		f.dealer.Call(event.Call{Realm: "r", Procedure: "ok", Src: caller, Request: 1})
		f.dealer.Call(event.Call{Realm: "r", Procedure: "bad", Src: caller, Request: 2})
		f.dealer.Call(event.Call{Realm: "r", Procedure: "nope", Src: caller, Request: 3})
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[rpc.OutcomeResult])
	assert.Equal(t, 1, counts[rpc.OutcomeError])
	assert.Equal(t, 1, counts[rpc.OutcomeNoSuchProcedure])
}
