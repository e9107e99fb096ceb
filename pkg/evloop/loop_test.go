package evloop_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lightforgemedia/go-wamprouter/pkg/evloop"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOrdering(t *testing.T) {
	l := evloop.New(evloop.WithLogger(testLogger))
	l.Start(context.Background())
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Sync(ctx))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestNestedPost(t *testing.T) {
	l := evloop.New(evloop.WithLogger(testLogger))
	l.Start(context.Background())
	defer l.Stop()

	var order []string
	done := make(chan struct{})
	require.NoError(t, l.Post(func() {
		order = append(order, "outer")
		_ = l.Post(func() {
			order = append(order, "inner")
			close(done)
		})
		order = append(order, "outer-end")
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested task never ran")
	}
	assert.Equal(t, []string{"outer", "outer-end", "inner"}, order)
}

func TestPanicRecovered(t *testing.T) {
	l := evloop.New(evloop.WithLogger(testLogger))
	l.Start(context.Background())
	defer l.Stop()

	require.NoError(t, l.Post(func() { panic("boom") }))
	ran := false
	require.NoError(t, l.Post(func() { ran = true }))
	require.NoError(t, l.Sync(context.Background()))

	assert.True(t, ran, "loop keeps running after a panic")
	assert.Equal(t, uint64(1), l.Panics())
}

func TestStopDrains(t *testing.T) {
	l := evloop.New(evloop.WithLogger(testLogger))

	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Post(func() {
			mu.Lock()
			count++
			mu.Unlock()
		}))
	}
	assert.Equal(t, 10, l.Len())

	l.Start(context.Background())
	l.Stop()
	l.Stop()

	assert.ErrorIs(t, l.Post(func() {}), evloop.ErrStopped)
	assert.ErrorIs(t, l.Sync(context.Background()), evloop.ErrStopped)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count)
}

func TestRunTwice(t *testing.T) {
	l := evloop.New(evloop.WithLogger(testLogger))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	require.NoError(t, l.Sync(context.Background()))
	assert.ErrorIs(t, l.Run(ctx), evloop.ErrAlreadyRunning)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.ErrorIs(t, l.Post(func() {}), evloop.ErrStopped)
}

func TestCancelCountsUnrunBatch(t *testing.T) {
	l := evloop.New(evloop.WithLogger(testLogger))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := 0
	require.NoError(t, l.Post(func() {
		ran++
		cancel()
		_ = l.Post(func() { ran++ })
	}))
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Post(func() { ran++ }))
	}

	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
	assert.Equal(t, 1, ran)
	assert.Equal(t, uint64(5), l.Discarded())
	assert.ErrorIs(t, l.Post(func() {}), evloop.ErrStopped)
}
