// Package evloop runs tasks one at a time, in the order they were posted, on
// a single goroutine. Everything that mutates routing state goes through it.
package evloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrStopped is returned when posting to a loop that has been stopped.
	ErrStopped = errors.New("event loop stopped")
	// ErrAlreadyRunning is returned by Run when the loop is already running.
	ErrAlreadyRunning = errors.New("event loop already running")
)

// Loop is an unbounded FIFO task queue consumed by one goroutine. Post never
// blocks, so tasks may post further tasks.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake    chan struct{}
	done    chan struct{}
	running   atomic.Bool
	panics    atomic.Uint64
	discarded atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used to report recovered task panics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a stopped-until-started loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post enqueues task. Tasks posted before Stop are still run.
func (l *Loop) Post(task func()) error {
	if task == nil {
		return nil
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start runs the loop on a new goroutine. It is a no-op if the loop is
// already running.
func (l *Loop) Start(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if err := l.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("EventLoop: stopped with error", "error", err)
		}
	}()
}

// Run consumes tasks until Stop is called or ctx is done. After Stop it
// drains what was already queued; after ctx cancellation it returns
// immediately and the rest of the queue is discarded.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	return l.loop(ctx)
}

func (l *Loop) loop(ctx context.Context) error {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for i, task := range batch {
			if ctx.Err() != nil {
				l.discard(len(batch) - i)
				return ctx.Err()
			}
			l.run(task)
		}
		if len(batch) > 0 {
			continue
		}
		if stopped {
			return nil
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			l.discard(0)
			return ctx.Err()
		}
	}
}

// discard drops the queue plus the unrun rest of the current batch.
func (l *Loop) discard(unrun int) {
	l.mu.Lock()
	l.stopped = true
	n := len(l.queue) + unrun
	l.queue = nil
	l.mu.Unlock()
	l.discarded.Add(uint64(n))
	if n > 0 {
		l.logger.Warn(fmt.Sprintf("EventLoop: context done, discarded %d queued tasks", n))
	}
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("EventLoop: recovered panic in task", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Stop refuses new tasks and waits for the running loop to drain.
// It is safe to call more than once and on a loop that never ran.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	if l.running.Load() {
		<-l.done
	}
}

// Sync waits until every task posted before the call has run.
func (l *Loop) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	if err := l.Post(func() { close(barrier) }); err != nil {
		return err
	}
	select {
	case <-barrier:
		return nil
	case <-l.done:
		select {
		case <-barrier:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of queued tasks not yet picked up.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Panics is the number of task panics recovered so far.
func (l *Loop) Panics() uint64 {
	return l.panics.Load()
}

// Discarded is the number of tasks dropped because the loop's context ended.
func (l *Loop) Discarded() uint64 {
	return l.discarded.Load()
}
