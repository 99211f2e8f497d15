package engine

import (
	"context"
	"errors"
	"log/slog"
)

// ErrStopped is returned when work is submitted to a stopped engine.
var ErrStopped = errors.New("engine stopped")

// Engine is the single-writer task loop.
//
// Thread-safety model:
//   - Do(), Call(), Settle(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// Call and Settle block until the loop has executed the submitted work, so
// they must not be called from inside a task.
type Engine struct {
	queue  *taskQueue
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an idle engine. Call Run to start processing.
func New(opts ...Option) *Engine {
	e := &Engine{
		queue:  newTaskQueue(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do submits a task for execution on the loop.
// Returns false if the engine has been stopped.
func (e *Engine) Do(t Task) bool {
	return e.queue.Enqueue(t)
}

// Call submits a task and waits until it has run.
func (e *Engine) Call(ctx context.Context, t Task) error {
	done := make(chan struct{})
	if !e.queue.Enqueue(func() {
		defer close(done)
		t()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settle waits until the loop has drained every queued task, including
// tasks queued by tasks that ran in the meantime.
func (e *Engine) Settle(ctx context.Context) error {
	for {
		if err := e.Call(ctx, func() {}); err != nil {
			return err
		}
		if e.queue.Len() == 0 {
			return nil
		}
	}
}

// Pending returns the number of queued tasks.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Run executes tasks until ctx is cancelled or Stop is called.
// After Stop, tasks already queued still run before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Debug("engine starting")

	for {
		if t, ok := e.queue.TryDequeue(); ok {
			t()
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Debug("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed, which
			// fires this case immediately.
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Debug("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run returns once already-queued tasks have run.
func (e *Engine) Stop() {
	e.queue.Close()
}
