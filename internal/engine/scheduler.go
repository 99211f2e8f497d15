package engine

import (
	"sync"
	"time"
)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

// Scheduler arms one-shot timers. Production code uses WallScheduler;
// tests use testutil.ManualScheduler.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// WallScheduler schedules on real time via time.AfterFunc.
type WallScheduler struct{}

// AfterFunc runs fn on its own goroutine after d.
func (WallScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Now returns the wall clock time.
func (WallScheduler) Now() time.Time {
	return time.Now()
}

// Timers returns a Scheduler that arms timers on base but runs each
// callback as an engine task.
func (e *Engine) Timers(base Scheduler) Scheduler {
	return &loopScheduler{engine: e, base: base}
}

type loopScheduler struct {
	engine *Engine
	base   Scheduler
}

func (s *loopScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.timer = s.base.AfterFunc(d, func() {
		s.engine.Do(func() {
			// A Stop that ran on the loop after the base timer fired but
			// before this task ran still wins.
			if lt.fire() {
				fn()
			}
		})
	})
	return lt
}

func (s *loopScheduler) Now() time.Time {
	return s.base.Now()
}

type loopTimer struct {
	mu      sync.Mutex
	timer   Timer
	stopped bool
	fired   bool
}

func (t *loopTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.fired = true
	return true
}

func (t *loopTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}
