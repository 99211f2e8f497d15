package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/hyperdoc/internal/engine"
)

// ManualScheduler is a deterministic engine.Scheduler for tests.
//
// Time only moves when Advance is called. Due timers fire on the calling
// goroutine in deadline order; timers sharing a deadline fire in the order
// they were armed. Callbacks may arm new timers, which fire within the same
// Advance if they fall due.
//
// Thread-safety: all methods are safe for concurrent use. Callbacks run
// without the internal lock held.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	nextID int64
	timers map[int64]*manualTimer
}

// NewManualScheduler creates a scheduler whose clock starts at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{
		now:    start,
		timers: make(map[int64]*manualTimer),
	}
}

type manualTimer struct {
	s        *ManualScheduler
	id       int64
	deadline time.Time
	fn       func()
}

// Stop cancels the timer. Returns false if it already fired or was stopped.
func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.timers[t.id]; !ok {
		return false
	}
	delete(t.s.timers, t.id)
	return true
}

// AfterFunc arms fn to fire once the clock reaches now+d.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) engine.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t := &manualTimer{
		s:        s,
		id:       s.nextID,
		deadline: s.now.Add(d),
		fn:       fn,
	}
	s.timers[t.id] = t
	return t
}

// Now returns the simulated time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pending returns the number of armed timers.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Advance moves the clock forward by d, firing every timer that falls due.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDueLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		delete(s.timers, next.id)
		s.now = next.deadline
		s.mu.Unlock()

		next.fn()
	}
}

// nextDueLocked returns the earliest timer due at or before target.
func (s *ManualScheduler) nextDueLocked(target time.Time) *manualTimer {
	due := make([]*manualTimer, 0, len(s.timers))
	for _, t := range s.timers {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}
