// Package heartbeat implements per-connection liveness tracking.
//
// A running Heartbeat fires onBeat every interval and onTimeout once if no
// Bump arrives within interval*factor. Bump re-arms only the timeout; the
// beat cadence is never shifted by inbound traffic.
package heartbeat

import (
	"sync"
	"time"

	"github.com/roach88/hyperdoc/internal/engine"
)

// DefaultTimeoutFactor is the number of beat intervals without inbound
// activity after which a connection is considered dead.
const DefaultTimeoutFactor = 10

// State is the heartbeat lifecycle state.
type State int

const (
	Stopped State = iota
	Beating
)

func (s State) String() string {
	if s == Beating {
		return "beating"
	}
	return "stopped"
}

// Heartbeat is a beat timer plus a timeout timer on an injected scheduler.
//
// Thread-safety: all methods are safe for concurrent use. Callbacks run
// without the internal lock held, so they may call Stop or Bump.
type Heartbeat struct {
	sched     engine.Scheduler
	interval  time.Duration
	factor    int
	onBeat    func()
	onTimeout func()

	mu      sync.Mutex
	state   State
	gen     uint64 // bumped on Start/Stop so stale callbacks are ignored
	beat    engine.Timer
	timeout engine.Timer
}

// Option configures a Heartbeat.
type Option func(*Heartbeat)

// WithTimeoutFactor sets how many intervals pass before timing out.
// Values below 1 are ignored.
func WithTimeoutFactor(n int) Option {
	return func(h *Heartbeat) {
		if n >= 1 {
			h.factor = n
		}
	}
}

// New creates a stopped heartbeat. onBeat or onTimeout may be nil.
func New(sched engine.Scheduler, interval time.Duration, onBeat, onTimeout func(), opts ...Option) *Heartbeat {
	h := &Heartbeat{
		sched:     sched,
		interval:  interval,
		factor:    DefaultTimeoutFactor,
		onBeat:    onBeat,
		onTimeout: onTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Interval returns the beat period.
func (h *Heartbeat) Interval() time.Duration {
	return h.interval
}

// Timeout returns the inactivity window.
func (h *Heartbeat) Timeout() time.Duration {
	return h.interval * time.Duration(h.factor)
}

// State returns the current lifecycle state.
func (h *Heartbeat) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start arms both timers. Starting a running heartbeat is a no-op.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Beating {
		return
	}
	h.state = Beating
	h.gen++
	h.armTimeoutLocked()
	h.armBeatLocked()
}

// Bump records inbound activity by re-arming the timeout. No-op when
// stopped.
func (h *Heartbeat) Bump() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Beating {
		return
	}
	h.timeout.Stop()
	h.armTimeoutLocked()
}

// Stop cancels both timers. Idempotent.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Heartbeat) stopLocked() {
	if h.state == Stopped {
		return
	}
	h.state = Stopped
	h.gen++
	h.beat.Stop()
	h.timeout.Stop()
	h.beat = nil
	h.timeout = nil
}

func (h *Heartbeat) armBeatLocked() {
	gen := h.gen
	h.beat = h.sched.AfterFunc(h.interval, func() { h.fireBeat(gen) })
}

func (h *Heartbeat) armTimeoutLocked() {
	gen := h.gen
	h.timeout = h.sched.AfterFunc(h.Timeout(), func() { h.fireTimeout(gen) })
}

func (h *Heartbeat) fireBeat(gen uint64) {
	h.mu.Lock()
	if h.state != Beating || h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.armBeatLocked()
	fn := h.onBeat
	h.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (h *Heartbeat) fireTimeout(gen uint64) {
	h.mu.Lock()
	if h.state != Beating || h.gen != gen {
		h.mu.Unlock()
		return
	}
	h.stopLocked()
	fn := h.onTimeout
	h.mu.Unlock()

	if fn != nil {
		fn()
	}
}
