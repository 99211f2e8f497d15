// Package transport carries subject-tagged messages between two peers.
//
// A Session delivers inbound messages to per-subject handlers in the order
// they were sent, on a single goroutine per session. Handlers registered
// before Start see every message; messages that arrive earlier are held
// until Start.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned when sending on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrBackpressure is returned when a session's send buffer is full.
	ErrBackpressure = errors.New("send buffer full")
)

// Session is one connection to a remote peer.
type Session interface {
	// ID identifies this end of the session.
	ID() string
	// RemoteID is the remote peer's repo id.
	RemoteID() string
	// Send queues a message. It never blocks.
	Send(subject string, payload []byte) error
	// OnMessage registers the handler for a subject, replacing any previous one.
	OnMessage(subject string, fn func(payload []byte))
	// OnClose registers a callback run once when the session ends.
	OnClose(fn func())
	// Start begins delivering inbound messages.
	Start()
	// Close ends the session. Idempotent.
	Close() error
}

// envelope is the frame format shared by all sessions.
type envelope struct {
	Subject string `json:"subject"`
	Payload []byte `json:"payload,omitempty"`
}

func encodeEnvelope(subject string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(envelope{Subject: subject, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", subject, err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Subject == "" {
		return envelope{}, errors.New("decode frame: missing subject")
	}
	return env, nil
}

// NewSessionID returns a time-ordered session id.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// router holds handlers and close callbacks common to every session kind.
type router struct {
	id       string
	remoteID string
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]func([]byte)
	onClose  []func()
	closed   bool
}

func newRouter(remoteID string, logger *slog.Logger) *router {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		id:       NewSessionID(),
		remoteID: remoteID,
		logger:   logger,
		handlers: make(map[string]func([]byte)),
	}
}

func (r *router) ID() string       { return r.id }
func (r *router) RemoteID() string { return r.remoteID }

func (r *router) OnMessage(subject string, fn func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[subject] = fn
}

func (r *router) OnClose(fn func()) {
	r.mu.Lock()
	if !r.closed {
		r.onClose = append(r.onClose, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

func (r *router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// dispatch delivers one frame to its subject handler.
func (r *router) dispatch(env envelope) {
	r.mu.Lock()
	fn := r.handlers[env.Subject]
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return
	}
	if fn == nil {
		r.logger.Debug("no handler for subject", "session", r.id, "subject", env.Subject)
		return
	}
	fn(env.Payload)
}

// markClosed flips the closed flag and runs close callbacks once. It
// reports whether this call did the closing.
func (r *router) markClosed() bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	callbacks := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return true
}
