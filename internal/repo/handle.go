package repo

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/ir"
)

// Snapshot is one observed state of a document.
type Snapshot struct {
	DocID    string                     `json:"doc_id"`
	Clock    clock.Clock                `json:"clock"`
	Content  map[string]json.RawMessage `json:"content"`
	Writable bool                       `json:"writable"`
}

// JSON renders the content as a canonical JSON object.
func (s Snapshot) JSON() ([]byte, error) {
	content := s.Content
	if content == nil {
		content = map[string]json.RawMessage{}
	}
	return ir.MarshalCanonical(content)
}

// Decode unmarshals the content into v.
func (s Snapshot) Decode(v any) error {
	data, err := s.JSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// EditFunc mutates a document through an Editor. Returning an error
// discards every operation the function recorded.
type EditFunc func(e *ir.Editor) error

// Handle observes one document for application code. Each subscription
// slot accepts a single subscriber.
//
// Thread-safety: methods are safe from any goroutine. Callbacks run on the
// repo's engine goroutine and must not block.
type Handle struct {
	id    int64
	docID string
	repo  *Repo

	mu         sync.Mutex
	closed     bool
	onState    func(Snapshot)
	once       bool
	delivered  bool // a state reached onState since it was set
	onMessage  func(json.RawMessage)
	onProgress func(Progress)
	onError    func(error)
}

// DocID returns the observed document id.
func (h *Handle) DocID() string {
	return h.docID
}

// URL returns the document URL.
func (h *Handle) URL() string {
	return ir.DocURL(h.docID)
}

// Subscribe registers fn for every state change. If the document already
// has content, fn receives the current state first.
func (h *Handle) Subscribe(fn func(Snapshot)) error {
	return h.setState(fn, false)
}

// Once registers fn for the next available state only.
func (h *Handle) Once(fn func(Snapshot)) error {
	return h.setState(fn, true)
}

func (h *Handle) setState(fn func(Snapshot), once bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.onState != nil {
		return fmt.Errorf("handle state: %w", ErrAlreadySubscribed)
	}
	h.onState = fn
	h.once = once
	h.delivered = false
	h.repo.engine.Do(func() { h.repo.replayState(h) })
	return nil
}

// SubscribeMessage registers fn for ephemeral peer messages.
func (h *Handle) SubscribeMessage(fn func(json.RawMessage)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.onMessage != nil {
		return fmt.Errorf("handle message: %w", ErrAlreadySubscribed)
	}
	h.onMessage = fn
	return nil
}

// SubscribeProgress registers fn for download progress.
func (h *Handle) SubscribeProgress(fn func(Progress)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.onProgress != nil {
		return fmt.Errorf("handle progress: %w", ErrAlreadySubscribed)
	}
	h.onProgress = fn
	return nil
}

// SubscribeError registers fn for failures affecting this document.
func (h *Handle) SubscribeError(fn func(error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.onError != nil {
		return fmt.Errorf("handle error: %w", ErrAlreadySubscribed)
	}
	h.onError = fn
	return nil
}

// Change queues an edit. Edits apply one at a time in submission order
// once the document is writable.
func (h *Handle) Change(fn EditFunc) error {
	if h.isClosed() {
		return ErrHandleClosed
	}
	if !h.repo.engine.Do(func() { h.repo.front(h.docID).change(fn) }) {
		return fmt.Errorf("change %s: repo stopped", h.docID)
	}
	return nil
}

// Message sends an ephemeral payload to every connected peer.
func (h *Handle) Message(payload any) error {
	if h.isClosed() {
		return ErrHandleClosed
	}
	return h.repo.Message(h.docID, payload)
}

// Close detaches every subscription. Idempotent.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.onState = nil
	h.onMessage = nil
	h.onProgress = nil
	h.onError = nil
	h.mu.Unlock()

	h.repo.engine.Do(func() { h.repo.detachHandle(h) })
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) pushState(s Snapshot) {
	h.mu.Lock()
	fn := h.onState
	h.delivered = true
	if fn != nil && h.once {
		h.onState = nil
		h.once = false
	}
	h.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

// wantsReplay reports whether the current state subscriber has not seen
// any state yet.
func (h *Handle) wantsReplay() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onState != nil && !h.delivered
}

func (h *Handle) pushMessage(payload json.RawMessage) {
	h.mu.Lock()
	fn := h.onMessage
	h.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (h *Handle) pushProgress(p Progress) {
	h.mu.Lock()
	fn := h.onProgress
	h.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (h *Handle) pushError(err error) {
	h.mu.Lock()
	fn := h.onError
	h.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
