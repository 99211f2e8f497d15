package repo

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/ir"
	"github.com/roach88/hyperdoc/internal/merge"
	"github.com/roach88/hyperdoc/internal/queue"
)

// Mode is the editing mode of a document front end.
type Mode int

const (
	// ModePending means no content has been applied yet.
	ModePending Mode = iota
	// ModeRead means content exists but there is no local writer.
	ModeRead
	// ModeWrite means content exists and a local actor can author edits.
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "pending"
	}
}

// docState is the front end state. Only writeState carries a usable actor
// id, so writing without one cannot be expressed.
type docState interface{ mode() Mode }

// pendingState waits for content. actorID holds an id granted early.
type pendingState struct{ actorID string }

type readState struct{}

type writeState struct{ actorID string }

func (pendingState) mode() Mode { return ModePending }
func (readState) mode() Mode    { return ModeRead }
func (writeState) mode() Mode   { return ModeWrite }

// pendingEdit is a local request the back end has not confirmed yet.
type pendingEdit struct {
	reqID int64
	ops   []ir.Op
}

// Document is the editable projection of one document. It shows the last
// confirmed back end state with unconfirmed local edits replayed on top.
//
// All methods run on the engine goroutine.
type Document struct {
	id     string
	repo   *Repo
	logger *slog.Logger

	state      docState
	changeQ    *queue.Queue[EditFunc]
	askedActor bool

	confirmed map[string]json.RawMessage
	clock     clock.Clock
	pending   []pendingEdit
	nextReq   int64
	lastView  []byte

	handles map[int64]*Handle
}

func newDocument(id string, r *Repo) *Document {
	return &Document{
		id:        id,
		repo:      r,
		logger:    r.logger.With("doc", id),
		state:     pendingState{},
		changeQ:   queue.New[EditFunc]("changes:" + id),
		confirmed: map[string]json.RawMessage{},
		clock:     clock.Clock{},
		handles:   make(map[int64]*Handle),
	}
}

// Mode returns the current editing mode.
func (d *Document) Mode() Mode {
	return d.state.mode()
}

// ActorID returns the local writer, or "" when not writable.
func (d *Document) ActorID() string {
	if ws, ok := d.state.(writeState); ok {
		return ws.actorID
	}
	return ""
}

// change queues an edit and asks for a writer if none is known.
func (d *Document) change(fn EditFunc) {
	if !d.hasActor() && !d.askedActor {
		d.askedActor = true
		d.repo.toBackend.Push(needsActorIDMsg{DocID: d.id})
	}
	d.changeQ.Push(fn)
}

// actorRequestFailed drops the edits waiting for a writer. Their failure
// has been reported, and the next change asks for a writer again.
func (d *Document) actorRequestFailed() {
	d.askedActor = false
	if n := d.changeQ.Clear(); n > 0 {
		d.logger.Debug("dropped edits waiting for a writer", "count", n)
	}
}

func (d *Document) hasActor() bool {
	switch s := d.state.(type) {
	case writeState:
		return true
	case pendingState:
		return s.actorID != ""
	default:
		return false
	}
}

func (d *Document) onReady(msg readyMsg) {
	ps, ok := d.state.(pendingState)
	if !ok {
		d.logger.Debug("ignoring duplicate ready")
		return
	}

	content, err := merge.ApplyDiff(nil, msg.Patch.Diff)
	if err != nil {
		d.fail(0, newChangeError(d.id, err))
		return
	}
	d.confirmed = content
	d.clock = msg.Patch.Clock.Copy()

	actorID := msg.ActorID
	if actorID == "" {
		actorID = ps.actorID
	}
	if actorID == "" {
		d.state = readState{}
	} else {
		d.state = writeState{actorID: actorID}
	}
	d.logger.Debug("document ready", "actors", len(d.clock), "mode", d.Mode())
	d.notify()

	if actorID != "" {
		d.enableWrites()
	}
}

// setActorID grants a writer. Before content exists the id is held until
// onReady.
func (d *Document) setActorID(actorID string) {
	switch s := d.state.(type) {
	case pendingState:
		d.state = pendingState{actorID: actorID}
	case readState:
		d.state = writeState{actorID: actorID}
		d.logger.Debug("document writable", "actor", actorID)
		d.enableWrites()
	case writeState:
		if s.actorID != actorID {
			d.logger.Warn("ignoring second actor id", "actor", s.actorID, "offered", actorID)
		}
	}
}

// enableWrites drains edits buffered while read-only, in order, and
// applies later edits as they arrive.
func (d *Document) enableWrites() {
	if err := d.changeQ.Subscribe(d.applyEdit); err != nil {
		d.logger.Error("enable writes", "error", err)
	}
}

// applyEdit runs one edit function against the current view.
func (d *Document) applyEdit(fn EditFunc) {
	ws, ok := d.state.(writeState)
	if !ok {
		return
	}

	ed := ir.NewEditor(d.view())
	if err := fn(ed); err != nil {
		d.fail(0, newChangeError(d.id, err))
		return
	}
	ops := ed.Ops()
	if len(ops) == 0 {
		return
	}

	d.nextReq++
	reqID := d.nextReq
	d.pending = append(d.pending, pendingEdit{reqID: reqID, ops: ops})
	d.notify()

	d.repo.toBackend.Push(requestMsg{
		DocID:  d.id,
		ReqID:  reqID,
		Change: ir.Change{Actor: ws.actorID, Ops: ops},
	})
}

func (d *Document) onPatch(msg patchMsg) {
	if d.Mode() == ModePending {
		d.logger.Debug("ignoring patch before ready")
		return
	}
	content, err := merge.ApplyDiff(d.confirmed, msg.Patch.Diff)
	if err != nil {
		d.fail(0, newChangeError(d.id, err))
		return
	}
	d.confirmed = content
	d.clock = msg.Patch.Clock.Copy()

	if msg.ReqID > 0 {
		d.dropPending(msg.ReqID)
		// Confirming our own edit only notifies if a concurrent write
		// changed the outcome.
		if bytes.Equal(d.render(), d.lastView) {
			return
		}
	}
	d.notify()
}

// fail reports err to observers and drops the rejected request, if any.
func (d *Document) fail(reqID int64, err error) {
	if reqID > 0 && d.dropPending(reqID) {
		d.notify()
	}
	for _, h := range d.sortedHandles() {
		h.pushError(err)
	}
}

func (d *Document) dropPending(reqID int64) bool {
	for i, p := range d.pending {
		if p.reqID == reqID {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return true
		}
	}
	return false
}

// view returns confirmed content with pending edits replayed.
func (d *Document) view() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(d.confirmed))
	for k, v := range d.confirmed {
		out[k] = v
	}
	for _, p := range d.pending {
		for _, op := range p.ops {
			switch op.Action {
			case ir.ActionSet:
				out[op.Key] = op.Value
			case ir.ActionDel:
				delete(out, op.Key)
			}
		}
	}
	return out
}

func (d *Document) render() []byte {
	data, err := ir.MarshalCanonical(d.view())
	if err != nil {
		return nil
	}
	return data
}

func (d *Document) snapshot() Snapshot {
	return Snapshot{
		DocID:    d.id,
		Clock:    d.clock.Copy(),
		Content:  d.view(),
		Writable: d.Mode() == ModeWrite,
	}
}

func (d *Document) notify() {
	d.lastView = d.render()
	snap := d.snapshot()
	for _, h := range d.sortedHandles() {
		h.pushState(snap)
	}
}

func (d *Document) onProgress(p Progress) {
	for _, h := range d.sortedHandles() {
		h.pushProgress(p)
	}
}

func (d *Document) onMessage(payload json.RawMessage) {
	for _, h := range d.sortedHandles() {
		h.pushMessage(payload)
	}
}

func (d *Document) sortedHandles() []*Handle {
	ids := make([]int64, 0, len(d.handles))
	for id := range d.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Handle, len(ids))
	for i, id := range ids {
		out[i] = d.handles[id]
	}
	return out
}

// release detaches every observer and stops accepting edits.
func (d *Document) release() {
	d.changeQ.Unsubscribe()
	for _, h := range d.sortedHandles() {
		h.Close()
	}
	d.handles = map[int64]*Handle{}
}
