package repo

import (
	"fmt"
	"log/slog"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/ir"
	"github.com/roach88/hyperdoc/internal/merge"
	"github.com/roach88/hyperdoc/internal/queue"
)

// localRequest is a change request waiting for the local queue consumer.
type localRequest struct {
	reqID  int64
	change ir.Change
}

// DocBackend owns the merge-engine state of one document. Remote and local
// changes each flow through their own queue with a single consumer, so
// exactly one change is applied at a time.
//
// All methods run on the engine goroutine.
type DocBackend struct {
	id     string
	repo   *Repo
	logger *slog.Logger

	state      merge.State // nil until init
	actorID    string
	wantsActor bool

	remoteQ *queue.Queue[[]ir.Change]
	localQ  *queue.Queue[localRequest]

	// fed is the highest sequence per actor already pushed to remoteQ.
	fed clock.Clock
}

func newDocBackend(id string, r *Repo) *DocBackend {
	return &DocBackend{
		id:      id,
		repo:    r,
		logger:  r.logger.With("doc", id),
		remoteQ: queue.New[[]ir.Change]("remote:" + id),
		localQ:  queue.New[localRequest]("local:" + id),
		fed:     clock.Clock{},
	}
}

// Ready reports whether init has run.
func (b *DocBackend) Ready() bool {
	return b.state != nil
}

// Clock returns the applied frontier.
func (b *DocBackend) Clock() clock.Clock {
	if b.state == nil {
		return clock.Clock{}
	}
	return b.state.Clock()
}

// init applies the initial batch and starts both queue consumers.
// actorID may be empty.
func (b *DocBackend) init(changes []ir.Change, actorID string) error {
	if b.Ready() {
		return fmt.Errorf("document %s already initialized", b.id)
	}

	eng := b.repo.merge
	state, _, err := eng.ApplyChanges(eng.Init(), changes)
	if err != nil {
		return newChangeError(b.id, err)
	}
	b.state = state
	b.repo.clocks.Add(b.id, state.Clock())

	if actorID == "" && b.wantsActor {
		actorID, err = b.repo.allocateActor(b.id)
		if err != nil {
			b.repo.toFrontend.Push(errorMsg{DocID: b.id, ActorRequest: true, Err: err})
			actorID = ""
		}
	}
	b.actorID = actorID
	b.wantsActor = false

	b.logger.Info("document loaded", "changes", len(changes), "actor", actorID)
	b.repo.toFrontend.Push(readyMsg{DocID: b.id, ActorID: actorID, Patch: eng.GetPatch(state)})

	if err := b.remoteQ.Subscribe(b.applyRemote); err != nil {
		return err
	}
	return b.localQ.Subscribe(b.applyLocal)
}

// requestActor grants a writer now if initialized, or once init runs.
func (b *DocBackend) requestActor() {
	if !b.Ready() {
		b.wantsActor = true
		return
	}
	if b.actorID != "" {
		b.repo.toFrontend.Push(actorIDMsg{DocID: b.id, ActorID: b.actorID})
		return
	}
	actorID, err := b.repo.allocateActor(b.id)
	if err != nil {
		b.repo.toFrontend.Push(errorMsg{DocID: b.id, ActorRequest: true, Err: err})
		return
	}
	b.actorID = actorID
	b.repo.toFrontend.Push(actorIDMsg{DocID: b.id, ActorID: actorID})
}

// feed queues remote records and remembers how far each actor was fed.
func (b *DocBackend) feed(changes []ir.Change) {
	if len(changes) == 0 {
		return
	}
	for _, c := range changes {
		if c.Seq > b.fed[c.Actor] {
			b.fed[c.Actor] = c.Seq
		}
	}
	b.remoteQ.Push(changes)
}

func (b *DocBackend) applyRemote(changes []ir.Change) {
	prev := b.state
	next, patch, err := b.repo.merge.ApplyChanges(prev, changes)
	if err != nil {
		b.logger.Warn("remote changes rejected", "error", err)
		b.repo.toFrontend.Push(errorMsg{DocID: b.id, Err: newChangeError(b.id, err)})
		return
	}
	b.state = next

	// Replayed records leave the history untouched and produce no patch.
	if next.History() == prev.History() {
		return
	}
	b.repo.clocks.Add(b.id, next.Clock())
	b.logger.Debug("applied remote changes", "count", len(changes), "history", next.History())
	b.repo.toFrontend.Push(patchMsg{DocID: b.id, Patch: patch})
}

func (b *DocBackend) applyLocal(req localRequest) {
	next, patch, rec, err := b.repo.merge.ApplyLocalChange(b.state, req.change)
	if err != nil {
		b.repo.toFrontend.Push(errorMsg{DocID: b.id, ReqID: req.reqID, Err: newChangeError(b.id, err)})
		return
	}

	// The record is durable before the state, clock or peers see it.
	if err := b.repo.appendRecord(rec); err != nil {
		b.logger.Error("append failed", "actor", rec.Actor, "seq", rec.Seq, "error", err)
		b.repo.toFrontend.Push(errorMsg{DocID: b.id, ReqID: req.reqID, Err: newLogError(b.id, rec.Actor, "append failed", err)})
		return
	}

	b.state = next
	if rec.Seq > b.fed[rec.Actor] {
		b.fed[rec.Actor] = rec.Seq
	}
	b.repo.clocks.Add(b.id, clock.Clock{rec.Actor: rec.Seq})
	b.logger.Debug("applied local change", "actor", rec.Actor, "seq", rec.Seq)

	b.repo.toFrontend.Push(patchMsg{DocID: b.id, ReqID: req.reqID, Patch: patch})
	b.repo.toBackend.Push(syncMsg{ActorID: rec.Actor})
}

// release stops both consumers. Queued items are dropped with the backend.
func (b *DocBackend) release() {
	b.remoteQ.Unsubscribe()
	b.localQ.Unsubscribe()
}
