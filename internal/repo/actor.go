package repo

import (
	"fmt"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/feed"
	"github.com/roach88/hyperdoc/internal/ir"
)

// actor is an open actor log.
type actor struct {
	id  string
	log feed.Log
}

func (a *actor) writable() bool {
	return a.log.Writable()
}

// openActor returns the actor, opening its log on first use.
func (r *Repo) openActor(actorID string) (*actor, error) {
	if a, ok := r.actors[actorID]; ok {
		return a, nil
	}
	log, err := r.feeds.Open(actorID)
	if err != nil {
		return nil, newLogError("", actorID, "open log", err)
	}
	return r.trackActor(log), nil
}

func (r *Repo) trackActor(log feed.Log) *actor {
	a := &actor{id: log.ID(), log: log}
	r.actors[a.id] = a
	r.byDiscovery[log.DiscoveryKey()] = a.id
	for _, p := range r.peers {
		p.replicate(a)
	}
	return a
}

// allocateActor creates a fresh writable actor for docID and records it in
// the document's metadata as unbounded.
func (r *Repo) allocateActor(docID string) (string, error) {
	kp, err := feed.NewKeyPair()
	if err != nil {
		return "", newLogError(docID, "", "generate key pair", err)
	}
	log, err := r.feeds.Create(kp)
	if err != nil {
		return "", newLogError(docID, kp.ID(), "create log", err)
	}
	a := r.trackActor(log)
	r.logger.Info("actor allocated", "doc", docID, "actor", a.id)

	if docID != "" {
		if err := r.addMetadata(docID, clock.Clock{a.id: clock.Unbounded}); err != nil {
			return "", err
		}
	}
	return a.id, nil
}

// appendRecord persists a locally authored change to its actor's log.
func (r *Repo) appendRecord(rec ir.Change) error {
	a, ok := r.actors[rec.Actor]
	if !ok {
		return fmt.Errorf("actor %s is not open", rec.Actor)
	}
	if !a.writable() {
		return fmt.Errorf("actor %s: %w", rec.Actor, feed.ErrNotWritable)
	}
	if length := a.log.Length(); length != rec.Seq-1 {
		return fmt.Errorf("actor %s: record seq %d does not follow log length %d", rec.Actor, rec.Seq, length)
	}
	data, err := ir.EncodeChange(rec)
	if err != nil {
		return err
	}
	if _, err := a.log.Append(data); err != nil {
		return err
	}
	return nil
}

// readChanges decodes records [from, to) of a log. It is safe off the
// engine goroutine.
func readChanges(log feed.Log, from, to int64) ([]ir.Change, error) {
	if length := log.Length(); to > length {
		to = length
	}
	var out []ir.Change
	for i := from; i < to; i++ {
		data, err := log.Get(i)
		if err != nil {
			return nil, err
		}
		c, err := ir.DecodeChange(data)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if c.Actor != log.ID() || c.Seq != i+1 {
			return nil, fmt.Errorf("record %d: claims %s:%d", i, c.Actor, c.Seq)
		}
		out = append(out, c)
	}
	return out, nil
}

// promote picks the local writer for a document: an unbounded, writable
// actor from its metadata, preferring the root actor.
func (r *Repo) promote(docID string, meta clock.Clock) string {
	if seq, ok := meta[docID]; ok && seq == clock.Unbounded {
		if a, ok := r.actors[docID]; ok && a.writable() {
			return docID
		}
	}
	for _, actorID := range meta.Actors() {
		if meta[actorID] != clock.Unbounded {
			continue
		}
		if a, ok := r.actors[actorID]; ok && a.writable() {
			return actorID
		}
	}
	return ""
}
