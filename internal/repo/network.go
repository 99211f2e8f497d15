package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/feed"
	"github.com/roach88/hyperdoc/internal/heartbeat"
	"github.com/roach88/hyperdoc/internal/ir"
	"github.com/roach88/hyperdoc/internal/transport"
)

// Wire subjects.
const (
	SubjectMetadata = "metadata"
	SubjectWant     = "want"
	SubjectBlocks   = "blocks"
	SubjectMessage  = "message"
	SubjectPing     = "ping"
)

// maxBlocksPerFrame caps the records carried by one blocks frame.
const maxBlocksPerFrame = 64

// metadataFrame announces the contributing actors of a document.
type metadataFrame struct {
	DocID  string   `json:"doc_id"`
	Actors []string `json:"actors"`
}

// wantFrame asks for an actor's records from index From onward. Actors
// are named by discovery key so a peer never learns a key it lacks.
type wantFrame struct {
	DiscoveryKey string `json:"discovery_key"`
	From         int64  `json:"from"`
}

// blocksFrame carries consecutive records starting at index Start.
type blocksFrame struct {
	DiscoveryKey string   `json:"discovery_key"`
	Start        int64    `json:"start"`
	Records      [][]byte `json:"records"`
}

// messageFrame carries an ephemeral application payload.
type messageFrame struct {
	DocID   string          `json:"doc_id"`
	Payload json.RawMessage `json:"payload"`
}

// peer is one connected remote repo. Used only on the engine goroutine.
type peer struct {
	id        string
	session   transport.Session
	heartbeat *heartbeat.Heartbeat
	repo      *Repo

	// wants is the next record index the peer expects, per discovery key.
	wants map[string]int64
	// wanted marks discovery keys we asked this peer for.
	wanted map[string]bool
	// sentMeta marks documents whose metadata this peer has seen from us.
	sentMeta map[string]bool
}

func (p *peer) send(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.repo.logger.Error("encode frame", "peer", p.id, "subject", subject, "error", err)
		return
	}
	if err := p.session.Send(subject, data); err != nil {
		p.repo.logger.Warn("send failed", "peer", p.id, "subject", subject, "error", err)
	}
}

func (p *peer) sendMetadata(docID string, meta clock.Clock) {
	p.sentMeta[docID] = true
	p.send(SubjectMetadata, metadataFrame{DocID: docID, Actors: meta.Strings()})
}

// want asks the peer for an actor's records past our current length.
func (p *peer) want(a *actor) {
	dk := a.log.DiscoveryKey()
	if p.wanted[dk] {
		return
	}
	p.wanted[dk] = true
	p.send(SubjectWant, wantFrame{DiscoveryKey: dk, From: a.log.Length()})
}

// replicate sends the peer every record of a it asked for and lacks.
func (p *peer) replicate(a *actor) {
	dk := a.log.DiscoveryKey()
	from, ok := p.wants[dk]
	if !ok {
		return
	}
	length := a.log.Length()
	for from < length {
		n := min(length-from, maxBlocksPerFrame)
		frame := blocksFrame{DiscoveryKey: dk, Start: from}
		for i := from; i < from+n; i++ {
			data, err := a.log.Get(i)
			if err != nil {
				p.repo.logger.Error("read record for peer", "peer", p.id, "actor", a.id, "index", i, "error", err)
				return
			}
			frame.Records = append(frame.Records, data)
		}
		p.send(SubjectBlocks, frame)
		from += n
		p.wants[dk] = from
	}
}

// AddPeer attaches a session to the repo. A second session from the same
// remote repo replaces the first.
func (r *Repo) AddPeer(s transport.Session) error {
	if !r.engine.Do(func() { r.addPeer(s) }) {
		s.Close()
		return fmt.Errorf("add peer %s: repo stopped", s.RemoteID())
	}
	return nil
}

// Peers lists the ids of connected peers.
func (r *Repo) Peers(ctx context.Context) ([]string, error) {
	var out []string
	err := r.engine.Call(ctx, func() {
		for id := range r.peers {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out, err
}

func (r *Repo) addPeer(s transport.Session) {
	peerID, sessionID := s.RemoteID(), s.ID()
	if old, ok := r.peers[peerID]; ok {
		r.logger.Info("replacing peer session", "peer", peerID, "old", old.session.ID(), "new", sessionID)
		old.heartbeat.Stop()
		old.session.Close()
	}

	p := &peer{
		id:       peerID,
		session:  s,
		repo:     r,
		wants:    make(map[string]int64),
		wanted:   make(map[string]bool),
		sentMeta: make(map[string]bool),
	}
	p.heartbeat = heartbeat.New(r.timers, r.hbPeriod,
		func() {
			if err := s.Send(SubjectPing, nil); err != nil {
				r.logger.Debug("ping failed", "peer", peerID, "error", err)
			}
		},
		func() {
			r.toBackend.Push(peerTimeoutMsg{PeerID: peerID, SessionID: sessionID})
		},
		heartbeat.WithTimeoutFactor(r.hbFactor),
	)
	r.peers[peerID] = p

	for _, subject := range []string{SubjectMetadata, SubjectWant, SubjectBlocks, SubjectMessage, SubjectPing} {
		s.OnMessage(subject, func(payload []byte) {
			r.engine.Do(func() {
				r.toBackend.Push(peerMsg{PeerID: peerID, SessionID: sessionID, Subject: subject, Payload: payload})
			})
		})
	}
	s.OnClose(func() {
		r.engine.Do(func() {
			r.toBackend.Push(peerClosedMsg{PeerID: peerID, SessionID: sessionID})
		})
	})

	r.logger.Info("peer connected", "peer", peerID, "session", sessionID)
	p.heartbeat.Start()
	s.Start()

	for _, docID := range r.announcedDocs() {
		if meta, known, err := r.meta.get(r.ctx, docID); err == nil && known {
			r.announce(p, docID, meta)
		}
	}
}

// announcedDocs lists documents this repo shares with new peers: open
// documents plus any whose metadata is cached.
func (r *Repo) announcedDocs() []string {
	seen := make(map[string]bool)
	for docID := range r.backends {
		seen[docID] = true
	}
	for docID := range r.meta.docs {
		seen[docID] = true
	}
	out := make([]string, 0, len(seen))
	for docID := range seen {
		out = append(out, docID)
	}
	sort.Strings(out)
	return out
}

// currentPeer returns the peer if sessionID is still its live session.
func (r *Repo) currentPeer(peerID, sessionID string) (*peer, bool) {
	p, ok := r.peers[peerID]
	if !ok || p.session.ID() != sessionID {
		return nil, false
	}
	return p, true
}

func (r *Repo) removePeer(peerID, sessionID, reason string) {
	p, ok := r.currentPeer(peerID, sessionID)
	if !ok {
		return
	}
	p.heartbeat.Stop()
	p.session.Close()
	delete(r.peers, peerID)
	r.logger.Info("peer disconnected", "peer", peerID, "session", sessionID, "reason", reason)
}

func (r *Repo) peerTimedOut(m peerTimeoutMsg) {
	if _, ok := r.currentPeer(m.PeerID, m.SessionID); !ok {
		return
	}
	err := &Error{Code: ErrCodePeerTimeout, Message: "no frames within heartbeat timeout"}
	r.logger.Warn("peer timed out", "peer", m.PeerID, "session", m.SessionID, "error", err)
	r.removePeer(m.PeerID, m.SessionID, "timeout")
}

// malformed logs and drops a frame that failed to decode or validate.
func (r *Repo) malformed(m peerMsg, err error) {
	r.logger.Warn("dropping malformed frame", "peer", m.PeerID, "subject", m.Subject,
		"error", &Error{Code: ErrCodeMalformedPeerMessage, Message: "invalid " + m.Subject + " frame", Err: err})
}

func (r *Repo) handlePeerMessage(m peerMsg) {
	p, ok := r.currentPeer(m.PeerID, m.SessionID)
	if !ok {
		return
	}
	p.heartbeat.Bump()

	switch m.Subject {
	case SubjectPing:
	case SubjectMetadata:
		var f metadataFrame
		if err := json.Unmarshal(m.Payload, &f); err != nil {
			r.malformed(m, err)
			return
		}
		r.onMetadata(p, m, f)
	case SubjectWant:
		var f wantFrame
		if err := json.Unmarshal(m.Payload, &f); err != nil {
			r.malformed(m, err)
			return
		}
		if f.DiscoveryKey == "" || f.From < 0 {
			r.malformed(m, errors.New("want needs a discovery key and a non-negative index"))
			return
		}
		p.wants[f.DiscoveryKey] = f.From
		if actorID, ok := r.byDiscovery[f.DiscoveryKey]; ok {
			p.replicate(r.actors[actorID])
		}
	case SubjectBlocks:
		var f blocksFrame
		if err := json.Unmarshal(m.Payload, &f); err != nil {
			r.malformed(m, err)
			return
		}
		r.onBlocks(p, m, f)
	case SubjectMessage:
		var f messageFrame
		if err := json.Unmarshal(m.Payload, &f); err != nil {
			r.malformed(m, err)
			return
		}
		if _, open := r.docs[f.DocID]; open {
			r.toFrontend.Push(documentMsg{DocID: f.DocID, Payload: f.Payload})
		}
	default:
		r.logger.Debug("ignoring unknown subject", "peer", p.id, "subject", m.Subject)
	}
}

func (r *Repo) onMetadata(p *peer, m peerMsg, f metadataFrame) {
	if _, err := feed.ParseID(f.DocID); err != nil {
		r.malformed(m, err)
		return
	}
	theirs, err := clock.ParseStrings(f.Actors)
	if err != nil {
		r.malformed(m, err)
		return
	}
	for actorID := range theirs {
		if _, err := feed.ParseID(actorID); err != nil {
			r.malformed(m, err)
			return
		}
	}

	if _, known, err := r.meta.get(r.ctx, f.DocID); err != nil || !known {
		if _, open := r.backends[f.DocID]; !open {
			r.logger.Debug("ignoring metadata for unknown document", "peer", p.id, "doc", f.DocID)
			return
		}
	}

	before, _, _ := r.meta.get(r.ctx, f.DocID)
	if err := r.addMetadata(f.DocID, theirs); err != nil {
		r.logger.Error("merge peer metadata", "peer", p.id, "doc", f.DocID, "error", err)
		r.toFrontend.Push(errorMsg{DocID: f.DocID, Err: err})
		return
	}
	ours, _, err := r.meta.get(r.ctx, f.DocID)
	if err != nil {
		return
	}

	for _, actorID := range ours.Actors() {
		a, err := r.openActor(actorID)
		if err != nil {
			r.logger.Error("open actor for peer", "peer", p.id, "actor", actorID, "error", err)
			continue
		}
		p.want(a)
	}

	// addMetadata already broadcast a changed clock.
	if before.Equal(ours) && (!p.sentMeta[f.DocID] || !ours.Equal(theirs)) {
		p.sendMetadata(f.DocID, ours)
	}
}

func (r *Repo) onBlocks(p *peer, m peerMsg, f blocksFrame) {
	actorID, ok := r.byDiscovery[f.DiscoveryKey]
	if !ok {
		r.logger.Debug("ignoring blocks for unknown actor", "peer", p.id)
		return
	}
	a := r.actors[actorID]
	if f.Start < 0 {
		r.malformed(m, errors.New("negative start index"))
		return
	}
	if a.writable() {
		// Only this repo authors records for its writable actors.
		r.malformed(m, fmt.Errorf("blocks for locally written actor %s", actorID))
		return
	}

	before := a.log.Length()
	for i, data := range f.Records {
		idx := f.Start + int64(i)
		c, err := ir.DecodeChange(data)
		if err == nil && (c.Actor != actorID || c.Seq != idx+1) {
			err = fmt.Errorf("record %d claims %s:%d", idx, c.Actor, c.Seq)
		}
		if err == nil && idx < a.log.Length() {
			err = sameRecord(a.log, idx, c)
		}
		if err != nil {
			r.malformed(m, err)
			break
		}
		if err := a.log.Put(idx, data); err != nil {
			if errors.Is(err, feed.ErrGap) {
				r.logger.Debug("record gap, asking again", "peer", p.id, "actor", actorID, "index", idx)
				p.send(SubjectWant, wantFrame{DiscoveryKey: f.DiscoveryKey, From: a.log.Length()})
				break
			}
			lerr := newLogError("", actorID, "store record", err)
			r.logger.Error("store record failed", "peer", p.id, "actor", actorID, "index", idx, "error", err)
			for _, docID := range r.meta.referencing(actorID) {
				r.toFrontend.Push(errorMsg{DocID: docID, Err: &Error{
					Code: lerr.Code, Message: lerr.Message, DocID: docID, ActorID: actorID, Err: err,
				}})
			}
			break
		}
	}

	after := a.log.Length()
	if after == before {
		return
	}
	for _, docID := range r.meta.referencing(actorID) {
		if _, open := r.docs[docID]; !open {
			continue
		}
		for idx := before; idx < after; idx++ {
			data, err := a.log.Get(idx)
			if err != nil {
				break
			}
			r.toFrontend.Push(progressMsg{DocID: docID, Progress: Progress{Actor: actorID, Index: idx, Size: len(data)}})
		}
	}
	r.syncActor(actorID)
}

// sameRecord reports an error when the record stored at idx differs from
// c. Encoding differences do not count.
func sameRecord(log feed.Log, idx int64, c ir.Change) error {
	data, err := log.Get(idx)
	if err != nil {
		return fmt.Errorf("read record %d: %w", idx, err)
	}
	stored, err := ir.DecodeChange(data)
	if err != nil {
		return fmt.Errorf("read record %d: %w", idx, err)
	}
	have, err := ir.ChangeHash(stored)
	if err != nil {
		return err
	}
	got, err := ir.ChangeHash(c)
	if err != nil {
		return err
	}
	if have != got {
		return fmt.Errorf("record %s:%d conflicts with stored record (have %s, got %s)", c.Actor, c.Seq, have[:12], got[:12])
	}
	return nil
}

func (r *Repo) broadcastMetadata(docID string) {
	if len(r.peers) == 0 {
		return
	}
	meta, known, err := r.meta.get(r.ctx, docID)
	if err != nil || !known {
		return
	}
	for _, id := range r.peerIDs() {
		r.announce(r.peers[id], docID, meta)
	}
}

// announce sends a document's metadata to p and asks p for every actor it
// names.
func (r *Repo) announce(p *peer, docID string, meta clock.Clock) {
	p.sendMetadata(docID, meta)
	for _, actorID := range meta.Actors() {
		a, err := r.openActor(actorID)
		if err != nil {
			r.logger.Error("open actor for peer", "peer", p.id, "actor", actorID, "error", err)
			continue
		}
		p.want(a)
	}
}

func (r *Repo) broadcastMessage(docID string, payload json.RawMessage) {
	for _, id := range r.peerIDs() {
		r.peers[id].send(SubjectMessage, messageFrame{DocID: docID, Payload: payload})
	}
}

func (r *Repo) peerIDs() []string {
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
