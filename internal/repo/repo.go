package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/engine"
	"github.com/roach88/hyperdoc/internal/feed"
	"github.com/roach88/hyperdoc/internal/heartbeat"
	"github.com/roach88/hyperdoc/internal/ir"
	"github.com/roach88/hyperdoc/internal/merge"
	"github.com/roach88/hyperdoc/internal/queue"
)

// DefaultHeartbeatInterval is the peer beat period when none is configured.
const DefaultHeartbeatInterval = 5 * time.Second

// Options configures a Repo. Zero values select in-memory defaults.
type Options struct {
	// ID identifies this repo to peers. Default: a new UUIDv7.
	ID string
	// Feeds stores actor logs. Default: feed.NewMemoryStore().
	Feeds feed.Store
	// Metadata stores document metadata. Default: NewMemoryMetadata().
	Metadata MetadataStore
	// Merge is the merge engine. Default: merge.NewLWW().
	Merge merge.Engine
	// Scheduler arms heartbeat timers. Default: engine.WallScheduler{}.
	Scheduler engine.Scheduler
	// HeartbeatInterval is the peer beat period.
	HeartbeatInterval time.Duration
	// HeartbeatTimeoutFactor is the number of silent intervals before a
	// peer is dropped.
	HeartbeatTimeoutFactor int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Repo is the registry of documents, actors and peers.
//
// Every piece of repo state is owned by one engine goroutine (see Run).
// Document front ends and back ends talk only through two queues, so a
// back end never observes a front end mid-update and vice versa.
//
// Thread-safety: exported methods are safe from any goroutine.
type Repo struct {
	id        string
	logger    *slog.Logger
	engine    *engine.Engine
	timers    engine.Scheduler
	merge     merge.Engine
	feeds     feed.Store
	meta      *metadataIndex
	clocks    *clock.ClockSet
	hbPeriod  time.Duration
	hbFactor  int
	ctx       context.Context
	handleSeq atomic.Int64
	// loading counts document loads reading logs off the engine goroutine.
	loading atomic.Int64

	toBackend  *queue.Queue[backendMsg]
	toFrontend *queue.Queue[frontendMsg]

	// Back end state.
	backends    map[string]*DocBackend
	actors      map[string]*actor
	byDiscovery map[string]string
	peers       map[string]*peer

	// Front end state.
	docs map[string]*Document
}

// New creates a repo. Call Run to start processing.
func New(opts Options) *Repo {
	if opts.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			opts.ID = id.String()
		} else {
			opts.ID = uuid.NewString()
		}
	}
	if opts.Feeds == nil {
		opts.Feeds = feed.NewMemoryStore()
	}
	if opts.Metadata == nil {
		opts.Metadata = NewMemoryMetadata()
	}
	if opts.Merge == nil {
		opts.Merge = merge.NewLWW()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = engine.WallScheduler{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeoutFactor <= 0 {
		opts.HeartbeatTimeoutFactor = heartbeat.DefaultTimeoutFactor
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("repo", opts.ID)

	eng := engine.New(engine.WithLogger(logger))
	r := &Repo{
		id:          opts.ID,
		logger:      logger,
		engine:      eng,
		timers:      eng.Timers(opts.Scheduler),
		merge:       opts.Merge,
		feeds:       opts.Feeds,
		meta:        newMetadataIndex(opts.Metadata),
		clocks:      clock.NewClockSet(),
		hbPeriod:    opts.HeartbeatInterval,
		hbFactor:    opts.HeartbeatTimeoutFactor,
		ctx:         context.Background(),
		toBackend:   queue.New[backendMsg]("to-backend"),
		toFrontend:  queue.New[frontendMsg]("to-frontend"),
		backends:    make(map[string]*DocBackend),
		actors:      make(map[string]*actor),
		byDiscovery: make(map[string]string),
		peers:       make(map[string]*peer),
		docs:        make(map[string]*Document),
	}
	// Fresh queues always accept their first subscriber.
	_ = r.toBackend.Subscribe(r.handleBackend)
	_ = r.toFrontend.Subscribe(r.handleFrontend)
	return r
}

// ID returns the repo id announced to peers.
func (r *Repo) ID() string {
	return r.id
}

// ClockSet returns the applied-progress index shared by all documents.
func (r *Repo) ClockSet() *clock.ClockSet {
	return r.clocks
}

// Run processes repo work on the calling goroutine until ctx is cancelled
// or Stop is called.
func (r *Repo) Run(ctx context.Context) error {
	r.logger.Info("repo starting")
	err := r.engine.Run(ctx)
	r.logger.Info("repo stopped")
	return err
}

// Stop disconnects every peer and stops the engine.
func (r *Repo) Stop() {
	r.engine.Do(func() {
		for _, p := range r.peers {
			p.heartbeat.Stop()
			p.session.Close()
		}
		r.peers = make(map[string]*peer)
	})
	r.engine.Stop()
}

// settlePoll is how often Settle rechecks for loads still reading logs.
const settlePoll = time.Millisecond

// Settle waits until no repo work is queued and no document load is in
// flight.
func (r *Repo) Settle(ctx context.Context) error {
	for {
		if err := r.engine.Settle(ctx); err != nil {
			return err
		}
		// A load queues its result before it stops counting, so a zero
		// count with an empty queue means nothing is left to arrive.
		if r.loading.Load() == 0 && r.engine.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settlePoll):
		}
	}
}

// Create allocates a new document with a fresh root actor and returns its
// id. The document is not opened.
func (r *Repo) Create(ctx context.Context) (string, error) {
	var docID string
	var err error
	if callErr := r.engine.Call(ctx, func() { docID, err = r.create() }); callErr != nil {
		return "", callErr
	}
	return docID, err
}

func (r *Repo) create() (string, error) {
	actorID, err := r.allocateActor("")
	if err != nil {
		return "", err
	}
	if err := r.addMetadata(actorID, clock.Clock{actorID: clock.Unbounded}); err != nil {
		return "", err
	}
	r.logger.Info("document created", "doc", actorID)
	return actorID, nil
}

// Open returns a handle on a document, loading it if needed. url may be a
// document URL or a bare id.
func (r *Repo) Open(url string) (*Handle, error) {
	h, err := r.newHandle(url)
	if err != nil {
		return nil, err
	}
	return h, r.attach(h)
}

func (r *Repo) newHandle(url string) (*Handle, error) {
	docID, err := ir.ParseDocURL(url)
	if err != nil {
		return nil, err
	}
	return &Handle{id: r.handleSeq.Add(1), docID: docID, repo: r}, nil
}

// attach registers h with its document. Subscriptions set before attach
// see every event from the first load onward.
func (r *Repo) attach(h *Handle) error {
	if !r.engine.Do(func() { r.front(h.docID).handles[h.id] = h }) {
		return fmt.Errorf("open %s: %w", h.docID, engine.ErrStopped)
	}
	return nil
}

// firstError subscribes a buffered channel to h's error slot.
func firstError(h *Handle) (<-chan error, error) {
	failures := make(chan error, 1)
	err := h.SubscribeError(func(err error) {
		select {
		case failures <- err:
		default:
		}
	})
	return failures, err
}

// Doc returns the next available state of a document.
func (r *Repo) Doc(ctx context.Context, url string) (Snapshot, error) {
	h, err := r.newHandle(url)
	if err != nil {
		return Snapshot{}, err
	}
	defer h.Close()

	failures, err := firstError(h)
	if err != nil {
		return Snapshot{}, err
	}
	states := make(chan Snapshot, 1)
	if err := h.Once(func(s Snapshot) { states <- s }); err != nil {
		return Snapshot{}, err
	}
	if err := r.attach(h); err != nil {
		return Snapshot{}, err
	}

	select {
	case s := <-states:
		return s, nil
	case err := <-failures:
		return Snapshot{}, err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// changePoll is how often Change checks whether its edit was confirmed.
const changePoll = 5 * time.Millisecond

// Change opens a document, applies fn once it is writable and waits until
// the back end has confirmed every pending edit.
func (r *Repo) Change(ctx context.Context, url string, fn EditFunc) (Snapshot, error) {
	h, err := r.newHandle(url)
	if err != nil {
		return Snapshot{}, err
	}
	defer h.Close()

	failures, err := firstError(h)
	if err != nil {
		return Snapshot{}, err
	}
	if err := r.attach(h); err != nil {
		return Snapshot{}, err
	}
	if err := h.Change(fn); err != nil {
		return Snapshot{}, err
	}

	ticker := time.NewTicker(changePoll)
	defer ticker.Stop()
	for {
		var snap Snapshot
		var done bool
		if err := r.engine.Call(ctx, func() {
			d, ok := r.docs[h.docID]
			if ok && d.Mode() == ModeWrite && len(d.pending) == 0 && d.changeQ.Len() == 0 {
				snap, done = d.snapshot(), true
			}
		}); err != nil {
			return Snapshot{}, err
		}
		select {
		case err := <-failures:
			return Snapshot{}, err
		default:
		}
		if done {
			return snap, nil
		}

		select {
		case err := <-failures:
			return Snapshot{}, err
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Fork creates a new document holding the current state of source.
func (r *Repo) Fork(ctx context.Context, source string) (string, error) {
	srcID, err := ir.ParseDocURL(source)
	if err != nil {
		return "", err
	}
	var docID string
	callErr := r.engine.Call(ctx, func() {
		var src clock.Clock
		if src, err = r.sourceClock(srcID); err != nil {
			return
		}
		if docID, err = r.create(); err != nil {
			return
		}
		err = r.addMetadata(docID, src)
	})
	if callErr != nil {
		return "", callErr
	}
	if err != nil {
		return "", err
	}
	r.logger.Info("document forked", "source", srcID, "doc", docID)
	return docID, nil
}

// Merge brings everything source currently contains into target.
func (r *Repo) Merge(ctx context.Context, target, source string) error {
	targetID, err := ir.ParseDocURL(target)
	if err != nil {
		return err
	}
	srcID, err := ir.ParseDocURL(source)
	if err != nil {
		return err
	}
	callErr := r.engine.Call(ctx, func() {
		var src clock.Clock
		if src, err = r.sourceClock(srcID); err != nil {
			return
		}
		err = r.addMetadata(targetID, src)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// sourceClock returns the bounded clock describing a document's current
// content: its applied clock when open, else its metadata bounded by local
// log lengths.
func (r *Repo) sourceClock(docID string) (clock.Clock, error) {
	if b, ok := r.backends[docID]; ok && b.Ready() {
		return b.Clock(), nil
	}
	meta, known, err := r.meta.get(r.ctx, docID)
	if err != nil {
		return nil, newLogError(docID, "", "read metadata", err)
	}
	if !known {
		return nil, &Error{Code: ErrCodeUnknownDocument, Message: "no metadata", DocID: docID}
	}
	lengths := make(map[string]int64, len(meta))
	for actorID := range meta {
		a, err := r.openActor(actorID)
		if err != nil {
			return nil, err
		}
		lengths[actorID] = a.log.Length()
	}
	return meta.Bound(lengths), nil
}

// Close releases a document: observers detach and in-memory state is
// dropped. Its logs persist and keep replicating.
func (r *Repo) Close(url string) error {
	docID, err := ir.ParseDocURL(url)
	if err != nil {
		return err
	}
	r.engine.Do(func() {
		d, ok := r.docs[docID]
		if !ok {
			return
		}
		d.release()
		delete(r.docs, docID)
		r.toBackend.Push(closeMsg{DocID: docID})
	})
	return nil
}

// Message sends an ephemeral payload about a document to every peer.
func (r *Repo) Message(url string, payload any) error {
	docID, err := ir.ParseDocURL(url)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("message %s: %w", docID, err)
	}
	if !r.engine.Do(func() { r.broadcastMessage(docID, data) }) {
		return fmt.Errorf("message %s: %w", docID, engine.ErrStopped)
	}
	return nil
}

// Metadata returns the contributing actors of a document.
func (r *Repo) Metadata(ctx context.Context, url string) (clock.Clock, error) {
	docID, err := ir.ParseDocURL(url)
	if err != nil {
		return nil, err
	}
	var meta clock.Clock
	callErr := r.engine.Call(ctx, func() {
		var known bool
		meta, known, err = r.meta.get(r.ctx, docID)
		if err == nil && !known {
			err = &Error{Code: ErrCodeUnknownDocument, Message: "no metadata", DocID: docID}
		}
	})
	if callErr != nil {
		return nil, callErr
	}
	return meta, err
}

// Documents lists every document with stored metadata.
func (r *Repo) Documents(ctx context.Context) ([]string, error) {
	return r.meta.store.Documents(ctx)
}

// ActorInfo describes one actor of a document.
type ActorInfo struct {
	ID       string `json:"id"`
	Writable bool   `json:"writable"`
	Length   int64  `json:"length"`
	Bound    string `json:"bound"`
	Applied  int64  `json:"applied"`
}

// Actors describes every actor named in a document's metadata.
func (r *Repo) Actors(ctx context.Context, url string) ([]ActorInfo, error) {
	meta, err := r.Metadata(ctx, url)
	if err != nil {
		return nil, err
	}
	docID, _ := ir.ParseDocURL(url)

	var out []ActorInfo
	callErr := r.engine.Call(ctx, func() {
		for _, actorID := range meta.Actors() {
			a, openErr := r.openActor(actorID)
			if openErr != nil {
				err = openErr
				return
			}
			bound := "unbounded"
			if meta[actorID] != clock.Unbounded {
				bound = fmt.Sprint(meta[actorID])
			}
			out = append(out, ActorInfo{
				ID:       actorID,
				Writable: a.writable(),
				Length:   a.log.Length(),
				Bound:    bound,
				Applied:  r.clocks.Seq(docID, actorID),
			})
		}
	})
	if callErr != nil {
		return nil, callErr
	}
	return out, err
}

// front returns the front end for docID, creating it and asking the back
// end to load the document on first use.
func (r *Repo) front(docID string) *Document {
	if d, ok := r.docs[docID]; ok {
		return d
	}
	d := newDocument(docID, r)
	r.docs[docID] = d
	r.toBackend.Push(openMsg{DocID: docID})
	return d
}

func (r *Repo) replayState(h *Handle) {
	if !h.wantsReplay() {
		return
	}
	d, ok := r.docs[h.docID]
	if !ok || d.Mode() == ModePending {
		return
	}
	h.pushState(d.snapshot())
}

func (r *Repo) detachHandle(h *Handle) {
	if d, ok := r.docs[h.docID]; ok {
		delete(d.handles, h.id)
	}
}

// addMetadata merges entries into a document's metadata. When something
// changed, peers are told and an open back end is fed the new actors.
func (r *Repo) addMetadata(docID string, add clock.Clock) error {
	changed, err := r.meta.merge(r.ctx, docID, add)
	if err != nil {
		return newLogError(docID, "", "write metadata", err)
	}
	if !changed {
		return nil
	}
	b, open := r.backends[docID]
	for _, actorID := range add.Actors() {
		a, err := r.openActor(actorID)
		if err != nil {
			return err
		}
		if open {
			r.feedDoc(b, a)
		}
	}
	r.broadcastMetadata(docID)
	return nil
}

// handleBackend is the single consumer of toBackend.
func (r *Repo) handleBackend(msg backendMsg) {
	switch m := msg.(type) {
	case openMsg:
		r.openBackend(m.DocID)
	case needsActorIDMsg:
		if b, ok := r.backends[m.DocID]; ok {
			b.requestActor()
		}
	case requestMsg:
		if b, ok := r.backends[m.DocID]; ok {
			b.localQ.Push(localRequest{reqID: m.ReqID, change: m.Change})
		}
	case closeMsg:
		if b, ok := r.backends[m.DocID]; ok {
			b.release()
			delete(r.backends, m.DocID)
			r.logger.Info("document closed", "doc", m.DocID)
		}
	case loadedMsg:
		r.finishLoad(m)
	case syncMsg:
		r.syncActor(m.ActorID)
	case peerMsg:
		r.handlePeerMessage(m)
	case peerClosedMsg:
		r.removePeer(m.PeerID, m.SessionID, "closed")
	case peerTimeoutMsg:
		r.peerTimedOut(m)
	default:
		r.logger.Error("unknown backend message", "type", fmt.Sprintf("%T", msg))
	}
}

// handleFrontend is the single consumer of toFrontend.
func (r *Repo) handleFrontend(msg frontendMsg) {
	var docID string
	switch m := msg.(type) {
	case readyMsg:
		docID = m.DocID
	case actorIDMsg:
		docID = m.DocID
	case patchMsg:
		docID = m.DocID
	case errorMsg:
		docID = m.DocID
	case progressMsg:
		docID = m.DocID
	case documentMsg:
		docID = m.DocID
	}
	d, ok := r.docs[docID]
	if !ok {
		if m, isErr := msg.(errorMsg); isErr {
			r.logger.Warn("error for closed document", "doc", docID, "error", m.Err)
		}
		return
	}

	switch m := msg.(type) {
	case readyMsg:
		d.onReady(m)
	case actorIDMsg:
		d.setActorID(m.ActorID)
	case patchMsg:
		d.onPatch(m)
	case errorMsg:
		if m.ActorRequest {
			d.actorRequestFailed()
		}
		d.fail(m.ReqID, m.Err)
	case progressMsg:
		d.onProgress(m.Progress)
	case documentMsg:
		d.onMessage(m.Payload)
	}
}

// openBackend creates the back end and loads its records off the engine
// goroutine.
func (r *Repo) openBackend(docID string) {
	if _, ok := r.backends[docID]; ok {
		return
	}
	fail := func(err error) {
		r.logger.Warn("document failed to open", "doc", docID, "error", err)
		r.toFrontend.Push(errorMsg{DocID: docID, Err: err})
	}

	if _, err := feed.ParseID(docID); err != nil {
		fail(&Error{Code: ErrCodeUnknownDocument, Message: "invalid document id", DocID: docID, Err: err})
		return
	}
	meta, known, err := r.meta.get(r.ctx, docID)
	if err != nil {
		fail(newLogError(docID, "", "read metadata", err))
		return
	}
	if !known {
		meta = clock.Clock{docID: clock.Unbounded}
		if _, err := r.meta.merge(r.ctx, docID, meta); err != nil {
			fail(newLogError(docID, "", "write metadata", err))
			return
		}
	}

	b := newDocBackend(docID, r)
	r.backends[docID] = b

	type source struct {
		log   feed.Log
		limit int64
	}
	var sources []source
	for _, actorID := range meta.Actors() {
		a, err := r.openActor(actorID)
		if err != nil {
			var re *Error
			if errors.As(err, &re) {
				re.DocID = docID
			}
			fail(err)
			return
		}
		sources = append(sources, source{log: a.log, limit: meta[actorID]})
	}

	r.loading.Add(1)
	go func() {
		defer r.loading.Add(-1)
		msg := loadedMsg{DocID: docID, Fed: clock.Clock{}}
		for _, s := range sources {
			changes, err := readChanges(s.log, 0, s.limit)
			if err != nil {
				msg.Err = newLogError(docID, s.log.ID(), "read log", err)
				break
			}
			msg.Changes = append(msg.Changes, changes...)
			if n := int64(len(changes)); n > 0 {
				msg.Fed[s.log.ID()] = n
			}
		}
		r.engine.Do(func() { r.toBackend.Push(msg) })
	}()

	r.broadcastMetadata(docID)
}

func (r *Repo) finishLoad(m loadedMsg) {
	b, ok := r.backends[m.DocID]
	if !ok || b.Ready() {
		return
	}
	if m.Err != nil {
		b.logger.Error("document load failed", "error", m.Err)
		r.toFrontend.Push(errorMsg{DocID: m.DocID, Err: m.Err})
		return
	}

	b.fed.Merge(m.Fed)
	meta, _, err := r.meta.get(r.ctx, m.DocID)
	if err != nil {
		r.toFrontend.Push(errorMsg{DocID: m.DocID, Err: newLogError(m.DocID, "", "read metadata", err)})
		return
	}
	if err := b.init(m.Changes, r.promote(m.DocID, meta)); err != nil {
		r.toFrontend.Push(errorMsg{DocID: m.DocID, Err: err})
		return
	}

	// Records may have landed while the load was in flight.
	for _, actorID := range meta.Actors() {
		if a, ok := r.actors[actorID]; ok {
			r.feedDoc(b, a)
		}
	}
}

// feedDoc pushes records of a that b's metadata admits and b has not seen.
func (r *Repo) feedDoc(b *DocBackend, a *actor) {
	meta, _, err := r.meta.get(r.ctx, b.id)
	if err != nil {
		return
	}
	bound, ok := meta[a.id]
	if !ok {
		return
	}
	limit := min(bound, a.log.Length())
	from := max(b.fed[a.id], r.clocks.Seq(b.id, a.id))
	if limit <= from {
		return
	}
	changes, err := readChanges(a.log, from, limit)
	if err != nil {
		r.toFrontend.Push(errorMsg{DocID: b.id, Err: newLogError(b.id, a.id, "read log", err)})
		return
	}
	b.feed(changes)
}

// syncActor replicates new records of an actor to peers and feeds them to
// every open document that references it.
func (r *Repo) syncActor(actorID string) {
	a, ok := r.actors[actorID]
	if !ok {
		return
	}
	for _, p := range r.peers {
		p.replicate(a)
	}
	for _, docID := range r.meta.referencing(actorID) {
		if b, ok := r.backends[docID]; ok {
			r.feedDoc(b, a)
		}
	}
}
