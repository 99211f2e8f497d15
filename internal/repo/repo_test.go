package repo_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/feed"
	"github.com/roach88/hyperdoc/internal/ir"
	"github.com/roach88/hyperdoc/internal/repo"
	"github.com/roach88/hyperdoc/internal/store"
)

func TestRepo_CreateChangeAndRead(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})

	docID, err := r.Create(ctx)
	require.NoError(t, err)
	_, err = feed.ParseID(docID)
	require.NoError(t, err, "document id is the root actor id")

	snap, err := r.Change(ctx, ir.DocURL(docID), set("title", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", stringAt(snap, "title"))
	assert.True(t, snap.Writable)
	assert.Equal(t, clock.Clock{docID: 1}, snap.Clock)

	got, err := r.Doc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stringAt(got, "title"))

	meta, err := r.Metadata(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, clock.Clock{docID: clock.Unbounded}, meta)
	assert.Equal(t, int64(1), r.ClockSet().Seq(docID, docID))
}

func TestRepo_EditsBeforeReadyApplyInOrder(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})

	docID, err := r.Create(ctx)
	require.NoError(t, err)

	h, err := r.Open(docID)
	require.NoError(t, err)
	rec := record(t, h)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Change(increment))
	}

	require.Eventually(t, func() bool {
		s, ok := rec.last()
		return ok && intAt(s, "n") == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Settle(ctx))

	// One state for the load, then exactly one per edit. Confirmations
	// that change nothing stay silent.
	var seen []int
	for _, s := range rec.snapshots() {
		seen = append(seen, intAt(s, "n"))
	}
	assert.Equal(t, []int{-1, 1, 2, 3}, seen)

	actors, err := r.Actors(ctx, docID)
	require.NoError(t, err)
	require.Len(t, actors, 1)
	assert.Equal(t, int64(3), actors[0].Length)
	assert.Equal(t, int64(3), actors[0].Applied)
}

func TestRepo_SubscribeSlotsAcceptOneSubscriber(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})
	docID, err := r.Create(ctx)
	require.NoError(t, err)

	h, err := r.Open(docID)
	require.NoError(t, err)
	require.NoError(t, h.Subscribe(func(repo.Snapshot) {}))
	assert.ErrorIs(t, h.Subscribe(func(repo.Snapshot) {}), repo.ErrAlreadySubscribed)
	assert.ErrorIs(t, h.Once(func(repo.Snapshot) {}), repo.ErrAlreadySubscribed)

	require.NoError(t, h.SubscribeError(func(error) {}))
	assert.ErrorIs(t, h.SubscribeError(func(error) {}), repo.ErrAlreadySubscribed)

	other, err := r.Open(docID)
	require.NoError(t, err)
	assert.NoError(t, other.Subscribe(func(repo.Snapshot) {}), "each handle has its own slots")

	h.Close()
	assert.ErrorIs(t, h.Change(increment), repo.ErrHandleClosed)
	assert.ErrorIs(t, h.Subscribe(func(repo.Snapshot) {}), repo.ErrHandleClosed)
}

func TestRepo_OnceDeliversCurrentStateOnce(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})
	docID, err := r.Create(ctx)
	require.NoError(t, err)
	_, err = r.Change(ctx, docID, set("k", "v"))
	require.NoError(t, err)

	h, err := r.Open(docID)
	require.NoError(t, err)
	var calls atomic.Int32
	require.NoError(t, h.Once(func(s repo.Snapshot) {
		calls.Add(1)
		assert.Equal(t, "v", stringAt(s, "k"))
	}))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Change(set("k", "w")))
	require.NoError(t, r.Settle(ctx))
	assert.Equal(t, int32(1), calls.Load())

	// The slot frees up after delivery.
	assert.NoError(t, h.Subscribe(func(repo.Snapshot) {}))
}

func TestRepo_UnknownDocument(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})

	_, err := r.Doc(ctx, "not-a-key")
	require.Error(t, err)
	assert.True(t, repo.IsCode(err, repo.ErrCodeUnknownDocument), "got %v", err)

	_, err = r.Metadata(ctx, "not-a-key")
	assert.True(t, repo.IsCode(err, repo.ErrCodeUnknownDocument))

	_, err = r.Open("hypermerge:/a/b")
	assert.Error(t, err)
}

func TestRepo_RejectedEditReportsAndRollsBack(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})
	docID, err := r.Create(ctx)
	require.NoError(t, err)

	_, err = r.Change(ctx, docID, func(e *ir.Editor) error {
		if err := e.Set("partial", 1); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.True(t, repo.IsCode(err, repo.ErrCodeInvalidChange))

	snap, err := r.Doc(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, snap.Content)
}

func TestRepo_NestedNullIsRejected(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})
	docID, err := r.Create(ctx)
	require.NoError(t, err)

	h, err := r.Open(docID)
	require.NoError(t, err)
	rec := record(t, h)

	_, err = r.Change(ctx, docID, set("a", map[string]any{"x": nil, "y": 1}))
	require.Error(t, err)
	assert.True(t, repo.IsCode(err, repo.ErrCodeInvalidChange))

	_, err = r.Change(ctx, docID, set("a", map[string]any{"x": 1, "y": map[string]any{"z": 2}}))
	require.NoError(t, err)
	snap, err := r.Change(ctx, docID, set("a", map[string]any{"y": 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"y":1}`, string(snap.Content["a"]))
	require.NoError(t, r.Settle(ctx))

	// One state for the load and one per accepted edit, each matching the
	// stored document.
	states := rec.snapshots()
	require.Len(t, states, 3)
	assert.NotContains(t, states[0].Content, "a")
	assert.JSONEq(t, `{"x":1,"y":{"z":2}}`, string(states[1].Content["a"]))
	assert.JSONEq(t, `{"y":1}`, string(states[2].Content["a"]))

	got, err := r.Doc(ctx, docID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"y":1}`, string(got.Content["a"]))
}

func TestRepo_ForkAndMerge(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})

	a, err := r.Create(ctx)
	require.NoError(t, err)
	_, err = r.Change(ctx, a, set("title", "draft"))
	require.NoError(t, err)

	b, err := r.Fork(ctx, a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	forked, err := r.Doc(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "draft", stringAt(forked, "title"))

	// Later edits to the source stay out of the fork.
	_, err = r.Change(ctx, a, set("title", "source-only"))
	require.NoError(t, err)
	_, err = r.Change(ctx, b, set("body", "from fork"))
	require.NoError(t, err)

	forked, err = r.Doc(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "draft", stringAt(forked, "title"))

	meta, err := r.Metadata(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta[a], "fork pins the source actor")
	assert.Equal(t, clock.Unbounded, meta[b])

	require.NoError(t, r.Merge(ctx, a, b))
	require.Eventually(t, func() bool {
		s, err := r.Doc(ctx, a)
		return err == nil && stringAt(s, "body") == "from fork"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRepo_CloseDetachesHandles(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})
	docID, err := r.Create(ctx)
	require.NoError(t, err)

	h, err := r.Open(docID)
	require.NoError(t, err)
	rec := record(t, h)
	require.Eventually(t, func() bool { return len(rec.snapshots()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Close(docID))
	require.NoError(t, r.Settle(ctx))
	assert.ErrorIs(t, h.Change(increment), repo.ErrHandleClosed)

	// Reopening loads the stored state again.
	_, err = r.Change(ctx, docID, set("k", "v"))
	require.NoError(t, err)
	assert.Len(t, rec.snapshots(), 1)
}

// flakyStore fails appends while fail is set, and the next failCreate
// log allocations.
type flakyStore struct {
	*feed.MemoryStore
	fail       atomic.Bool
	failCreate atomic.Int32
}

func (s *flakyStore) Create(kp feed.KeyPair) (feed.Log, error) {
	if s.failCreate.Add(-1) >= 0 {
		return nil, errors.New("disk full")
	}
	l, err := s.MemoryStore.Create(kp)
	if err != nil {
		return nil, err
	}
	return &flakyLog{Log: l, fail: &s.fail}, nil
}

func (s *flakyStore) Open(id string) (feed.Log, error) {
	l, err := s.MemoryStore.Open(id)
	if err != nil {
		return nil, err
	}
	return &flakyLog{Log: l, fail: &s.fail}, nil
}

type flakyLog struct {
	feed.Log
	fail *atomic.Bool
}

func (l *flakyLog) Append(data []byte) (int64, error) {
	if l.fail.Load() {
		return 0, errors.New("disk full")
	}
	return l.Log.Append(data)
}

func TestRepo_LogFailureStaysWithItsDocument(t *testing.T) {
	ctx := testContext(t)
	feeds := &flakyStore{MemoryStore: feed.NewMemoryStore()}
	r := startRepo(t, repo.Options{Feeds: feeds})

	failing, err := r.Create(ctx)
	require.NoError(t, err)
	healthy, err := r.Create(ctx)
	require.NoError(t, err)

	hf, err := r.Open(failing)
	require.NoError(t, err)
	recFailing := record(t, hf)
	hh, err := r.Open(healthy)
	require.NoError(t, err)
	recHealthy := record(t, hh)
	require.Eventually(t, func() bool {
		return len(recFailing.snapshots()) == 1 && len(recHealthy.snapshots()) == 1
	}, time.Second, 5*time.Millisecond)

	feeds.fail.Store(true)
	require.NoError(t, hf.Change(set("lost", true)))
	require.Eventually(t, func() bool { return len(recFailing.errors()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Settle(ctx))

	assert.True(t, repo.IsLogError(recFailing.errors()[0]))
	assert.Empty(t, recHealthy.errors())

	last, _ := recFailing.last()
	assert.Empty(t, last.Content, "the failed edit is rolled back")

	feeds.fail.Store(false)
	snap, err := r.Change(ctx, healthy, set("ok", true))
	require.NoError(t, err)
	assert.Contains(t, snap.Content, "ok")
}

func TestRepo_ReopenPromotesStoredWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperdoc.db")
	ctx := testContext(t)

	st, err := store.Open(path)
	require.NoError(t, err)
	r := repo.New(repo.Options{Feeds: st, Metadata: st, Logger: discardLogger()})
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(runCtx)
	}()

	docID, err := r.Create(ctx)
	require.NoError(t, err)
	_, err = r.Change(ctx, docID, set("title", "persisted"))
	require.NoError(t, err)

	r.Stop()
	<-done
	cancel()
	require.NoError(t, st.Close())

	st2, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st2.Close() })
	r2 := startRepo(t, repo.Options{Feeds: st2, Metadata: st2})

	snap, err := r2.Doc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", stringAt(snap, "title"))
	assert.True(t, snap.Writable, "the stored root actor is promoted")

	_, err = r2.Change(ctx, docID, set("title", "again"))
	require.NoError(t, err)

	actors, err := r2.Actors(ctx, docID)
	require.NoError(t, err)
	require.Len(t, actors, 1, "no new actor is allocated")
	assert.Equal(t, int64(2), actors[0].Length)

	docs, err := r2.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{docID}, docs)
}

func TestRepo_WriterRequestedAgainAfterFailedAllocation(t *testing.T) {
	ctx := testContext(t)
	feeds := &flakyStore{MemoryStore: feed.NewMemoryStore()}
	r := startRepo(t, repo.Options{Feeds: feeds})

	// A document known only by id is read-only until a writer is allocated.
	kp, err := feed.NewKeyPair()
	require.NoError(t, err)
	docID := kp.ID()

	feeds.failCreate.Store(1)
	_, err = r.Change(ctx, docID, set("a", 1))
	require.Error(t, err)
	assert.True(t, repo.IsLogError(err))

	snap, err := r.Change(ctx, docID, set("b", 2))
	require.NoError(t, err)
	assert.True(t, snap.Writable)
	assert.Equal(t, 2, intAt(snap, "b"))
	assert.NotContains(t, snap.Content, "a", "edits rejected with the failed allocation stay dropped")

	actors, err := r.Actors(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, actors, 2)
}

// gatedStore holds record reads until release is closed.
type gatedStore struct {
	*feed.MemoryStore
	release chan struct{}
}

func (s *gatedStore) Open(id string) (feed.Log, error) {
	l, err := s.MemoryStore.Open(id)
	if err != nil {
		return nil, err
	}
	return &gatedLog{Log: l, release: s.release}, nil
}

type gatedLog struct {
	feed.Log
	release chan struct{}
}

func (l *gatedLog) Get(index int64) ([]byte, error) {
	<-l.release
	return l.Log.Get(index)
}

func TestRepo_SettleWaitsForDocumentLoad(t *testing.T) {
	ctx := testContext(t)
	feeds := feed.NewMemoryStore()
	meta := repo.NewMemoryMetadata()

	writer := startRepo(t, repo.Options{Feeds: feeds, Metadata: meta})
	docID, err := writer.Create(ctx)
	require.NoError(t, err)
	_, err = writer.Change(ctx, docID, set("title", "stored"))
	require.NoError(t, err)

	release := make(chan struct{})
	r := startRepo(t, repo.Options{Feeds: &gatedStore{MemoryStore: feeds, release: release}, Metadata: meta})
	h, err := r.Open(docID)
	require.NoError(t, err)
	rec := record(t, h)

	settled := make(chan error, 1)
	go func() { settled <- r.Settle(ctx) }()
	select {
	case err := <-settled:
		t.Fatalf("Settle returned while the document was loading: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-settled)
	snap, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, "stored", stringAt(snap, "title"))
}
