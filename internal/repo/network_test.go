package repo_test

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/feed"
	"github.com/roach88/hyperdoc/internal/ir"
	"github.com/roach88/hyperdoc/internal/repo"
	"github.com/roach88/hyperdoc/internal/testutil"
	"github.com/roach88/hyperdoc/internal/transport"
)

func TestNetwork_ReplicatesBothWays(t *testing.T) {
	ctx := testContext(t)
	alice := startRepo(t, repo.Options{ID: "alice"})
	bob := startRepo(t, repo.Options{ID: "bob"})

	docID, err := alice.Create(ctx)
	require.NoError(t, err)
	_, err = alice.Change(ctx, docID, set("title", "hello"))
	require.NoError(t, err)

	connect(t, alice, bob)

	h, err := bob.Open(docID)
	require.NoError(t, err)
	rec := record(t, h)
	require.Eventually(t, func() bool {
		s, ok := rec.last()
		return ok && stringAt(s, "title") == "hello"
	}, 2*time.Second, 10*time.Millisecond)

	progress := rec.progressEvents()
	require.NotEmpty(t, progress)
	assert.Equal(t, docID, progress[0].Actor)
	assert.Equal(t, int64(0), progress[0].Index)

	// Bob cannot write alice's actor, so his edit lands on a new one.
	snap, err := bob.Change(ctx, docID, set("reply", "hi"))
	require.NoError(t, err)
	assert.True(t, snap.Writable)

	require.Eventually(t, func() bool {
		s, err := alice.Doc(ctx, docID)
		return err == nil && stringAt(s, "reply") == "hi"
	}, 2*time.Second, 10*time.Millisecond)

	meta, err := alice.Metadata(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, meta, 2)
	for _, seq := range meta {
		assert.Equal(t, clock.Unbounded, seq)
	}

	peers, err := alice.Peers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, peers)
}

func TestNetwork_LiveEditsFlow(t *testing.T) {
	ctx := testContext(t)
	alice := startRepo(t, repo.Options{ID: "alice"})
	bob := startRepo(t, repo.Options{ID: "bob"})
	connect(t, alice, bob)

	docID, err := alice.Create(ctx)
	require.NoError(t, err)
	h, err := bob.Open(docID)
	require.NoError(t, err)
	rec := record(t, h)

	for i := 0; i < 5; i++ {
		_, err := alice.Change(ctx, docID, increment)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		s, ok := rec.last()
		return ok && intAt(s, "n") == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, mustLast(t, rec).Writable, "bob has not asked to write")
}

func mustLast(t *testing.T, rec *recorder) repo.Snapshot {
	t.Helper()
	s, ok := rec.last()
	require.True(t, ok)
	return s
}

func TestNetwork_EphemeralMessages(t *testing.T) {
	ctx := testContext(t)
	alice := startRepo(t, repo.Options{ID: "alice"})
	bob := startRepo(t, repo.Options{ID: "bob"})

	docID, err := alice.Create(ctx)
	require.NoError(t, err)
	connect(t, alice, bob)

	h, err := bob.Open(docID)
	require.NoError(t, err)
	rec := record(t, h)
	require.NoError(t, bob.Settle(ctx))
	require.NoError(t, alice.Settle(ctx))

	require.NoError(t, alice.Message(docID, map[string]int{"cursor": 3}))
	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"cursor":3}`, string(rec.received()[0]))
}

func TestNetwork_HeartbeatTimeoutDropsPeer(t *testing.T) {
	ctx := testContext(t)
	sched := testutil.NewManualScheduler(time.Unix(0, 0))
	r := startRepo(t, repo.Options{Scheduler: sched, HeartbeatInterval: time.Second, HeartbeatTimeoutFactor: 3})

	local, remote := transport.Pipe(r.ID(), "silent", discardLogger())
	var pings atomic.Int32
	remote.OnMessage(repo.SubjectPing, func([]byte) { pings.Add(1) })
	closed := make(chan struct{})
	remote.OnClose(func() { close(closed) })
	remote.Start()

	require.NoError(t, r.AddPeer(local))
	require.NoError(t, r.Settle(ctx))

	step := func(d time.Duration) {
		sched.Advance(d)
		require.NoError(t, r.Settle(ctx))
	}

	step(time.Second)
	step(time.Second)
	assert.Equal(t, int32(2), pings.Load())
	peers, err := r.Peers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"silent"}, peers)

	step(time.Second)
	peers, err = r.Peers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("session not closed after timeout")
	}
	assert.Equal(t, int32(2), pings.Load(), "no beats after the timeout")
}

func TestNetwork_InboundFramesKeepPeerAlive(t *testing.T) {
	ctx := testContext(t)
	sched := testutil.NewManualScheduler(time.Unix(0, 0))
	r := startRepo(t, repo.Options{Scheduler: sched, HeartbeatInterval: time.Second, HeartbeatTimeoutFactor: 3})

	local, remote := transport.Pipe(r.ID(), "chatty", discardLogger())
	remote.Start()
	require.NoError(t, r.AddPeer(local))
	require.NoError(t, r.Settle(ctx))

	step := func(d time.Duration) {
		sched.Advance(d)
		require.NoError(t, r.Settle(ctx))
	}
	connected := func() bool {
		peers, err := r.Peers(ctx)
		require.NoError(t, err)
		return len(peers) == 1
	}

	step(2 * time.Second)
	require.NoError(t, remote.Send(repo.SubjectPing, nil))
	require.NoError(t, r.Settle(ctx))

	step(2 * time.Second)
	assert.True(t, connected(), "timeout restarts from the last frame")

	step(time.Second)
	assert.False(t, connected())
}

func TestNetwork_MalformedFramesAreDropped(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})
	docID, err := r.Create(ctx)
	require.NoError(t, err)

	local, remote := transport.Pipe(r.ID(), "noisy", discardLogger())
	remote.Start()
	require.NoError(t, r.AddPeer(local))

	require.NoError(t, remote.Send(repo.SubjectMetadata, []byte("{not json")))
	bad, _ := json.Marshal(map[string]any{"doc_id": docID, "actors": []string{"nope:x"}})
	require.NoError(t, remote.Send(repo.SubjectMetadata, bad))
	badActor, _ := json.Marshal(map[string]any{"doc_id": docID, "actors": []string{"0OIl"}})
	require.NoError(t, remote.Send(repo.SubjectMetadata, badActor))
	require.NoError(t, remote.Send(repo.SubjectBlocks, []byte(`[1,2]`)))
	require.NoError(t, remote.Send(repo.SubjectWant, []byte(`{"from":-1}`)))
	require.NoError(t, r.Settle(ctx))

	meta, err := r.Metadata(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, clock.Clock{docID: clock.Unbounded}, meta)

	peers, err := r.Peers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"noisy"}, peers, "a malformed frame does not cost the connection")

	kp, err := feed.NewKeyPair()
	require.NoError(t, err)
	good, _ := json.Marshal(map[string]any{"doc_id": docID, "actors": []string{docID, kp.ID() + ":4"}})
	require.NoError(t, remote.Send(repo.SubjectMetadata, good))
	require.NoError(t, r.Settle(ctx))

	meta, err = r.Metadata(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), meta[kp.ID()])
}

// sendBlocks delivers a blocks frame for actorID from a raw session.
func sendBlocks(t *testing.T, s transport.Session, actorID string, start int64, records ...ir.Change) {
	t.Helper()
	pub, err := feed.ParseID(actorID)
	require.NoError(t, err)
	encoded := make([][]byte, 0, len(records))
	for _, c := range records {
		data, err := ir.EncodeChange(c)
		require.NoError(t, err)
		encoded = append(encoded, data)
	}
	frame, err := json.Marshal(map[string]any{
		"discovery_key": feed.DiscoveryKey(pub),
		"start":         start,
		"records":       encoded,
	})
	require.NoError(t, err)
	require.NoError(t, s.Send(repo.SubjectBlocks, frame))
}

func setRecord(actorID string, seq int64, deps clock.Clock, key, value string) ir.Change {
	return ir.Change{
		Actor: actorID, Seq: seq, StartOp: seq, Deps: deps,
		Ops: []ir.Op{{Action: ir.ActionSet, Key: key, Value: json.RawMessage(`"` + value + `"`)}},
	}
}

func TestNetwork_ConflictingRecordIsRejected(t *testing.T) {
	ctx := testContext(t)
	alice := startRepo(t, repo.Options{ID: "alice"})
	bob := startRepo(t, repo.Options{ID: "bob"})

	docID, err := alice.Create(ctx)
	require.NoError(t, err)
	_, err = alice.Change(ctx, docID, set("k", "original"))
	require.NoError(t, err)

	connect(t, alice, bob)
	h, err := bob.Open(docID)
	require.NoError(t, err)
	rec := record(t, h)
	require.Eventually(t, func() bool {
		s, ok := rec.last()
		return ok && stringAt(s, "k") == "original"
	}, 2*time.Second, 10*time.Millisecond)

	local, remote := transport.Pipe(bob.ID(), "forger", discardLogger())
	remote.Start()
	require.NoError(t, bob.AddPeer(local))

	sendBlocks(t, remote, docID, 0, setRecord(docID, 1, nil, "k", "forged"))
	require.NoError(t, bob.Settle(ctx))

	snap, err := bob.Doc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "original", stringAt(snap, "k"))
	peers, err := bob.Peers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "forger"}, peers)
}

func TestNetwork_BlocksForLocalWriterAreRejected(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})
	docID, err := r.Create(ctx)
	require.NoError(t, err)
	_, err = r.Change(ctx, docID, set("k", "original"))
	require.NoError(t, err)

	local, remote := transport.Pipe(r.ID(), "forger", discardLogger())
	remote.Start()
	require.NoError(t, r.AddPeer(local))

	sendBlocks(t, remote, docID, 1, setRecord(docID, 2, nil, "k", "injected"))
	require.NoError(t, r.Settle(ctx))

	snap, err := r.Doc(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "original", stringAt(snap, "k"))

	actors, err := r.Actors(ctx, docID)
	require.NoError(t, err)
	require.Len(t, actors, 1)
	assert.True(t, actors[0].Writable)
	assert.Equal(t, int64(1), actors[0].Length)
	assert.Equal(t, int64(1), actors[0].Applied)

	// The log still accepts the next local edit at the expected sequence.
	snap, err = r.Change(ctx, docID, set("k", "next"))
	require.NoError(t, err)
	assert.Equal(t, "next", stringAt(snap, "k"))
	assert.Equal(t, clock.Clock{docID: 2}, snap.Clock)
}

func TestNetwork_ReplacedSessionIsIgnored(t *testing.T) {
	ctx := testContext(t)
	r := startRepo(t, repo.Options{})

	first, firstRemote := transport.Pipe(r.ID(), "peer", discardLogger())
	firstRemote.Start()
	require.NoError(t, r.AddPeer(first))
	second, secondRemote := transport.Pipe(r.ID(), "peer", discardLogger())
	secondRemote.Start()
	require.NoError(t, r.AddPeer(second))
	require.NoError(t, r.Settle(ctx))

	assert.ErrorIs(t, firstRemote.Send(repo.SubjectPing, nil), transport.ErrClosed)
	peers, err := r.Peers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"peer"}, peers)
}
