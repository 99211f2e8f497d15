package repo_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/hyperdoc/internal/ir"
	"github.com/roach88/hyperdoc/internal/repo"
	"github.com/roach88/hyperdoc/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startRepo runs a repo until the test ends.
func startRepo(t *testing.T, opts repo.Options) *repo.Repo {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	r := repo.New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		r.Stop()
		cancel()
		<-done
	})
	return r
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// connect joins two repos with an in-memory session pair.
func connect(t *testing.T, a, b *repo.Repo) {
	t.Helper()
	sa, sb := transport.Pipe(a.ID(), b.ID(), discardLogger())
	require.NoError(t, a.AddPeer(sa))
	require.NoError(t, b.AddPeer(sb))
}

func set(key string, value any) repo.EditFunc {
	return func(e *ir.Editor) error { return e.Set(key, value) }
}

// increment adds one to the integer at "n".
func increment(e *ir.Editor) error {
	var n int
	if raw, ok := e.Get("n"); ok {
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
	}
	return e.Set("n", n+1)
}

// stringAt returns the string at key, or "" if absent.
func stringAt(s repo.Snapshot, key string) string {
	var v string
	if raw, ok := s.Content[key]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v
}

// intAt returns the integer at key, or -1 if absent.
func intAt(s repo.Snapshot, key string) int {
	raw, ok := s.Content[key]
	if !ok {
		return -1
	}
	var v int
	_ = json.Unmarshal(raw, &v)
	return v
}

// recorder collects handle callbacks.
type recorder struct {
	mu       sync.Mutex
	states   []repo.Snapshot
	errs     []error
	progress []repo.Progress
	messages []json.RawMessage
}

func record(t *testing.T, h *repo.Handle) *recorder {
	t.Helper()
	rec := &recorder{}
	require.NoError(t, h.SubscribeError(func(err error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.errs = append(rec.errs, err)
	}))
	require.NoError(t, h.SubscribeProgress(func(p repo.Progress) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.progress = append(rec.progress, p)
	}))
	require.NoError(t, h.SubscribeMessage(func(m json.RawMessage) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.messages = append(rec.messages, m)
	}))
	require.NoError(t, h.Subscribe(func(s repo.Snapshot) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.states = append(rec.states, s)
	}))
	return rec
}

func (r *recorder) snapshots() []repo.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]repo.Snapshot(nil), r.states...)
}

func (r *recorder) last() (repo.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return repo.Snapshot{}, false
	}
	return r.states[len(r.states)-1], true
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) progressEvents() []repo.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]repo.Progress(nil), r.progress...)
}

func (r *recorder) received() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]json.RawMessage(nil), r.messages...)
}
