package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/hyperdoc/internal/ir"
	"github.com/roach88/hyperdoc/internal/repo"
	"github.com/roach88/hyperdoc/internal/transport"
)

const (
	// quietRounds is how many consecutive identical fingerprints count as
	// converged.
	quietRounds = 3
	quietPause  = 10 * time.Millisecond
)

// Harness runs one scenario over fresh in-memory repos.
type Harness struct {
	order   []string
	repos   map[string]*repo.Repo
	links   map[[2]string]transport.Session
	aliases map[string]string
	opened  map[string]map[string]bool
	logger  *slog.Logger
	stops   []func()
}

// Run executes a scenario and returns the result. Execution errors (a step
// that fails) are returned as err; assertion failures land in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h := &Harness{
		repos:   make(map[string]*repo.Repo),
		links:   make(map[[2]string]transport.Session),
		aliases: make(map[string]string),
		opened:  make(map[string]map[string]bool),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	defer h.stop()

	for _, name := range scenario.Peers {
		h.start(name)
	}

	for i, step := range scenario.Flow {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	if err := h.quiesce(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	for _, name := range h.order {
		views, err := h.collect(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(views) > 0 {
			result.Peers[name] = views
		}
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) start(name string) {
	r := repo.New(repo.Options{ID: name, Logger: h.logger})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	h.order = append(h.order, name)
	h.repos[name] = r
	h.opened[name] = make(map[string]bool)
	h.stops = append(h.stops, func() {
		r.Stop()
		cancel()
		<-done
	})
}

func (h *Harness) stop() {
	for _, fn := range h.stops {
		fn()
	}
}

func linkKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case len(step.Connect) > 0:
		a, b := step.Connect[0], step.Connect[1]
		sa, sb := transport.Pipe(a, b, h.logger)
		if err := h.repos[a].AddPeer(sa); err != nil {
			return err
		}
		if err := h.repos[b].AddPeer(sb); err != nil {
			return err
		}
		h.links[linkKey(a, b)] = sa
		return nil

	case len(step.Disconnect) > 0:
		key := linkKey(step.Disconnect[0], step.Disconnect[1])
		s, ok := h.links[key]
		if !ok {
			return fmt.Errorf("%s and %s are not connected", key[0], key[1])
		}
		delete(h.links, key)
		return s.Close()

	case step.Quiesce && step.Peer == "":
		return h.quiesce(ctx)
	}

	r := h.repos[step.Peer]
	switch {
	case step.Create != "":
		docID, err := r.Create(ctx)
		if err != nil {
			return err
		}
		h.aliases[step.Create] = docID
		return h.open(ctx, step.Peer, step.Create)

	case step.Open != "":
		return h.open(ctx, step.Peer, step.Open)

	case step.Fork != "":
		docID, err := r.Fork(ctx, h.aliases[step.Fork])
		if err != nil {
			return err
		}
		h.aliases[step.As] = docID
		return h.open(ctx, step.Peer, step.As)

	case step.Merge != nil:
		if err := r.Merge(ctx, h.aliases[step.Merge.Target], h.aliases[step.Merge.Source]); err != nil {
			return err
		}
		return h.open(ctx, step.Peer, step.Merge.Target)

	default:
		h.opened[step.Peer][step.Doc] = true
		_, err := r.Change(ctx, h.aliases[step.Doc], edit(step.Set, step.Delete))
		return err
	}
}

// edit applies sets then deletes in key order.
func edit(set map[string]any, del []string) repo.EditFunc {
	return func(e *ir.Editor) error {
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := e.Set(k, set[k]); err != nil {
				return err
			}
		}
		for _, k := range del {
			e.Delete(k)
		}
		return nil
	}
}

func (h *Harness) open(ctx context.Context, peer, alias string) error {
	h.opened[peer][alias] = true
	_, err := h.repos[peer].Doc(ctx, h.aliases[alias])
	return err
}

// quiesce waits until every peer's views stop changing.
func (h *Harness) quiesce(ctx context.Context) error {
	var last string
	stable := 0
	for stable < quietRounds {
		for _, name := range h.order {
			if err := h.repos[name].Settle(ctx); err != nil {
				return err
			}
		}
		fp, err := h.fingerprint(ctx)
		if err != nil {
			return err
		}
		if fp == last {
			stable++
		} else {
			stable, last = 0, fp
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(quietPause):
		}
	}
	return nil
}

func (h *Harness) fingerprint(ctx context.Context) (string, error) {
	views := make(map[string]any)
	for _, name := range h.order {
		r := h.repos[name]
		for alias := range h.opened[name] {
			snap, err := r.Doc(ctx, h.aliases[alias])
			if err != nil {
				return "", err
			}
			views[name+"/"+alias] = map[string]any{"clock": snap.Clock.String(), "content": snap.Content}
		}
	}
	data, err := ir.MarshalCanonical(views)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// collect reads the final views of one peer.
func (h *Harness) collect(ctx context.Context, peer string) (map[string]DocState, error) {
	r := h.repos[peer]
	out := make(map[string]DocState)
	for alias := range h.opened[peer] {
		docID := h.aliases[alias]
		snap, err := r.Doc(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", peer, alias, err)
		}
		content := map[string]any{}
		if err := snap.Decode(&content); err != nil {
			return nil, fmt.Errorf("%s/%s: %w", peer, alias, err)
		}
		meta, err := r.Metadata(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", peer, alias, err)
		}
		out[alias] = DocState{Content: content, Actors: len(meta), Writable: snap.Writable}
	}
	return out, nil
}
