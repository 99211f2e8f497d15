package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/ir"
)

// ErrForeignState is returned when a State from another engine is passed in.
var ErrForeignState = errors.New("state not produced by this engine")

// opID orders concurrent writes: higher counter wins, actor id breaks ties.
type opID struct {
	Counter int64
	Actor   string
}

func (a opID) greater(b opID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Actor > b.Actor
}

// register is the winning write for one key. Deletes keep a tombstone so a
// late concurrent set with a lower opID cannot resurrect the key.
type register struct {
	id      opID
	value   json.RawMessage
	deleted bool
}

type lwwState struct {
	keys    map[string]register
	clock   clock.Clock
	maxOp   int64
	history int
	queue   []ir.Change
}

func (s *lwwState) Clock() clock.Clock { return s.clock.Copy() }
func (s *lwwState) History() int       { return s.history }
func (s *lwwState) Queued() int        { return len(s.queue) }

func (s *lwwState) Doc() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.keys))
	for k, r := range s.keys {
		if !r.deleted {
			out[k] = r.value
		}
	}
	return out
}

func (s *lwwState) clone() *lwwState {
	keys := make(map[string]register, len(s.keys))
	for k, r := range s.keys {
		keys[k] = r
	}
	queue := make([]ir.Change, len(s.queue))
	copy(queue, s.queue)
	return &lwwState{
		keys:    keys,
		clock:   s.clock.Copy(),
		maxOp:   s.maxOp,
		history: s.history,
		queue:   queue,
	}
}

// LWW is a JSON-object document engine. Each top-level key is a
// last-writer-wins register.
type LWW struct{}

// NewLWW returns the reference engine.
func NewLWW() *LWW {
	return &LWW{}
}

func (LWW) Init() State {
	return &lwwState{
		keys:  make(map[string]register),
		clock: clock.Clock{},
	}
}

func (e LWW) ApplyChanges(s State, changes []ir.Change) (State, ir.Patch, error) {
	prev, err := asLWW(s)
	if err != nil {
		return nil, ir.Patch{}, err
	}
	for _, c := range changes {
		if err := ir.ValidateChange(c); err != nil {
			return nil, ir.Patch{}, err
		}
		if c.Seq < 1 {
			return nil, ir.Patch{}, fmt.Errorf("change from %s has no sequence", c.Actor)
		}
	}

	next := prev.clone()
	for _, c := range changes {
		if c.Seq <= next.clock[c.Actor] || queued(next.queue, c) {
			continue
		}
		next.queue = append(next.queue, c)
	}
	next.drainQueue()

	patch, err := diffPatch(prev, next)
	if err != nil {
		return nil, ir.Patch{}, err
	}
	return next, patch, nil
}

func (e LWW) ApplyLocalChange(s State, req ir.Change) (State, ir.Patch, ir.Change, error) {
	prev, err := asLWW(s)
	if err != nil {
		return nil, ir.Patch{}, ir.Change{}, err
	}
	if err := ir.ValidateChange(req); err != nil {
		return nil, ir.Patch{}, ir.Change{}, err
	}

	rec := req
	rec.Seq = prev.clock[req.Actor] + 1
	rec.StartOp = prev.maxOp + 1
	rec.Deps = prev.clock.Copy()
	delete(rec.Deps, req.Actor)
	rec.Ops = append([]ir.Op(nil), req.Ops...)

	next := prev.clone()
	next.apply(rec)
	next.drainQueue()

	patch, err := diffPatch(prev, next)
	if err != nil {
		return nil, ir.Patch{}, ir.Change{}, err
	}
	patch.Actor = rec.Actor
	patch.Seq = rec.Seq
	return next, patch, rec, nil
}

func (e LWW) GetPatch(s State) ir.Patch {
	st, err := asLWW(s)
	if err != nil {
		return ir.Patch{Clock: clock.Clock{}, Diff: json.RawMessage(`{}`)}
	}
	diff, err := json.Marshal(st.Doc())
	if err != nil {
		diff = json.RawMessage(`{}`)
	}
	return ir.Patch{Clock: st.clock.Copy(), Diff: diff, History: st.history}
}

func asLWW(s State) (*lwwState, error) {
	st, ok := s.(*lwwState)
	if !ok || st == nil {
		return nil, ErrForeignState
	}
	return st, nil
}

func queued(queue []ir.Change, c ir.Change) bool {
	for _, q := range queue {
		if q.Actor == c.Actor && q.Seq == c.Seq {
			return true
		}
	}
	return false
}

// ready reports whether c is the next record for its actor and every
// dependency has been applied.
func (s *lwwState) ready(c ir.Change) bool {
	return c.Seq == s.clock[c.Actor]+1 && s.clock.Gte(c.Deps)
}

// drainQueue applies queued changes until none is ready, then drops any
// that became stale. Changes are tried in (actor, seq) order so the result
// does not depend on arrival order.
func (s *lwwState) drainQueue() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].Actor != s.queue[j].Actor {
			return s.queue[i].Actor < s.queue[j].Actor
		}
		return s.queue[i].Seq < s.queue[j].Seq
	})

	for {
		progressed := false
		rest := s.queue[:0]
		for _, c := range s.queue {
			switch {
			case c.Seq <= s.clock[c.Actor]:
				// Stale duplicate.
			case s.ready(c):
				s.apply(c)
				progressed = true
			default:
				rest = append(rest, c)
			}
		}
		s.queue = rest
		if !progressed {
			return
		}
	}
}

func (s *lwwState) apply(c ir.Change) {
	for i, op := range c.Ops {
		id := opID{Counter: c.StartOp + int64(i), Actor: c.Actor}
		if id.Counter > s.maxOp {
			s.maxOp = id.Counter
		}
		if cur, ok := s.keys[op.Key]; ok && !id.greater(cur.id) {
			continue
		}
		switch op.Action {
		case ir.ActionSet:
			s.keys[op.Key] = register{id: id, value: op.Value}
		case ir.ActionDel:
			s.keys[op.Key] = register{id: id, deleted: true}
		}
	}
	s.clock[c.Actor] = c.Seq
	s.history++
}

func diffPatch(prev, next *lwwState) (ir.Patch, error) {
	before, err := json.Marshal(prev.Doc())
	if err != nil {
		return ir.Patch{}, fmt.Errorf("marshal document: %w", err)
	}
	after, err := json.Marshal(next.Doc())
	if err != nil {
		return ir.Patch{}, fmt.Errorf("marshal document: %w", err)
	}
	diff, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		return ir.Patch{}, fmt.Errorf("create merge patch: %w", err)
	}
	return ir.Patch{
		Clock:   next.clock.Copy(),
		Diff:    diff,
		History: next.history,
	}, nil
}

// ApplyDiff applies a patch diff to a materialized document.
func ApplyDiff(doc map[string]json.RawMessage, diff json.RawMessage) (map[string]json.RawMessage, error) {
	if len(diff) == 0 {
		diff = json.RawMessage(`{}`)
	}
	base, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	if doc == nil {
		base = []byte(`{}`)
	}
	merged, err := jsonpatch.MergePatch(base, diff)
	if err != nil {
		return nil, fmt.Errorf("apply merge patch: %w", err)
	}
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("decode merged document: %w", err)
	}
	return out, nil
}
