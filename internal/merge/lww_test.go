package merge

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/ir"
)

func setReq(actor, key, value string) ir.Change {
	return ir.Change{Actor: actor, Ops: []ir.Op{{Action: ir.ActionSet, Key: key, Value: json.RawMessage(value)}}}
}

// authorChain produces n records from actor, each setting key to its index.
func authorChain(t *testing.T, e Engine, actor, key string, n int) []ir.Change {
	t.Helper()
	s := e.Init()
	var out []ir.Change
	for i := 1; i <= n; i++ {
		var rec ir.Change
		var err error
		s, _, rec, err = e.ApplyLocalChange(s, setReq(actor, key, fmt.Sprint(i)))
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestLWW_LocalChangeCompletesRecord(t *testing.T) {
	e := NewLWW()
	s := e.Init()

	s, patch, rec, err := e.ApplyLocalChange(s, setReq("A", "title", `"hello"`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, int64(1), rec.StartOp)
	assert.Empty(t, rec.Deps)
	assert.Equal(t, "A", patch.Actor)
	assert.Equal(t, int64(1), patch.Seq)
	assert.JSONEq(t, `{"title":"hello"}`, string(patch.Diff))
	assert.Equal(t, clock.Clock{"A": 1}, s.Clock())

	_, _, rec2, err := e.ApplyLocalChange(s, setReq("A", "title", `"bye"`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec2.Seq)
	assert.Equal(t, int64(2), rec2.StartOp)
}

func TestLWW_StatesAreImmutable(t *testing.T) {
	e := NewLWW()
	s0 := e.Init()
	s1, _, _, err := e.ApplyLocalChange(s0, setReq("A", "k", `1`))
	require.NoError(t, err)

	assert.Empty(t, s0.Doc())
	assert.Equal(t, clock.Clock{}, s0.Clock())
	assert.Equal(t, 1, s1.History())
}

func TestLWW_IdempotentReplay(t *testing.T) {
	e := NewLWW()
	records := authorChain(t, e, "A", "n", 5)

	s, patch, err := e.ApplyChanges(e.Init(), records)
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.Clock()["A"])
	assert.JSONEq(t, `{"n":5}`, string(patch.Diff))
	assert.Equal(t, 5, s.History())

	again, patch, err := e.ApplyChanges(s, records)
	require.NoError(t, err)
	assert.True(t, patch.Empty(), "replay produces no delta")
	assert.Equal(t, 5, again.History())
	assert.Equal(t, s.Clock(), again.Clock())
}

func TestLWW_WaitsForDependencies(t *testing.T) {
	e := NewLWW()
	a := authorChain(t, e, "A", "a", 2)

	// B writes after seeing A:2.
	sb, _, err := e.ApplyChanges(e.Init(), a)
	require.NoError(t, err)
	_, _, b1, err := e.ApplyLocalChange(sb, setReq("B", "b", `true`))
	require.NoError(t, err)
	assert.Equal(t, clock.Clock{"A": 2}, b1.Deps)

	s, patch, err := e.ApplyChanges(e.Init(), []ir.Change{b1, a[1]})
	require.NoError(t, err)
	assert.True(t, patch.Empty())
	assert.Equal(t, 2, s.Queued())

	s, patch, err = e.ApplyChanges(s, a[:1])
	require.NoError(t, err)
	assert.Zero(t, s.Queued())
	assert.JSONEq(t, `{"a":2,"b":true}`, string(patch.Diff))
	assert.Equal(t, clock.Clock{"A": 2, "B": 1}, s.Clock())
}

func TestLWW_ConcurrentWritesConverge(t *testing.T) {
	e := NewLWW()
	a := authorChain(t, e, "A", "k", 3)
	b := authorChain(t, e, "B", "k", 2)
	all := append(append([]ir.Change{}, a...), b...)

	reference, _, err := e.ApplyChanges(e.Init(), all)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]ir.Change{}, all...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		s := e.Init()
		for _, c := range shuffled {
			s, _, err = e.ApplyChanges(s, []ir.Change{c})
			require.NoError(t, err)
		}
		assert.Equal(t, reference.Doc(), s.Doc())
		assert.Equal(t, reference.Clock(), s.Clock())
	}
	// A's third op has the highest counter.
	assert.JSONEq(t, `3`, string(reference.Doc()["k"]))
}

func TestLWW_DeleteKeepsTombstone(t *testing.T) {
	e := NewLWW()
	s, _, _, err := e.ApplyLocalChange(e.Init(), setReq("A", "k", `"v"`))
	require.NoError(t, err)

	s, patch, _, err := e.ApplyLocalChange(s, ir.Change{Actor: "A", Ops: []ir.Op{{Action: ir.ActionDel, Key: "k"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":null}`, string(patch.Diff))
	assert.Empty(t, s.Doc())

	// A concurrent set with a lower op counter loses to the delete.
	stale := ir.Change{Actor: "B", Seq: 1, StartOp: 1, Ops: []ir.Op{{Action: ir.ActionSet, Key: "k", Value: json.RawMessage(`"old"`)}}}
	s, patch, err = e.ApplyChanges(s, []ir.Change{stale})
	require.NoError(t, err)
	assert.True(t, patch.Empty())
	assert.Empty(t, s.Doc())
}

func TestLWW_RejectsInvalidChanges(t *testing.T) {
	e := NewLWW()

	_, _, _, err := e.ApplyLocalChange(e.Init(), ir.Change{Actor: "A", Ops: []ir.Op{{Action: "bogus", Key: "k"}}})
	assert.Error(t, err)

	_, _, err = e.ApplyChanges(e.Init(), []ir.Change{{Actor: "A"}})
	assert.ErrorContains(t, err, "no sequence")
}

type otherState struct{ State }

func TestLWW_ForeignState(t *testing.T) {
	e := NewLWW()
	_, _, err := e.ApplyChanges(otherState{}, nil)
	assert.ErrorIs(t, err, ErrForeignState)
}

func TestLWW_GetPatch(t *testing.T) {
	e := NewLWW()
	records := authorChain(t, e, "A", "n", 2)
	s, _, err := e.ApplyChanges(e.Init(), records)
	require.NoError(t, err)

	p := e.GetPatch(s)
	assert.JSONEq(t, `{"n":2}`, string(p.Diff))
	assert.Equal(t, clock.Clock{"A": 2}, p.Clock)
	assert.Equal(t, 2, p.History)
	assert.False(t, p.Local())
}

func TestApplyDiff(t *testing.T) {
	doc := map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`{"x":1}`)}

	out, err := ApplyDiff(doc, json.RawMessage(`{"a":null,"b":{"y":2},"c":"new"}`))
	require.NoError(t, err)

	got, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":{"x":1,"y":2},"c":"new"}`, string(got))

	out, err = ApplyDiff(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
