// Package merge defines the merge-engine contract used by document backends
// and provides LWW, a last-writer-wins map engine.
//
// States are immutable values: every Apply call returns a new State and
// leaves its input untouched, so a backend can keep the previous state when
// persisting a local change fails.
package merge

import (
	"encoding/json"

	"github.com/roach88/hyperdoc/internal/clock"
	"github.com/roach88/hyperdoc/internal/ir"
)

// State is an opaque merge-engine document state.
type State interface {
	// Clock returns the applied frontier.
	Clock() clock.Clock
	// Doc returns the materialized document as raw JSON values per key.
	Doc() map[string]json.RawMessage
	// History returns the number of applied changes.
	History() int
	// Queued returns the number of received changes waiting on dependencies.
	Queued() int
}

// Engine applies change records to states.
type Engine interface {
	// Init returns the empty document state.
	Init() State

	// ApplyChanges applies remote records. Records whose sequence is already
	// covered by the state's clock are skipped; records with unmet
	// dependencies wait inside the state until they become ready.
	ApplyChanges(s State, changes []ir.Change) (State, ir.Patch, error)

	// ApplyLocalChange applies a change request authored locally. It returns
	// the completed record (Seq, StartOp, Deps filled) that must be appended
	// to the actor's log.
	ApplyLocalChange(s State, req ir.Change) (State, ir.Patch, ir.Change, error)

	// GetPatch returns a patch describing the full state.
	GetPatch(s State) ir.Patch
}
