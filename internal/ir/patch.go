package ir

import (
	"encoding/json"

	"github.com/roach88/hyperdoc/internal/clock"
)

// Patch describes the effect of applying one or more changes.
type Patch struct {
	// Actor and Seq identify the local change this patch confirms. Both are
	// zero for patches caused by remote changes or initialization.
	Actor string `json:"actor,omitempty"`
	Seq   int64  `json:"seq,omitempty"`

	// Clock is the document clock after application.
	Clock clock.Clock `json:"clock"`

	// Diff is an RFC 7386 merge patch from the previous document to the new
	// one. A full-state patch is a diff against the empty object.
	Diff json.RawMessage `json:"diff"`

	// History is the number of changes applied to the document so far.
	History int `json:"history"`
}

// Local reports whether the patch confirms a local change.
func (p Patch) Local() bool {
	return p.Actor != "" && p.Seq > 0
}

// Empty reports whether the diff changes nothing.
func (p Patch) Empty() bool {
	return len(p.Diff) == 0 || string(p.Diff) == "{}"
}
