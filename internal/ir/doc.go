// Package ir defines the records that flow between document front ends,
// backends, the merge engine and actor logs.
//
// A Change is one authored edit unit: an actor id, a per-actor sequence
// number starting at 1, the causal dependencies the author had seen, and a
// list of operations. A Patch describes what applying changes did to a
// document, as an RFC 7386 merge patch plus the resulting clock.
//
// ir depends only on internal/clock.
//
// Key design constraints:
//   - Changes are immutable once produced by the merge engine
//   - All JSON tags use snake_case
//   - Document keys are NFC normalized at the edit boundary
package ir
