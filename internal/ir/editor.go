package ir

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Editor collects operations inside a change function. It reads through to
// the document as it looks with the operations applied so far.
type Editor struct {
	doc map[string]json.RawMessage
	ops []Op
}

// NewEditor starts an edit over doc. doc is not modified.
func NewEditor(doc map[string]json.RawMessage) *Editor {
	view := make(map[string]json.RawMessage, len(doc))
	for k, v := range doc {
		view[k] = v
	}
	return &Editor{doc: view}
}

// Get returns the raw value at key.
func (e *Editor) Get(key string) (json.RawMessage, bool) {
	v, ok := e.doc[norm.NFC.String(key)]
	return v, ok
}

// Len returns the number of keys currently present.
func (e *Editor) Len() int {
	return len(e.doc)
}

// Set assigns value, marshaled as JSON, to key.
func (e *Editor) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return e.SetRaw(key, raw)
}

// SetRaw assigns an already encoded JSON value to key. Null is rejected at
// any depth because a merge patch cannot tell it apart from a delete.
func (e *Editor) SetRaw(key string, raw json.RawMessage) error {
	key = norm.NFC.String(key)
	if key == "" {
		return fmt.Errorf("set: empty key")
	}
	if !json.Valid(raw) {
		return fmt.Errorf("set %q: invalid JSON value", key)
	}
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	if containsNull(canonical) {
		return fmt.Errorf("set %q: null values are not stored, use Delete", key)
	}
	e.doc[key] = canonical
	e.ops = append(e.ops, Op{Action: ActionSet, Key: key, Value: canonical})
	return nil
}

// Delete removes key. Deleting an absent key records nothing.
func (e *Editor) Delete(key string) {
	key = norm.NFC.String(key)
	if _, ok := e.doc[key]; !ok {
		return
	}
	delete(e.doc, key)
	e.ops = append(e.ops, Op{Action: ActionDel, Key: key})
}

// Ops returns the operations recorded so far.
func (e *Editor) Ops() []Op {
	out := make([]Op, len(e.ops))
	copy(out, e.ops)
	return out
}
