package ir

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/hyperdoc/internal/clock"
)

// Action is an operation kind.
type Action string

const (
	// ActionSet assigns a JSON value to a top-level key.
	ActionSet Action = "set"
	// ActionDel removes a top-level key.
	ActionDel Action = "del"
)

// Op is a single operation inside a change.
type Op struct {
	Action Action          `json:"action"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Change is an authored edit unit.
//
// A change request produced by a front end carries only Actor, Message and
// Ops. The merge engine completes it with Seq, StartOp and Deps before it is
// appended to the actor's log.
type Change struct {
	Actor   string      `json:"actor"`
	Seq     int64       `json:"seq"`
	StartOp int64       `json:"start_op"`
	Deps    clock.Clock `json:"deps,omitempty"`
	Message string      `json:"message,omitempty"`
	Ops     []Op        `json:"ops"`
}

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the change for structural errors. A request (Seq == 0) is
// validated like a record except for the sequence rule.
// Returns all errors (not fail-fast).
func (c *Change) Validate() []ValidationError {
	var errs []ValidationError

	if c.Actor == "" {
		errs = append(errs, ValidationError{Field: "actor", Message: "actor id is required"})
	}
	if c.Seq < 0 {
		errs = append(errs, ValidationError{Field: "seq", Message: "sequence must not be negative"})
	}
	if _, ok := c.Deps[c.Actor]; ok && c.Actor != "" {
		errs = append(errs, ValidationError{Field: "deps", Message: "a change must not depend on its own actor"})
	}
	for i, op := range c.Ops {
		errs = append(errs, op.validate(fmt.Sprintf("ops[%d]", i))...)
	}

	return errs
}

func (o Op) validate(field string) []ValidationError {
	var errs []ValidationError

	if o.Key == "" {
		errs = append(errs, ValidationError{Field: field + ".key", Message: "key is required"})
	}
	switch o.Action {
	case ActionSet:
		if len(o.Value) == 0 || !json.Valid(o.Value) {
			errs = append(errs, ValidationError{Field: field + ".value", Message: "set requires a valid JSON value"})
		} else if containsNull(o.Value) {
			errs = append(errs, ValidationError{Field: field + ".value", Message: "set cannot store null at any depth, use del"})
		}
	case ActionDel:
		if len(o.Value) != 0 {
			errs = append(errs, ValidationError{Field: field + ".value", Message: "del must not carry a value"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   field + ".action",
			Message: fmt.Sprintf("invalid action %q, must be one of: set, del", o.Action),
		})
	}

	return errs
}

// ValidateChange returns the first validation error as an error, or nil.
func ValidateChange(c Change) error {
	if errs := c.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid change: %w", errs[0])
	}
	return nil
}

// EncodeChange serializes a change record for an actor log.
func EncodeChange(c Change) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode change %s:%d: %w", c.Actor, c.Seq, err)
	}
	return data, nil
}

// DecodeChange parses a change record read from an actor log.
func DecodeChange(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	if err := ValidateChange(c); err != nil {
		return Change{}, err
	}
	if c.Seq < 1 {
		return Change{}, fmt.Errorf("decode change: record for %s has no sequence", c.Actor)
	}
	return c, nil
}

// containsNull reports whether raw is null or holds a null anywhere inside
// it. Deltas are merge patches, where a null member means "remove".
func containsNull(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return hasNull(v)
}

func hasNull(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		for _, e := range t {
			if hasNull(e) {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if hasNull(e) {
				return true
			}
		}
	}
	return false
}
