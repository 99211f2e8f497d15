// Package clock tracks causal progress of documents built from many actor logs.
//
// A Clock maps an actor id to the highest contiguous sequence number known
// for that actor. An absent actor reads as 0. The Unbounded sentinel means
// "every sequence number this actor will ever write", and is how document
// metadata says "follow this actor forever".
//
// Clocks have a compact string form used in metadata records and on the wire:
//
//	actorId      unbounded
//	actorId:12   bounded at sequence 12
package clock

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Unbounded accepts all future sequence numbers from an actor.
const Unbounded int64 = math.MaxInt64

// Clock maps actor id to highest known contiguous sequence number.
type Clock map[string]int64

// Ordering is the causal relation between two clocks.
type Ordering int

const (
	// Equal clocks describe the same history.
	Equal Ordering = iota
	// Before means the left clock is strictly dominated by the right.
	Before
	// After means the left clock strictly dominates the right.
	After
	// Concurrent clocks each know something the other does not.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Get returns the sequence recorded for actor, 0 when absent.
func (c Clock) Get(actor string) int64 {
	return c[actor]
}

// Copy returns an independent copy. A nil clock copies to an empty clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for actor, seq := range c {
		out[actor] = seq
	}
	return out
}

// Actors returns the actor ids in sorted order.
func (c Clock) Actors() []string {
	actors := make([]string, 0, len(c))
	for actor := range c {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}

// Merge raises c to include other, per actor by maximum. It reports whether
// any entry changed.
func (c Clock) Merge(other Clock) bool {
	changed := false
	for actor, seq := range other {
		if cur, ok := c[actor]; !ok || seq > cur {
			c[actor] = seq
			changed = true
		}
	}
	return changed
}

// Union returns a new clock holding the per-actor maximum of a and b.
func Union(a, b Clock) Clock {
	out := a.Copy()
	out.Merge(b)
	return out
}

// Gte reports whether c has seen everything in other.
func (c Clock) Gte(other Clock) bool {
	for actor, seq := range other {
		if c[actor] < seq {
			return false
		}
	}
	return true
}

// Equal reports whether both clocks hold the same positive entries.
// Zero entries are treated as absent.
func (c Clock) Equal(other Clock) bool {
	return c.Gte(other) && other.Gte(c)
}

// Cmp returns the causal ordering of a relative to b.
func Cmp(a, b Clock) Ordering {
	ab := a.Gte(b)
	ba := b.Gte(a)
	switch {
	case ab && ba:
		return Equal
	case ab:
		return After
	case ba:
		return Before
	default:
		return Concurrent
	}
}

// Bound returns the clock limited to seq for every actor currently
// unbounded, leaving bounded entries as they are.
func (c Clock) Bound(lengths map[string]int64) Clock {
	out := c.Copy()
	for actor, seq := range out {
		if seq == Unbounded {
			out[actor] = lengths[actor]
		}
	}
	return out
}

// String renders the clock in its sorted string form.
func (c Clock) String() string {
	return "{" + strings.Join(c.Strings(), ",") + "}"
}

// Strings renders each entry as "actor" (unbounded) or "actor:seq".
func (c Clock) Strings() []string {
	out := make([]string, 0, len(c))
	for _, actor := range c.Actors() {
		out = append(out, FormatEntry(actor, c[actor]))
	}
	return out
}

// FormatEntry renders one clock entry.
func FormatEntry(actor string, seq int64) string {
	if seq == Unbounded {
		return actor
	}
	return actor + ":" + strconv.FormatInt(seq, 10)
}

// ParseEntry parses "actor" or "actor:seq". A bare actor id is Unbounded.
func ParseEntry(s string) (string, int64, error) {
	actor, seqStr, bounded := strings.Cut(s, ":")
	if actor == "" {
		return "", 0, fmt.Errorf("clock entry %q: empty actor id", s)
	}
	if !bounded {
		return actor, Unbounded, nil
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("clock entry %q: %w", s, err)
	}
	if seq < 0 {
		return "", 0, fmt.Errorf("clock entry %q: negative sequence", s)
	}
	return actor, seq, nil
}

// ParseStrings builds a clock from entry strings. Repeated actors merge by
// maximum.
func ParseStrings(entries []string) (Clock, error) {
	c := make(Clock, len(entries))
	for _, entry := range entries {
		actor, seq, err := ParseEntry(entry)
		if err != nil {
			return nil, err
		}
		c.Merge(Clock{actor: seq})
	}
	return c, nil
}
