package clock

import (
	"sort"
	"sync"
)

// ClockSet indexes progress in both directions: document → (actor → seq)
// and actor → (document → seq).
//
// INVARIANTS:
//   - clockOf(doc)[actor] == docsOf(actor)[doc] after every Add
//   - sequences only grow; there is no delete
//
// Thread-safety: ClockSet is safe for concurrent use. In the repo it is only
// mutated from the engine goroutine.
type ClockSet struct {
	mu     sync.RWMutex
	docs   map[string]Clock
	actors map[string]map[string]int64
}

// NewClockSet creates an empty set.
func NewClockSet() *ClockSet {
	return &ClockSet{
		docs:   make(map[string]Clock),
		actors: make(map[string]map[string]int64),
	}
}

// Add merges clock into the document's entry by per-actor maximum and returns
// a copy of the resulting document clock.
func (s *ClockSet) Add(docID string, c Clock) Clock {
	s.mu.Lock()
	defer s.mu.Unlock()

	docClock, ok := s.docs[docID]
	if !ok {
		docClock = make(Clock, len(c))
		s.docs[docID] = docClock
	}
	for actor, seq := range c {
		if cur, ok := docClock[actor]; ok && cur >= seq {
			continue
		}
		docClock[actor] = seq
		docs, ok := s.actors[actor]
		if !ok {
			docs = make(map[string]int64)
			s.actors[actor] = docs
		}
		docs[docID] = seq
	}
	return docClock.Copy()
}

// Clock returns a copy of the document's clock.
func (s *ClockSet) Clock(docID string) Clock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docID].Copy()
}

// DocMap returns a copy of document → seq for actor.
func (s *ClockSet) DocMap(actor string) map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(s.actors[actor]))
	for docID, seq := range s.actors[actor] {
		out[docID] = seq
	}
	return out
}

// Seq returns the recorded sequence of actor in docID, 0 when absent.
func (s *ClockSet) Seq(docID, actor string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docID][actor]
}

// DocSeq is Seq looked up through the actor index.
func (s *ClockSet) DocSeq(actor, docID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actors[actor][docID]
}

// DocsWith returns, sorted, every recorded document whose sequence for actor
// is at least n. Only documents with an entry for actor are considered.
func (s *ClockSet) DocsWith(actor string, n int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for docID, seq := range s.actors[actor] {
		if seq >= n {
			out = append(out, docID)
		}
	}
	sort.Strings(out)
	return out
}

// Has reports whether the document has reached clock: every actor in c has
// a recorded sequence at least as high as requested.
func (s *ClockSet) Has(docID string, c Clock) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docID].Gte(c)
}

// Documents returns every document with a recorded clock, sorted.
func (s *ClockSet) Documents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.docs))
	for docID := range s.docs {
		out = append(out, docID)
	}
	sort.Strings(out)
	return out
}
