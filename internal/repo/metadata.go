package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/hyperdoc/internal/clock"
)

// MetadataStore persists the contributing actors of each document as clock
// entry strings ("actor" or "actor:seq").
type MetadataStore interface {
	SetActors(ctx context.Context, docID string, entries []string) error
	Actors(ctx context.Context, docID string) ([]string, error)
	Documents(ctx context.Context) ([]string, error)
}

// MemoryMetadata is an in-memory MetadataStore.
type MemoryMetadata struct {
	mu   sync.Mutex
	docs map[string][]string
}

// NewMemoryMetadata creates an empty store.
func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{docs: make(map[string][]string)}
}

func (m *MemoryMetadata) SetActors(_ context.Context, docID string, entries []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = append([]string(nil), entries...)
	return nil
}

func (m *MemoryMetadata) Actors(_ context.Context, docID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.docs[docID]...), nil
}

func (m *MemoryMetadata) Documents(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.docs))
	for docID := range m.docs {
		out = append(out, docID)
	}
	sort.Strings(out)
	return out, nil
}

// metadataIndex caches document metadata clocks in front of the store.
// It is used only from the engine goroutine.
type metadataIndex struct {
	store MetadataStore
	docs  map[string]clock.Clock
}

func newMetadataIndex(store MetadataStore) *metadataIndex {
	return &metadataIndex{store: store, docs: make(map[string]clock.Clock)}
}

// get returns the metadata clock and whether the document is known.
func (m *metadataIndex) get(ctx context.Context, docID string) (clock.Clock, bool, error) {
	if c, ok := m.docs[docID]; ok {
		return c.Copy(), true, nil
	}
	entries, err := m.store.Actors(ctx, docID)
	if err != nil {
		return nil, false, fmt.Errorf("metadata %s: %w", docID, err)
	}
	if len(entries) == 0 {
		return clock.Clock{}, false, nil
	}
	c, err := clock.ParseStrings(entries)
	if err != nil {
		return nil, false, fmt.Errorf("metadata %s: %w", docID, err)
	}
	m.docs[docID] = c
	return c.Copy(), true, nil
}

// merge adds entries to a document's metadata and persists the result.
// It reports whether anything changed.
func (m *metadataIndex) merge(ctx context.Context, docID string, add clock.Clock) (bool, error) {
	cur, _, err := m.get(ctx, docID)
	if err != nil {
		return false, err
	}
	if !cur.Merge(add) {
		return false, nil
	}
	if err := m.store.SetActors(ctx, docID, cur.Strings()); err != nil {
		return false, fmt.Errorf("metadata %s: %w", docID, err)
	}
	m.docs[docID] = cur
	return true, nil
}

// referencing returns the cached documents whose metadata includes actor.
func (m *metadataIndex) referencing(actorID string) []string {
	var out []string
	for docID, c := range m.docs {
		if _, ok := c[actorID]; ok {
			out = append(out, docID)
		}
	}
	sort.Strings(out)
	return out
}
