// Package feed defines the append-only, single-writer log each actor owns.
//
// A log is addressed by its actor id (the base58 public key) and announced
// on the network by its discovery key, so peers that do not know the actor
// id cannot learn it from traffic. Records are indexed from 0; the record
// at index i carries sequence number i+1.
package feed

import (
	"crypto/ed25519"
	"errors"
)

var (
	// ErrNotWritable is returned when appending to a log without its secret key.
	ErrNotWritable = errors.New("log is not writable")
	// ErrGap is returned when replicated data would leave a hole in a log.
	ErrGap = errors.New("record index beyond log length")
	// ErrNotFound is returned for a missing record or unknown log.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Log is one actor's append-only record log.
//
// Thread-safety: implementations are safe for concurrent use.
type Log interface {
	// ID returns the actor id.
	ID() string
	// PublicKey returns the actor's public key.
	PublicKey() ed25519.PublicKey
	// DiscoveryKey returns the hex discovery key.
	DiscoveryKey() string
	// Writable reports whether the secret key is held locally.
	Writable() bool
	// Length returns the number of contiguous records.
	Length() int64
	// Has reports whether the record at index is present.
	Has(index int64) bool
	// Get returns the record at index.
	Get(index int64) ([]byte, error)
	// Append writes a locally authored record and returns its index.
	Append(data []byte) (int64, error)
	// Put stores a replicated record. Indices below Length are ignored;
	// indices above Length fail with ErrGap. A writable log only grows
	// through Append, so Put on it fails with ErrNotWritable.
	Put(index int64, data []byte) error
}

// Store creates and opens logs.
type Store interface {
	// Create registers a writable log for a fresh key pair.
	Create(kp KeyPair) (Log, error)
	// Open returns the log for an actor id, creating an empty read-only
	// replica if the actor is unknown.
	Open(id string) (Log, error)
	// Close releases resources.
	Close() error
}
