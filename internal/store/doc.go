// Package store provides SQLite-backed durable storage for actor logs and
// document metadata.
//
// Tables:
//   - actors: key material per actor (secret key only for local writers)
//   - records: append-only log records, keyed by (actor_id, idx)
//   - doc_actors: per-document clock entries in string form
//
// A Store implements feed.Store for logs and the repo metadata interface.
//
// # Invariants
//
//   - A log's records are contiguous from idx 0; Put never leaves a gap
//   - Records are never updated or deleted
//   - All record queries use ORDER BY idx ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
