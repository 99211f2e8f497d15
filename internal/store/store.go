package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/hyperdoc/internal/feed"
)

//go:embed schema.sql
var schemaSQL string

// pragmas are applied on every open. The values are what the connection
// reports back when queried.
var pragmas = []struct {
	name, set, want string
}{
	{"journal_mode", "WAL", "wal"},
	{"synchronous", "NORMAL", "1"},
	{"busy_timeout", "5000", "5000"},
	{"foreign_keys", "ON", "1"},
}

// migrations[i] upgrades a database from user_version i to i+1. The base
// schema is applied first, so migrations only add to it.
var migrations = []func(tx *sql.Tx) error{
	// v1: look up documents by actor entry.
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_doc_actors_entry ON doc_actors(entry)`)
		return err
	},
}

// SchemaVersion is the user_version of a fully migrated database.
var SchemaVersion = len(migrations)

// Store keeps actor logs, key material and document metadata in one
// SQLite database. Logs handed out by a Store share its connection.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	logs map[string]*sqlLog
}

var _ feed.Store = (*Store)(nil)

// Open creates or opens the database at path and brings its schema up to
// date. Opening an already migrated database changes nothing.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// One connection: SQLite has a single writer and the pragmas are per
	// connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.set)); err != nil {
			db.Close()
			return nil, fmt.Errorf("open %s: pragma %s: %w", path, p.name, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: schema: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &Store{db: db, logs: make(map[string]*sqlLog)}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for v := version; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		if err := migrations[v](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}
	return nil
}

// Close releases the database. Logs obtained from the store must not be
// used afterwards.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Stats summarizes what a database holds.
type Stats struct {
	Actors    int   `json:"actors"`
	Writable  int   `json:"writable"`
	Records   int64 `json:"records"`
	Documents int   `json:"documents"`
}

// Stats counts stored actors, records and documents.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM actors),
			(SELECT COUNT(*) FROM actors WHERE secret_key IS NOT NULL),
			(SELECT COUNT(*) FROM records),
			(SELECT COUNT(DISTINCT doc_id) FROM doc_actors)
	`).Scan(&st.Actors, &st.Writable, &st.Records, &st.Documents)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// pragma reads the current value of a pragma.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("pragma %s: %w", name, err)
	}
	return value, nil
}
