package store

import (
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/hyperdoc/internal/feed"
)

// Create registers a writable actor and returns its log. Creating an actor
// that is already stored as a replica upgrades it to writable.
func (s *Store) Create(kp feed.KeyPair) (feed.Log, error) {
	if !kp.Writable() {
		return nil, fmt.Errorf("create log %s: %w", kp.ID(), feed.ErrNotWritable)
	}

	_, err := s.db.Exec(`
		INSERT INTO actors (id, public_key, secret_key)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET secret_key = excluded.secret_key
	`, kp.ID(), []byte(kp.PublicKey), []byte(kp.SecretKey))
	if err != nil {
		return nil, fmt.Errorf("create log %s: %w", kp.ID(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[kp.ID()]; ok {
		l.setKeys(kp)
		return l, nil
	}
	l, err := s.loadLog(kp)
	if err != nil {
		return nil, err
	}
	s.logs[kp.ID()] = l
	return l, nil
}

// Open returns the log for an actor id. Unknown actors are stored as
// read-only replicas.
func (s *Store) Open(id string) (feed.Log, error) {
	pub, err := feed.ParseID(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[id]; ok {
		return l, nil
	}

	kp := feed.KeyPair{PublicKey: pub}
	var secret []byte
	err = s.db.QueryRow(`SELECT secret_key FROM actors WHERE id = ?`, id).Scan(&secret)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`
			INSERT INTO actors (id, public_key, secret_key) VALUES (?, ?, NULL)
		`, id, []byte(pub)); err != nil {
			return nil, fmt.Errorf("open log %s: %w", id, err)
		}
	case err != nil:
		return nil, fmt.Errorf("open log %s: %w", id, err)
	default:
		if len(secret) == ed25519.PrivateKeySize {
			kp.SecretKey = ed25519.PrivateKey(secret)
		}
	}

	l, err := s.loadLog(kp)
	if err != nil {
		return nil, err
	}
	s.logs[id] = l
	return l, nil
}

// loadLog reads the current length. Caller holds s.mu.
func (s *Store) loadLog(kp feed.KeyPair) (*sqlLog, error) {
	var length int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE actor_id = ?`, kp.ID()).Scan(&length)
	if err != nil {
		return nil, fmt.Errorf("load log %s: %w", kp.ID(), err)
	}
	return &sqlLog{
		db:           s.db,
		id:           kp.ID(),
		discoveryKey: feed.DiscoveryKey(kp.PublicKey),
		kp:           kp,
		length:       length,
	}, nil
}

// sqlLog is a feed.Log over the records table. Length is cached; every
// write goes through this value so the cache stays exact.
type sqlLog struct {
	db           *sql.DB
	id           string
	discoveryKey string

	mu     sync.RWMutex
	kp     feed.KeyPair
	length int64
}

func (l *sqlLog) ID() string           { return l.id }
func (l *sqlLog) DiscoveryKey() string { return l.discoveryKey }

func (l *sqlLog) PublicKey() ed25519.PublicKey {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.kp.PublicKey
}

func (l *sqlLog) Writable() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.kp.Writable()
}

func (l *sqlLog) setKeys(kp feed.KeyPair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kp = kp
}

func (l *sqlLog) Length() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.length
}

func (l *sqlLog) Has(index int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return index >= 0 && index < l.length
}

func (l *sqlLog) Get(index int64) ([]byte, error) {
	var data []byte
	err := l.db.QueryRow(`
		SELECT data FROM records WHERE actor_id = ? AND idx = ?
	`, l.id, index).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("log %s record %d: %w", l.id, index, feed.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("log %s record %d: %w", l.id, index, err)
	}
	return data, nil
}

func (l *sqlLog) Append(data []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.kp.Writable() {
		return 0, fmt.Errorf("append to %s: %w", l.id, feed.ErrNotWritable)
	}
	index := l.length
	if err := l.insertLocked(index, data); err != nil {
		return 0, fmt.Errorf("append to %s: %w", l.id, err)
	}
	return index, nil
}

func (l *sqlLog) Put(index int64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.kp.Writable() {
		return fmt.Errorf("put %s record %d: %w", l.id, index, feed.ErrNotWritable)
	}
	switch {
	case index < l.length:
		return nil
	case index > l.length:
		return fmt.Errorf("put %s record %d (length %d): %w", l.id, index, l.length, feed.ErrGap)
	}
	if err := l.insertLocked(index, data); err != nil {
		return fmt.Errorf("put %s record %d: %w", l.id, index, err)
	}
	return nil
}

func (l *sqlLog) insertLocked(index int64, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	if _, err := l.db.Exec(`
		INSERT INTO records (actor_id, idx, data) VALUES (?, ?, ?)
	`, l.id, index, data); err != nil {
		return err
	}
	l.length = index + 1
	return nil
}
