package feed

import (
	"crypto/ed25519"
	"fmt"
	"sync"
)

// MemoryStore keeps logs in memory. It backs tests and ephemeral repos.
type MemoryStore struct {
	mu     sync.Mutex
	logs   map[string]*memoryLog
	closed bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*memoryLog)}
}

func (s *MemoryStore) Create(kp KeyPair) (Log, error) {
	if !kp.Writable() {
		return nil, fmt.Errorf("create log %s: %w", kp.ID(), ErrNotWritable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	id := kp.ID()
	if l, ok := s.logs[id]; ok {
		l.mu.Lock()
		l.kp = kp
		l.mu.Unlock()
		return l, nil
	}
	l := newMemoryLog(kp)
	s.logs[id] = l
	return l, nil
}

func (s *MemoryStore) Open(id string) (Log, error) {
	pub, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	if l, ok := s.logs[id]; ok {
		return l, nil
	}
	l := newMemoryLog(KeyPair{PublicKey: pub})
	s.logs[id] = l
	return l, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryLog struct {
	kp           KeyPair
	id           string
	discoveryKey string

	mu      sync.RWMutex
	records [][]byte
}

func newMemoryLog(kp KeyPair) *memoryLog {
	return &memoryLog{
		kp:           kp,
		id:           kp.ID(),
		discoveryKey: DiscoveryKey(kp.PublicKey),
	}
}

func (l *memoryLog) ID() string                   { return l.id }
func (l *memoryLog) PublicKey() ed25519.PublicKey { return l.kp.PublicKey }
func (l *memoryLog) DiscoveryKey() string         { return l.discoveryKey }

func (l *memoryLog) Writable() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.kp.Writable()
}

func (l *memoryLog) Length() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.records))
}

func (l *memoryLog) Has(index int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return index >= 0 && index < int64(len(l.records))
}

func (l *memoryLog) Get(index int64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= int64(len(l.records)) {
		return nil, fmt.Errorf("log %s record %d: %w", l.id, index, ErrNotFound)
	}
	return cloneBytes(l.records[index]), nil
}

func (l *memoryLog) Append(data []byte) (int64, error) {
	if !l.Writable() {
		return 0, fmt.Errorf("append to %s: %w", l.id, ErrNotWritable)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, cloneBytes(data))
	return int64(len(l.records) - 1), nil
}

func (l *memoryLog) Put(index int64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.kp.Writable() {
		return fmt.Errorf("put %s record %d: %w", l.id, index, ErrNotWritable)
	}
	length := int64(len(l.records))
	switch {
	case index < length:
		return nil
	case index > length:
		return fmt.Errorf("put %s record %d (length %d): %w", l.id, index, length, ErrGap)
	}
	l.records = append(l.records, cloneBytes(data))
	return nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
