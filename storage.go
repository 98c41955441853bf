package haven

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// ============================================================================
// Storage capability
// ============================================================================

// Storage is the durable key-value capability the queue, the alert cache
// and the settings store persist through. Implementations must survive
// process restarts (MemoryStorage, used in tests, deliberately does not).
type Storage interface {
	// Get returns the stored bytes for key and whether the key exists.
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Storage keys. Versioned so a future format change can migrate by key.
const (
	queueStorageKey    = "offline_sos_queue_v1"
	historyStorageKey  = "sos_history_v1"
	alertsStorageKey   = "alerts_cache_v1"
	settingsStorageKey = "app_settings_v1"
	contactsStorageKey = "emergency_contacts_v1"
)

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage. It backs tests and
// ephemeral sessions; state is lost when the process exits.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// ============================================================================
// BoltStorage
// ============================================================================

var boltBucket = []byte("haven")

// BoltStorage is a bbolt-backed Storage. Writes are committed before
// returning, so an enqueue that returns nil is durably recorded.
type BoltStorage struct {
	db *bolt.DB
}

// OpenBoltStorage opens (creating if needed) the store at path.
func OpenBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, value != nil, nil
}

func (s *BoltStorage) Set(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

func (s *BoltStorage) Remove(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
