package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/jmgilman/go/errors"
)

// Store keeps encoded records by address.
// It has no notion of freshness, quota or keys; the Zone owns all of that.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the record stored at address, and whether it exists.
	Get(address string) ([]byte, bool, error)
	// Put stores the record at address, replacing any previous record.
	Put(address string, record []byte) error
	// Delete removes the record at address. Deleting a missing record is not an error.
	Delete(address string) error
	// Scan calls fn for every stored record. It stops at the first error from fn
	// or when ctx is done.
	Scan(ctx context.Context, fn func(address string, record []byte) error) error
	Close() error
}

// MemoryStore keeps records in a map. Its content is lost on restart.
type MemoryStore struct {
	mutex *sync.RWMutex
	db    map[string][]byte
}

func NewMemoryStore() MemoryStore {
	return MemoryStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string][]byte),
	}
}

func (m MemoryStore) Get(address string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	b, ok := m.db[address]
	return b, ok, nil
}

func (m MemoryStore) Put(address string, record []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[address] = record
	return nil
}

func (m MemoryStore) Delete(address string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, address)
	return nil
}

func (m MemoryStore) Scan(ctx context.Context, fn func(address string, record []byte) error) error {
	m.mutex.RLock()
	addresses := make([]string, 0, len(m.db))
	for address := range m.db {
		addresses = append(addresses, address)
	}
	m.mutex.RUnlock()
	sort.Strings(addresses)

	for _, address := range addresses {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, ok, _ := m.Get(address)
		if !ok {
			continue
		}
		if err := fn(address, b); err != nil {
			return err
		}
	}
	return nil
}

func (m MemoryStore) Close() error {
	return nil
}

// OpenStore opens a store by kind: "memory", "sqlite" (path is the db file)
// or "leveldb" (path is the directory). With hotItems > 0 a disk store gets
// an in-memory LRU of that many records in front of it.
func OpenStore(kind, path string, hotItems int) (Store, error) {
	var store Store
	var err error
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		store, err = NewSQLiteStore(path)
	case "leveldb":
		store, err = NewLevelDBStore(path)
	default:
		return nil, errors.Newf(errors.CodeInvalidConfig, "unknown store %q", kind)
	}
	if err != nil {
		return nil, storageIO(err, "open", path)
	}
	if hotItems > 0 {
		tiered, err := NewTieredStore(store, hotItems)
		if err != nil {
			store.Close()
			return nil, err
		}
		return tiered, nil
	}
	return store, nil
}
