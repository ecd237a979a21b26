// Package store implements the node-local key-value container: a
// thread-safe mapping from opaque string keys to opaque byte values,
// plus the enumeration helpers ownership transfer needs.
//
// It is backed by kioshun's sharded in-memory cache rather than a
// hand-rolled map. Put, Delete, Clear and SnapshotWhere additionally
// take a store-wide write lock, so writes are serialized even on
// unrelated keys. Capacity and TTL are both configured off so entries
// persist until an explicit Delete, matching the ring's no-expiry
// contract.
package store

import (
	"sync"

	cache "github.com/unkn0wn-root/kioshun"
)

// Store is a thread-safe byte-value key-value container.
type Store struct {
	cache *cache.InMemoryCache[string, []byte]

	// mu serializes put/delete against snapshot_where so a snapshot
	// never observes a torn write to the same key it's reading.
	mu sync.RWMutex
}

// New creates an empty local store.
func New() *Store {
	cfg := cache.DefaultConfig()
	cfg.MaxSize = 0 // unbounded: a ring node must not evict owned data
	cfg.DefaultTTL = 0
	cfg.CleanupInterval = 0
	cfg.EvictionPolicy = cache.LRU
	cfg.StatsEnabled = true

	return &Store{cache: cache.New[string, []byte](cfg)}
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Put stores value under key, replacing any existing value atomically.
func (s *Store) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	_ = s.cache.Set(key, cp, 0) // DefaultTTL is 0, so this never expires
}

// Delete removes key, reporting whether it had been present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cache.Delete(key)
}

// Exists reports whether key is present without copying its value.
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cache.Exists(key)
}

// Size returns the number of entries currently stored.
func (s *Store) Size() int {
	return int(s.cache.Size())
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Clear()
}

// Keys returns a snapshot of all keys currently stored.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cache.Keys()
}

// Entry is a single key/value pair returned by SnapshotWhere.
type Entry struct {
	Key   string
	Value []byte
}

// SnapshotWhere returns a consistent point-in-time view of every entry
// whose key satisfies pred. Held under the store's write lock so it
// cannot race a concurrent Put/Delete on the keys it visits.
func (s *Store) SnapshotWhere(pred func(key string) bool) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.cache.Export(pred, 0)
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		v := make([]byte, len(it.Val))
		copy(v, it.Val)
		out = append(out, Entry{Key: it.Key, Value: v})
	}
	return out
}

// Close releases the underlying cache's background resources.
func (s *Store) Close() error {
	return s.cache.Close()
}
