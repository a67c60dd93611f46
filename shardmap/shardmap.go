// Package shardmap implements the generic lock-striped map spec.md §5 calls
// for: handle tables (open file handles, open directory handles) are read
// and written by many concurrent FUSE upcalls, but any one key is almost
// never contended against itself, so a single mutex over the whole table
// would serialize unrelated operations for no reason.
//
// The striping scheme (hash the key, take it modulo a fixed bucket count,
// lock only that bucket) mirrors the prefix-sharding meigma-blob's
// disk cache uses to spread unrelated files across directories
// (core/cache/disk/cache.go, core/cache/disk/blockcache.go); here the shards
// are in-memory mutexes instead of subdirectories, generalized with Go
// generics since the key type varies (uint64 file handles, string paths).
package shardmap

import (
	"hash/maphash"
	"sync"
)

// DefaultShards is the stripe count used when callers don't override it.
// 16 matches spec.md §5's worker cap
// so that, under even load, no shard sees more than one concurrent upcall
// at a time from the worker pool.
const DefaultShards = 16

// Map is a sharded, generic, concurrency-safe map. The zero value is not
// usable; construct with New.
type Map[K comparable, V any] struct {
	shards []*shard[K, V]
	seed   maphash.Seed
	hash   func(maphash.Seed, K) uint64
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// New builds a Map with n shards (used as given, not rounded; 0 or less
// means DefaultShards) and a hash function for K. Callers pass the hash function
// because maphash can't be told how to hash an arbitrary comparable type
// generically; HashString and HashUint64 below cover the two key types this
// module actually uses.
func New[K comparable, V any](n int, hash func(maphash.Seed, K) uint64) *Map[K, V] {
	if n <= 0 {
		n = DefaultShards
	}
	shards := make([]*shard[K, V], n)
	for i := range shards {
		shards[i] = &shard[K, V]{m: make(map[K]V)}
	}
	return &Map[K, V]{shards: shards, seed: maphash.MakeSeed(), hash: hash}
}

// HashUint64 is a shardmap.New hash function for uint64 keys (handle
// tables).
func HashUint64(seed maphash.Seed, k uint64) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(k >> (8 * i))
	}
	h.Write(b[:])
	return h.Sum64()
}

// HashString is a shardmap.New hash function for string keys (path-indexed
// tables).
func HashString(seed maphash.Seed, k string) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	h.WriteString(k)
	return h.Sum64()
}

func (m *Map[K, V]) shardFor(k K) *shard[K, V] {
	idx := m.hash(m.seed, k) % uint64(len(m.shards))
	return m.shards[idx]
}

// Load returns the value stored for k, if any.
func (m *Map[K, V]) Load(k K) (V, bool) {
	s := m.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[k]
	return v, ok
}

// Store sets the value for k.
func (m *Map[K, V]) Store(k K, v V) {
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = v
}

// LoadOrStore returns the existing value for k if present, otherwise stores
// and returns v.
func (m *Map[K, V]) LoadOrStore(k K, v V) (actual V, loaded bool) {
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.m[k]; ok {
		return existing, true
	}
	s.m[k] = v
	return v, false
}

// Delete removes k, if present.
func (m *Map[K, V]) Delete(k K) {
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, k)
}

// LoadAndDelete removes k and returns the value it held, if any.
func (m *Map[K, V]) LoadAndDelete(k K) (V, bool) {
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	if ok {
		delete(s.m, k)
	}
	return v, ok
}

// Len returns the total number of entries across all shards. Intended for
// diagnostics, not hot-path logic: it takes every shard's read lock in
// sequence rather than a single global lock.
func (m *Map[K, V]) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Range calls f for every entry in an unspecified order, stopping early if f
// returns false. f must not call back into the same Map.
func (m *Map[K, V]) Range(f func(K, V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.m {
			if !f(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}
