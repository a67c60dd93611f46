// Package lru implements the recency/eviction structure spec.md §4.4
// requires for R's persistent cache: a capacity-bounded map that evicts the
// least-recently-used entry first, ordered by a monotonic logical clock
// rather than wall time so that correctness never depends on the system
// clock (a NIC-triggered NTP step shouldn't reorder the eviction queue).
//
// The API shape -- ValueType with a Size() method, Insert returning the
// values it evicted, LookUp promoting on hit, CheckInvariants for tests --
// follows gcsfuse's internal/cache/lru package. That package tracked recency
// implicitly via list order; this one additionally stamps every entry with
// an internal logical clock value (advanced by each Insert and LookUp)
// instead of time.Now(). Eviction order itself is the list order.
package lru

import (
	"container/list"
	"errors"
)

// InvalidEntryErrorMsg is returned (wrapped in an error) when Insert is
// called with a nil value.
const InvalidEntryErrorMsg = "can't insert nil value into lru.Cache"

// ValueType is the interface cached values must implement so the cache can
// enforce its capacity in bytes rather than entry count.
type ValueType interface {
	Size() uint64
}

type entry struct {
	key     string
	value   ValueType
	lastUse uint64
}

// Cache is a capacity-bounded, LRU-ordered map from string keys to
// ValueType. It is not safe for concurrent use by multiple goroutines
// without external synchronization -- callers needing that should wrap it
// (spec.md's cache.Cache does, pairing it with the metadata/blobstore
// locks it already needs to take).
type Cache struct {
	maxSize   uint64
	totalSize uint64
	clock     uint64
	ll        *list.List // of *entry, front = most recently used
	index     map[string]*list.Element
}

// NewCache builds a Cache that evicts once the sum of its values' Size()
// exceeds maxSize.
func NewCache(maxSize uint64) *Cache {
	return &Cache{
		maxSize: maxSize,
		ll:      list.New(),
		index:   make(map[string]*list.Element),
	}
}

// tick advances the logical clock and returns the new value, used to stamp
// the entry touched by this operation as the most recent.
func (c *Cache) tick() uint64 {
	c.clock++
	return c.clock
}

// Insert adds or replaces the value for key, evicting least-recently-used
// entries until the cache is back under maxSize. It returns every evicted
// value, in eviction order, and an error only when value is nil.
func (c *Cache) Insert(key string, value ValueType) ([]ValueType, error) {
	if value == nil {
		return nil, errors.New(InvalidEntryErrorMsg)
	}

	if el, ok := c.index[key]; ok {
		old := el.Value.(*entry)
		c.totalSize -= old.value.Size()
		old.value = value
		old.lastUse = c.tick()
		c.totalSize += value.Size()
		c.ll.MoveToFront(el)
	} else {
		e := &entry{key: key, value: value, lastUse: c.tick()}
		el := c.ll.PushFront(e)
		c.index[key] = el
		c.totalSize += value.Size()
	}

	var evicted []ValueType
	for c.totalSize > c.maxSize {
		back := c.ll.Back()
		if back == nil {
			break
		}
		ev := back.Value.(*entry)
		// Never evict the entry that was just inserted/updated, even if it
		// alone exceeds maxSize: the caller asked for it explicitly, so make
		// room around it rather than immediately discarding it.
		if ev.key == key {
			break
		}
		c.ll.Remove(back)
		delete(c.index, ev.key)
		c.totalSize -= ev.value.Size()
		evicted = append(evicted, ev.value)
	}
	return evicted, nil
}

// LookUp returns the value stored for key, promoting it to most-recently-
// used, or nil if key is not present.
func (c *Cache) LookUp(key string) ValueType {
	el, ok := c.index[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	e.lastUse = c.tick()
	c.ll.MoveToFront(el)
	return e.value
}

// Peek is like LookUp but does not affect recency, for callers inspecting
// the cache without counting as a use (diagnostics, CheckInvariants).
func (c *Cache) Peek(key string) ValueType {
	el, ok := c.index[key]
	if !ok {
		return nil
	}
	return el.Value.(*entry).value
}

// Erase removes key and returns the value it held, or nil if absent.
func (c *Cache) Erase(key string) ValueType {
	el, ok := c.index[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.index, key)
	c.totalSize -= e.value.Size()
	return e.value
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int { return c.ll.Len() }

// TotalSize reports the sum of Size() across all cached values.
func (c *Cache) TotalSize() uint64 { return c.totalSize }

// LeastRecentlyUsedKey returns the key that would be evicted next, or "" if
// the cache is empty. Used (via metadata.Store.LeastRecentlyUsed) by
// cache.Cache's max_entries enforcement to pick the next victim without
// evicting it here; no orphan-first or size-based tie-break is applied.
func (c *Cache) LeastRecentlyUsedKey() string {
	back := c.ll.Back()
	if back == nil {
		return ""
	}
	return back.Value.(*entry).key
}

// Range calls f for every entry in least-recently-used-first order,
// stopping early if f returns false. f must not call back into the same
// Cache.
func (c *Cache) Range(f func(key string, value ValueType) bool) {
	for el := c.ll.Back(); el != nil; {
		e := el.Value.(*entry)
		prev := el.Prev()
		if !f(e.key, e.value) {
			return
		}
		el = prev
	}
}

// CheckInvariants panics if the cache's internal bookkeeping has drifted:
// the index and list must agree on membership, and totalSize must equal
// the sum of every entry's Size(). Intended for use in tests.
func (c *Cache) CheckInvariants() {
	if len(c.index) != c.ll.Len() {
		panic("lru: index and list disagree on length")
	}
	var sum uint64
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		indexed, ok := c.index[e.key]
		if !ok || indexed != el {
			panic("lru: entry in list missing from index")
		}
		sum += e.value.Size()
	}
	if sum != c.totalSize {
		panic("lru: totalSize does not match sum of entry sizes")
	}
}
