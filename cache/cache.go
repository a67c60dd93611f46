// Package cache implements spec.md §4.4's persistent cache as a whole: the
// system-path predicate, the L_root_version coherence model, single-flight
// miss coalescing, and the combined max_entries/max_size cap enforcement
// that sits above cache/lru, cache/blobstore and cache/metadata.
//
// Those three sub-packages each own one mechanical concern (recency
// ordering, content-addressed bytes, crash-tolerant persistence); this file
// is the policy layer spec.md describes in prose -- which paths are even
// eligible for caching, when a cached entry must be revalidated against L,
// and how eviction of one kind of record cascades into another (an attr
// entry's blob becomes an orphan once nothing references it, and orphans go
// first). Single-flight coalescing is grounded on meigma-blob's
// core/cache/disk/blockcache.go, the only place in the retrieval pack that
// pairs a disk cache with golang.org/x/sync/singleflight.
package cache

import (
	"path/filepath"
	"sync"

	"github.com/Overv/outrun/cache/blobstore"
	"github.com/Overv/outrun/cache/metadata"
	"github.com/Overv/outrun/prefetch"
	"github.com/Overv/outrun/proto"
	"golang.org/x/sync/singleflight"
)

// Config holds the subset of spec.md §6 keys that shape caching policy.
type Config struct {
	SystemPathPrefixes []string
	MaxEntries         int
	MaxSize            uint64
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		SystemPathPrefixes: prefetch.DefaultSystemPathPrefixes(),
		MaxEntries:         1024,
		MaxSize:            20 << 30,
	}
}

// Cache is R's persistent cache: metadata records (attr/dirlist/readlink/
// negative/blob-reference) in cache/metadata, blob bytes in
// cache/blobstore, governed by the policy in this file.
type Cache struct {
	cfg   Config
	meta  *metadata.Store
	blobs *blobstore.Store
	sf    singleflight.Group

	mu          sync.Mutex
	refcount    map[proto.BlobHash]int
	rootVersion int64
	revalidated map[string]bool
}

// Open opens (creating if necessary) a Cache rooted at dir, with meta/ and
// blobs/ subdirectories matching spec.md §4.4's layout.
func Open(dir string, cfg Config) (*Cache, error) {
	meta, err := metadata.Open(filepath.Join(dir, "meta"), cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, err
	}
	return &Cache{
		cfg:         cfg,
		meta:        meta,
		blobs:       blobs,
		refcount:    make(map[proto.BlobHash]int),
		revalidated: make(map[string]bool),
	}, nil
}

// Close flushes and closes the underlying metadata log.
func (c *Cache) Close() error { return c.meta.Close() }

// IsSystemPath reports whether path falls under one of the configured
// system-path prefix globs. Only system paths are eligible for persistent
// metadata caching across requests (spec.md §4.4); everything else bypasses
// the cache except for intra-request prefetch use, which callers hold in a
// local map rather than routing through Cache.
func (c *Cache) IsSystemPath(path string) bool {
	return prefetch.IsSystemPath(c.cfg.SystemPathPrefixes, path)
}

// BeginSession starts a new coherence epoch: rootVersion is the
// L_root_version stamp captured at session start (spec.md §4.4). Every
// system-path entry now requires revalidation on first use before a reader
// may trust it.
func (c *Cache) BeginSession(rootVersion int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rootVersion = rootVersion
	c.revalidated = make(map[string]bool)
}

// NeedsRevalidation reports whether path must be checked against L before
// its cached entry can be trusted in the current session. Always false for
// non-system paths, since those are never persistently cached in the first
// place.
func (c *Cache) NeedsRevalidation(path string) bool {
	if !c.IsSystemPath(path) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.revalidated[path]
}

// MarkRevalidated records that path's validator was confirmed unchanged
// against L this session (the caller bundled the check into a bulk_fetch,
// per spec.md §4.4).
func (c *Cache) MarkRevalidated(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revalidated[path] = true
}

// Invalidate evicts path and marks it as requiring revalidation again; used
// when a revalidation check finds the entry's validator no longer matches
// what L reports.
func (c *Cache) Invalidate(path string) error {
	c.mu.Lock()
	delete(c.revalidated, path)
	c.mu.Unlock()
	return c.erase(path)
}

// LookUpAttr returns the cached attributes and validator for path, if
// present. Only system paths are ever stored, so a miss on a user path is
// expected and not itself meaningful.
func (c *Cache) LookUpAttr(path string) (proto.Attributes, proto.Validator, bool) {
	rec, ok := c.meta.LookUp(path)
	if !ok || rec.Kind != proto.KindAttr {
		return proto.Attributes{}, proto.Validator{}, false
	}
	return rec.Attr, rec.Validator, true
}

// LookUpDirList returns the cached directory listing for path, if present.
func (c *Cache) LookUpDirList(path string) ([]proto.DirEntry, proto.Validator, bool) {
	rec, ok := c.meta.LookUp(path)
	if !ok || rec.Kind != proto.KindDirList {
		return nil, proto.Validator{}, false
	}
	return rec.Children, rec.Validator, true
}

// LookUpReadlink returns the cached link target for path, if present.
func (c *Cache) LookUpReadlink(path string) (string, proto.Validator, bool) {
	rec, ok := c.meta.LookUp(path)
	if !ok || rec.Kind != proto.KindReadlink {
		return "", proto.Validator{}, false
	}
	return rec.LinkTarget, rec.Validator, true
}

// LookUpNegative reports whether path has a warm negative entry for op,
// and if so the error it should fail with -- serving spec.md's P6 ("a stat
// of a known-absent companion file does not issue an RPC if its negative
// entry is warm") without a round trip.
func (c *Cache) LookUpNegative(path string, op proto.Opcode) (proto.ErrorCode, bool) {
	rec, ok := c.meta.LookUp(path)
	if !ok || rec.Kind != proto.KindNegative || rec.NegOp != op {
		return 0, false
	}
	return rec.NegErr, true
}

// LookUpBlob returns the bytes for the blob referenced by path, if both the
// reference and the underlying blob are present.
func (c *Cache) LookUpBlob(path string) ([]byte, proto.Validator, bool) {
	rec, ok := c.meta.LookUp(path)
	if !ok || rec.Kind != proto.KindBlob {
		return nil, proto.Validator{}, false
	}
	data, err := c.blobs.Get(rec.BlobHash)
	if err != nil {
		return nil, proto.Validator{}, false
	}
	return data, rec.Validator, true
}

// InsertAttr caches attr for path if path is a system path; a no-op
// otherwise, since user paths are never cached beyond a single request.
func (c *Cache) InsertAttr(path string, attr proto.Attributes, v proto.Validator) error {
	if !c.IsSystemPath(path) {
		return nil
	}
	return c.insert(metadata.Record{Path: path, Kind: proto.KindAttr, Attr: attr, Validator: v})
}

// InsertDirList caches a directory listing for path.
func (c *Cache) InsertDirList(path string, children []proto.DirEntry, v proto.Validator) error {
	if !c.IsSystemPath(path) {
		return nil
	}
	return c.insert(metadata.Record{Path: path, Kind: proto.KindDirList, Children: children, Validator: v})
}

// InsertReadlink caches a symlink target for path.
func (c *Cache) InsertReadlink(path, target string, v proto.Validator) error {
	if !c.IsSystemPath(path) {
		return nil
	}
	return c.insert(metadata.Record{Path: path, Kind: proto.KindReadlink, LinkTarget: target, Validator: v})
}

// InsertNegative caches a known error for (path, op), e.g. a probed
// companion file that does not exist.
func (c *Cache) InsertNegative(path string, op proto.Opcode, errCode proto.ErrorCode, v proto.Validator) error {
	if !c.IsSystemPath(path) {
		return nil
	}
	return c.insert(metadata.Record{Path: path, Kind: proto.KindNegative, NegOp: op, NegErr: errCode, Validator: v})
}

// InsertBlob stores data content-addressed in the blob store and records
// path's reference to it. Multiple paths with identical content share one
// on-disk blob; the reference count only reaches zero, and the blob is only
// deleted, once every referencing path's meta record is gone.
func (c *Cache) InsertBlob(path string, data []byte, v proto.Validator) error {
	if !c.IsSystemPath(path) {
		return nil
	}
	hash, _, err := c.blobs.Put(data)
	if err != nil {
		return err
	}
	c.bumpRef(hash, 1)
	rec := metadata.Record{Path: path, Kind: proto.KindBlob, BlobHash: hash, BlobLength: uint64(len(data)), Validator: v}
	if err := c.insert(rec); err != nil {
		c.bumpRef(hash, -1)
		return err
	}
	return nil
}

// FetchBlob returns the cached blob for path if present; otherwise it calls
// fetch, coalescing concurrent misses on the same path into a single call
// (spec.md's P5: "under N concurrent misses on the same key, exactly one
// RPC is issued and all N callers observe the same result"), caches the
// result, and returns it.
func (c *Cache) FetchBlob(path string, fetch func() ([]byte, proto.Validator, error)) ([]byte, proto.Validator, error) {
	if data, v, ok := c.LookUpBlob(path); ok {
		return data, v, nil
	}

	type result struct {
		data []byte
		v    proto.Validator
	}
	v, err, _ := c.sf.Do(path, func() (interface{}, error) {
		// Re-check under the singleflight key: another caller may have
		// populated the cache between our LookUpBlob above and acquiring
		// this slot.
		if data, v, ok := c.LookUpBlob(path); ok {
			return result{data, v}, nil
		}
		data, validator, err := fetch()
		if err != nil {
			return result{}, err
		}
		if err := c.InsertBlob(path, data, validator); err != nil {
			return result{}, err
		}
		return result{data, validator}, nil
	})
	if err != nil {
		return nil, proto.Validator{}, err
	}
	r := v.(result)
	return r.data, r.v, nil
}

func (c *Cache) insert(rec metadata.Record) error {
	evicted, err := c.meta.Insert(rec)
	if err != nil {
		return err
	}
	c.reconcileEvicted(evicted)
	return c.enforceEntryCap()
}

func (c *Cache) erase(path string) error {
	rec, ok := c.meta.Peek(path)
	if err := c.meta.Erase(path); err != nil {
		return err
	}
	if ok {
		c.reconcileEvicted([]metadata.Record{rec})
	}
	return nil
}

// reconcileEvicted releases blob references for every evicted KindBlob
// record, deleting the underlying blob once it is orphaned (no remaining
// referrer), per spec.md §4.4's "a blob is evictable only when no attr
// entry references it; orphan blobs are evicted first" -- enforced here as
// "a blob is deleted exactly when its last referrer is gone."
func (c *Cache) reconcileEvicted(evicted []metadata.Record) {
	for _, rec := range evicted {
		if rec.Kind != proto.KindBlob {
			continue
		}
		if c.bumpRef(rec.BlobHash, -1) == 0 {
			c.blobs.Delete(rec.BlobHash)
		}
	}
}

func (c *Cache) bumpRef(hash proto.BlobHash, delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.refcount[hash] + delta
	if n <= 0 {
		delete(c.refcount, hash)
		return 0
	}
	c.refcount[hash] = n
	return n
}

// enforceEntryCap evicts least-recently-used entries until the live count
// is at or under cfg.MaxEntries. cache/metadata already enforces the
// max_size byte budget (passed in at Open); max_entries is a separate,
// count-based cap spec.md requires evaluating "after every insert" (P3).
func (c *Cache) enforceEntryCap() error {
	if c.cfg.MaxEntries <= 0 {
		return nil
	}
	for c.meta.Len() > c.cfg.MaxEntries {
		victim := c.meta.LeastRecentlyUsed()
		if victim == "" {
			return nil
		}
		if err := c.erase(victim); err != nil {
			return err
		}
	}
	return nil
}
