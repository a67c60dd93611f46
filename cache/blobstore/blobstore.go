// Package blobstore implements the content-addressed blob half of R's
// persistent cache (spec.md §4.4, the blobs/ subtree): files are stored by
// their sha256 hash, under a hex-sharded directory layout, written via
// temp-file-then-atomic-rename so a crash mid-write can never leave a
// partial blob visible under its final name.
//
// Grounded directly on meigma-blob's core/cache/disk.Cache: the same
// sharded hex path scheme, os.CreateTemp+io.Copy+os.Rename write path, and
// atomic.Int64 byte counter. Unlike that cache, eviction policy here lives
// one layer up (cache.Cache, driven by cache/lru) rather than inside the
// store itself -- spec.md keeps the recency index (meta/) and the blob
// bytes (blobs/) as separate concerns, so Store only ever adds and removes
// blobs on command; it never decides to.
package blobstore

import (
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/Overv/outrun/proto"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o600
)

// Store is a content-addressed blob store rooted at a blobs/ directory.
type Store struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	filePerm       os.FileMode
	bytes          atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithShardPrefixLen overrides the default 2 hex characters used to shard
// blobs into subdirectories (keeps any one directory from accumulating
// enough entries to slow down readdir on the host filesystem).
func WithShardPrefixLen(n int) Option {
	return func(s *Store) { s.shardPrefixLen = n }
}

// WithDirPerm overrides the permission bits used for created directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) { s.dirPerm = mode }
}

// Open opens (creating if necessary) a Store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("blobstore: dir is empty")
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		filePerm:       defaultFilePerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("blobstore: shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	s.bytes.Store(size)
	return s, nil
}

func (s *Store) path(hash proto.BlobHash) string {
	hexHash := hex.EncodeToString(hash[:])
	if s.shardPrefixLen <= 0 || s.shardPrefixLen > len(hexHash) {
		return filepath.Join(s.dir, hexHash)
	}
	return filepath.Join(s.dir, hexHash[:s.shardPrefixLen], hexHash)
}

// Has reports whether a blob with the given hash is already on disk.
func (s *Store) Has(hash proto.BlobHash) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Get returns the raw bytes stored under hash. The caller is responsible
// for verifying them against hash; Store does not re-hash on read (the
// P2 invariant check happens once, at Put, and again opportunistically by
// callers via proto.DecodeBlob when they have reason to distrust the disk).
func (s *Store) Get(hash proto.BlobHash) ([]byte, error) {
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// OpenFile returns an *os.File for streaming reads of the blob stored under
// hash, used for large files the caller doesn't want to load fully into
// memory.
func (s *Store) OpenFile(hash proto.BlobHash) (*os.File, error) {
	return os.Open(s.path(hash))
}

// Put stores data under its content hash, returning the hash and the number
// of bytes newly written (0 if the blob already existed). Writes go through
// a temp file in the same shard directory, fsynced and atomically renamed
// into place, so a concurrent Get or a crash never observes a partial file.
func (s *Store) Put(data []byte) (proto.BlobHash, int64, error) {
	hash := proto.HashBlob(data)
	path := s.path(hash)

	if _, err := os.Stat(path); err == nil {
		return hash, 0, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return hash, 0, err
	}

	tmp, err := os.CreateTemp(dir, "blob-*.tmp")
	if err != nil {
		return hash, 0, err
	}
	tmpPath := tmp.Name()

	n, err := tmp.Write(data)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return hash, 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return hash, 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return hash, 0, err
	}
	if err := os.Chmod(tmpPath, s.filePerm); err != nil {
		os.Remove(tmpPath)
		return hash, 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Another Put may have raced us to the same content-addressed path;
		// if it's there now, our write was redundant, not an error.
		if _, statErr := os.Stat(path); statErr == nil {
			os.Remove(tmpPath)
			return hash, 0, nil
		}
		os.Remove(tmpPath)
		return hash, 0, err
	}

	s.bytes.Add(int64(n))
	return hash, int64(n), nil
}

// PutReader is like Put but streams from r instead of requiring the whole
// blob in memory; it hashes while writing so the content hash doesn't have
// to be known up front.
func (s *Store) PutReader(r io.Reader) (proto.BlobHash, int64, error) {
	tmp, err := os.CreateTemp(s.dir, "blob-*.tmp")
	if err != nil {
		return proto.BlobHash{}, 0, err
	}
	tmpPath := tmp.Name()

	hasher := proto.NewBlobHasher()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return proto.BlobHash{}, 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return proto.BlobHash{}, 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return proto.BlobHash{}, 0, err
	}

	hash := hasher.Sum()
	path := s.path(hash)
	if _, statErr := os.Stat(path); statErr == nil {
		os.Remove(tmpPath)
		return hash, 0, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), s.dirPerm); err != nil {
		os.Remove(tmpPath)
		return hash, 0, err
	}
	if err := os.Chmod(tmpPath, s.filePerm); err != nil {
		os.Remove(tmpPath)
		return hash, 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			os.Remove(tmpPath)
			return hash, 0, nil
		}
		os.Remove(tmpPath)
		return hash, 0, err
	}

	s.bytes.Add(n)
	return hash, n, nil
}

// Delete removes the blob stored under hash, if any.
func (s *Store) Delete(hash proto.BlobHash) error {
	path := s.path(hash)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	s.bytes.Add(-info.Size())
	return nil
}

// SizeBytes returns the total number of bytes currently stored.
func (s *Store) SizeBytes() int64 { return s.bytes.Load() }

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
