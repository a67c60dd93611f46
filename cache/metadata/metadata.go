// Package metadata implements the meta/ subtree of R's persistent cache
// (spec.md §4.4): attr/dirlist/readlink/negative records keyed by L-absolute
// path, held in memory in an lru.Cache for O(1) lookup and eviction, and
// mirrored to disk as an append-only log (meta.idx) plus a periodic
// compaction snapshot (meta.snap) so the cache survives a crash without
// losing more than the last few unflushed records.
//
// Layering follows gcsfuse's internal/cache/metadata package, which wraps a
// shared lru.Cache with a typed view (StatCache/TypeCache) rather than
// reimplementing eviction -- generalized here from an in-memory-only,
// TTL-expiring view to a crash-tolerant on-disk log, since spec.md's
// coherence model revalidates once per session rather than expiring on a
// wall-clock TTL.
package metadata

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Overv/outrun/cache/lru"
	"github.com/Overv/outrun/proto"
)

// Record is one meta/ entry: exactly one of the kind-specific fields is
// populated, selected by Kind, mirroring proto.BulkEntry's shape so the
// FUSE layer can move data between the wire and the cache without a
// separate translation step.
type Record struct {
	Path      string
	Kind      proto.EntryKind
	Validator proto.Validator

	Attr       proto.Attributes
	Children   []proto.DirEntry
	LinkTarget string
	BlobHash   proto.BlobHash
	BlobLength uint64

	NegOp  proto.Opcode
	NegErr proto.ErrorCode

	// bytesOnDisk is an estimate of the record's footprint for LRU
	// accounting; blob entries additionally count the referenced blob's
	// length (spec.md's "ties break by larger bytes_on_disk first").
	bytesOnDisk uint64
}

// Size implements lru.ValueType.
func (r Record) Size() uint64 {
	if r.bytesOnDisk > 0 {
		return r.bytesOnDisk
	}
	return estimateSize(r)
}

func estimateSize(r Record) uint64 {
	const base = 64 // path header, validator, kind tag -- rough fixed overhead
	size := uint64(base + len(r.Path))
	switch r.Kind {
	case proto.KindDirList:
		for _, c := range r.Children {
			size += uint64(len(c.Name)) + 48
		}
	case proto.KindReadlink:
		size += uint64(len(r.LinkTarget))
	case proto.KindBlob:
		size += r.BlobLength
	}
	return size
}

func (r Record) encode(e *proto.Encoder) {
	e.WriteString(r.Path)
	e.WriteUint8(uint8(r.Kind))
	r.Validator.Encode(e)
	switch r.Kind {
	case proto.KindAttr:
		r.Attr.Encode(e)
	case proto.KindDirList:
		e.WriteUint32(uint32(len(r.Children)))
		for _, c := range r.Children {
			e.WriteString(c.Name)
			c.Attr.Encode(e)
		}
	case proto.KindReadlink:
		e.WriteString(r.LinkTarget)
	case proto.KindBlob:
		for _, b := range r.BlobHash {
			e.WriteUint8(b)
		}
		e.WriteUint64(r.BlobLength)
	case proto.KindNegative:
		e.WriteUint8(uint8(r.NegOp))
		e.WriteUint8(uint8(r.NegErr))
	}
}

func decodeRecord(d *proto.Decoder) (r Record, err error) {
	if r.Path, err = d.ReadString(); err != nil {
		return
	}
	kind, err := d.ReadUint8()
	if err != nil {
		return
	}
	r.Kind = proto.EntryKind(kind)
	if r.Validator, err = proto.DecodeValidator(d); err != nil {
		return
	}
	switch r.Kind {
	case tombstoneKind:
		// No further fields: a tombstone carries only the path.
	case proto.KindAttr:
		r.Attr, err = proto.DecodeAttributes(d)
	case proto.KindDirList:
		var n uint32
		if n, err = d.ReadUint32(); err != nil {
			return
		}
		r.Children = make([]proto.DirEntry, 0, n)
		for i := uint32(0); i < n; i++ {
			var name string
			if name, err = d.ReadString(); err != nil {
				return
			}
			var attr proto.Attributes
			if attr, err = proto.DecodeAttributes(d); err != nil {
				return
			}
			r.Children = append(r.Children, proto.DirEntry{Name: name, Attr: attr})
		}
	case proto.KindReadlink:
		r.LinkTarget, err = d.ReadString()
	case proto.KindBlob:
		for i := range r.BlobHash {
			var b uint8
			if b, err = d.ReadUint8(); err != nil {
				return
			}
			r.BlobHash[i] = b
		}
		r.BlobLength, err = d.ReadUint64()
	case proto.KindNegative:
		var op, ec uint8
		if op, err = d.ReadUint8(); err != nil {
			return
		}
		if ec, err = d.ReadUint8(); err != nil {
			return
		}
		r.NegOp = proto.Opcode(op)
		r.NegErr = proto.ErrorCode(ec)
	default:
		err = errors.New("metadata: unknown record kind")
	}
	r.bytesOnDisk = estimateSize(r)
	return
}

// tombstone marks a record as deleted in the log without rewriting the
// whole file; compaction drops tombstoned paths when it rewrites the
// snapshot.
const tombstoneKind = proto.EntryKind(255)

// Store is the on-disk-backed meta/ index: an in-memory lru.Cache fronting
// an append-only log file (idx) and a periodic full snapshot (snap).
type Store struct {
	mu   sync.Mutex
	dir  string
	idx  *os.File
	w    *bufio.Writer
	mem  *lru.Cache
	since int // appends since last compaction
}

const (
	idxFileName  = "meta.idx"
	snapFileName = "meta.snap"
	// compactEvery bounds how many records (inserts and tombstones) the
	// append log accumulates before Store pays for a compaction pass.
	compactEvery = 4096
)

// Open loads dir/meta.snap then replays dir/meta.idx on top of it, applying
// maxSize as the in-memory lru.Cache's byte budget. A checksum failure on
// any log record truncates replay at that point rather than failing to
// open: spec.md's crash model treats the tail of the log as potentially
// torn, never the whole file.
func Open(dir string, maxSize uint64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &Store{dir: dir, mem: lru.NewCache(maxSize)}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	appended, err := s.replayLog()
	if err != nil {
		return nil, err
	}
	s.since = appended

	f, err := os.OpenFile(filepath.Join(dir, idxFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	s.idx = f
	s.w = bufio.NewWriter(f)
	return s, nil
}

func (s *Store) loadSnapshot() error {
	path := filepath.Join(s.dir, snapFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, ok, err := readLogEntry(r)
		if err != nil {
			// A corrupt snapshot is discarded entirely rather than partially
			// trusted -- it's rewritten wholesale by Compact anyway.
			return nil
		}
		if !ok {
			return nil
		}
		s.mem.Insert(rec.Path, rec)
	}
}

func (s *Store) replayLog() (int, error) {
	path := filepath.Join(s.dir, idxFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	n := 0
	for {
		rec, ok, err := readLogEntry(r)
		if err != nil {
			// Torn write at process-of-death: stop replaying, keep what
			// decoded cleanly.
			break
		}
		if !ok {
			break
		}
		if rec.Kind == tombstoneKind {
			s.mem.Erase(rec.Path)
		} else {
			s.mem.Insert(rec.Path, rec)
		}
		n++
	}
	return n, nil
}

// readLogEntry reads one u32-length | u32-crc32 | payload entry. ok is
// false at clean EOF; err is non-nil only for a checksum mismatch or a
// short read mid-record (a torn write).
func readLogEntry(r *bufio.Reader) (Record, bool, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	wantCRC := binary.BigEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, false, err
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return Record{}, false, errors.New("metadata: checksum mismatch")
	}

	rec, err := decodeRecord(proto.NewDecoder(payload))
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func appendLogEntry(w io.Writer, rec Record) error {
	e := proto.NewEncoder()
	rec.encode(e)
	payload := e.Bytes()

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Insert adds or replaces rec, returning any values evicted to make room
// (the caller uses this to release blob references for cache.Cache's
// orphan-blob eviction rule).
func (s *Store) Insert(rec Record) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := appendLogEntry(s.w, rec); err != nil {
		return nil, err
	}
	if err := s.w.Flush(); err != nil {
		return nil, err
	}
	s.since++

	evicted, err := s.mem.Insert(rec.Path, rec)
	if err != nil {
		return nil, err
	}
	if s.since >= compactEvery {
		if cerr := s.compactLocked(); cerr != nil {
			return toRecords(evicted), cerr
		}
	}
	return toRecords(evicted), nil
}

// LookUp returns the record for path, promoting it to most-recently-used,
// or ok=false if absent.
func (s *Store) LookUp(path string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.mem.LookUp(path)
	if v == nil {
		return Record{}, false
	}
	return v.(Record), true
}

// Peek returns the record for path without promoting it to most-recently-
// used, for callers (cache.Cache's eviction bookkeeping) that need to
// inspect a record they are about to evict anyway.
func (s *Store) Peek(path string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.mem.Peek(path)
	if v == nil {
		return Record{}, false
	}
	return v.(Record), true
}

// Erase removes path from both the in-memory index and appends a tombstone
// to the log, so a crash after Erase doesn't resurrect the record on
// replay.
func (s *Store) Erase(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendLogEntry(s.w, Record{Path: path, Kind: tombstoneKind}); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	s.since++
	s.mem.Erase(path)
	return nil
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.Len()
}

// LeastRecentlyUsed returns the path that would be evicted next from the
// in-memory index.
func (s *Store) LeastRecentlyUsed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.LeastRecentlyUsedKey()
}

// Compact rewrites meta.snap from the current live set and truncates
// meta.idx, bounding replay time after the store is reopened.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	tmpPath := filepath.Join(s.dir, snapFileName+".tmp")
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	s.mem.Range(func(_ string, v lru.ValueType) bool {
		err = appendLogEntry(w, v.(Record))
		return err == nil
	})
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, snapFileName)); err != nil {
		return err
	}

	if err := s.idx.Close(); err != nil {
		return err
	}
	idxPath := filepath.Join(s.dir, idxFileName)
	if err := os.Truncate(idxPath, 0); err != nil {
		return err
	}
	nf, err := os.OpenFile(idxPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	s.idx = nf
	s.w = bufio.NewWriter(nf)
	s.since = 0
	return nil
}

// Close flushes and closes the underlying log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.idx.Close()
}

func toRecords(values []lru.ValueType) []Record {
	out := make([]Record, len(values))
	for i, v := range values {
		out[i] = v.(Record)
	}
	return out
}
