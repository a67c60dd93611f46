package proto

import (
	"crypto/sha256"
	"hash"
)

// Attributes mirrors spec.md §3's attribute record. Times are Unix
// nanoseconds; Mode carries raw POSIX mode_t bits (the S_IF* file type plus
// permission bits), as localfs fills it from the stat result on L; callers
// on the FUSE side translate it to fuseops.InodeAttributes.
type Attributes struct {
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Atime int64
	Mtime int64
	Ctime int64
	Nlink uint32
	Rdev  uint32
	// InoHint is filled in by localfs on L from the file's inode number. It
	// is not part of the Attributes wire encoding, so it is zero on
	// Attributes decoded from the wire; bulk_fetch carries it to R in
	// Validator.InoHintServer instead.
	InoHint uint64 `json:"-"`
}

func (a Attributes) encode(e *Encoder) {
	e.WriteUint32(a.Mode)
	e.WriteUint32(a.Uid)
	e.WriteUint32(a.Gid)
	e.WriteUint64(a.Size)
	e.WriteInt64(a.Atime)
	e.WriteInt64(a.Mtime)
	e.WriteInt64(a.Ctime)
	e.WriteUint32(a.Nlink)
	e.WriteUint32(a.Rdev)
}

// Encode appends a's wire encoding to e. Exported for packages outside
// proto (cache/metadata) that persist Attributes in their own on-disk
// records using this same primitive encoding.
func (a Attributes) Encode(e *Encoder) { a.encode(e) }

// DecodeAttributes is the exported counterpart of Encode.
func DecodeAttributes(d *Decoder) (Attributes, error) { return decodeAttributes(d) }

func decodeAttributes(d *Decoder) (a Attributes, err error) {
	if a.Mode, err = d.ReadUint32(); err != nil {
		return
	}
	if a.Uid, err = d.ReadUint32(); err != nil {
		return
	}
	if a.Gid, err = d.ReadUint32(); err != nil {
		return
	}
	if a.Size, err = d.ReadUint64(); err != nil {
		return
	}
	if a.Atime, err = d.ReadInt64(); err != nil {
		return
	}
	if a.Mtime, err = d.ReadInt64(); err != nil {
		return
	}
	if a.Ctime, err = d.ReadInt64(); err != nil {
		return
	}
	if a.Nlink, err = d.ReadUint32(); err != nil {
		return
	}
	a.Rdev, err = d.ReadUint32()
	return
}

// Validator identifies a specific version of an inode observed on L, per
// spec.md §3. Two validators are equal exactly when neither mtime, size nor
// the server's inode hint has changed.
type Validator struct {
	MtimeNs       int64
	Size          uint64
	InoHintServer uint64
}

func (v Validator) Equal(other Validator) bool {
	return v.MtimeNs == other.MtimeNs && v.Size == other.Size && v.InoHintServer == other.InoHintServer
}

func (v Validator) encode(e *Encoder) {
	e.WriteInt64(v.MtimeNs)
	e.WriteUint64(v.Size)
	e.WriteUint64(v.InoHintServer)
}

// Encode appends v's wire encoding to e.
func (v Validator) Encode(e *Encoder) { v.encode(e) }

// DecodeValidator is the exported counterpart of Encode.
func DecodeValidator(d *Decoder) (Validator, error) { return decodeValidator(d) }

func decodeValidator(d *Decoder) (v Validator, err error) {
	if v.MtimeNs, err = d.ReadInt64(); err != nil {
		return
	}
	if v.Size, err = d.ReadUint64(); err != nil {
		return
	}
	v.InoHintServer, err = d.ReadUint64()
	return
}

// DirEntry is a (name, attributes) pair within a directory listing.
type DirEntry struct {
	Name string
	Attr Attributes
}

func (e DirEntry) encode(enc *Encoder) {
	enc.WriteString(e.Name)
	e.Attr.encode(enc)
}

func decodeDirEntry(d *Decoder) (e DirEntry, err error) {
	if e.Name, err = d.ReadString(); err != nil {
		return
	}
	e.Attr, err = decodeAttributes(d)
	return
}

func encodeDirEntries(e *Encoder, entries []DirEntry) {
	e.WriteUint32(uint32(len(entries)))
	for _, de := range entries {
		de.encode(e)
	}
}

func decodeDirEntries(d *Decoder) ([]DirEntry, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int(n) > d.remaining() {
		return nil, ErrTruncated
	}
	out := make([]DirEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		de, err := decodeDirEntry(d)
		if err != nil {
			return nil, err
		}
		out = append(out, de)
	}
	return out, nil
}

// CompressionTag identifies how a blob's bytes are encoded on the wire, per
// spec.md §4.1: compression is end-to-end over one blob, never across
// messages.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = iota
	CompressionLZ4
)

// BlobHash is the 256-bit content digest spec.md §3 requires: sha256 over
// the uncompressed bytes.
type BlobHash [sha256.Size]byte

func HashBlob(data []byte) BlobHash {
	return sha256.Sum256(data)
}

// BlobHasher streams content through sha256 for callers that don't have the
// whole blob in memory up front (blobstore.Store.PutReader).
type BlobHasher struct {
	h hash.Hash
}

// NewBlobHasher returns a ready-to-use BlobHasher.
func NewBlobHasher() *BlobHasher { return &BlobHasher{h: sha256.New()} }

func (h *BlobHasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum returns the digest of everything written so far.
func (h *BlobHasher) Sum() BlobHash {
	var out BlobHash
	copy(out[:], h.h.Sum(nil))
	return out
}

func (h BlobHash) encode(e *Encoder) { e.buf.Write(h[:]) }

func decodeBlobHash(d *Decoder) (h BlobHash, err error) {
	if d.remaining() < len(h) {
		return h, ErrTruncated
	}
	copy(h[:], d.b[d.off:d.off+len(h)])
	d.off += len(h)
	return h, nil
}

// Blob is the payload described in spec.md §3: the byte contents of a
// regular file, its content hash, and its original (uncompressed) length.
type Blob struct {
	Hash        BlobHash
	Length      uint64
	Compression CompressionTag
	// Data holds exactly what the compression tag says: raw bytes when
	// CompressionNone, an lz4 frame when CompressionLZ4.
	Data []byte
}

func (b Blob) encode(e *Encoder) {
	b.Hash.encode(e)
	e.WriteUint64(b.Length)
	e.WriteUint8(uint8(b.Compression))
	e.WriteBytes(b.Data)
}

func decodeBlob(d *Decoder) (b Blob, err error) {
	if b.Hash, err = decodeBlobHash(d); err != nil {
		return
	}
	if b.Length, err = d.ReadUint64(); err != nil {
		return
	}
	tag, err := d.ReadUint8()
	if err != nil {
		return
	}
	b.Compression = CompressionTag(tag)
	b.Data, err = d.ReadBytes()
	return
}
