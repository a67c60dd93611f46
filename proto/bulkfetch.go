package proto

// EntryKind identifies which of the CacheEntry kinds (spec.md §3) a
// BulkEntry carries. It is a closed sum: the codec and the cache are total
// over it, per the "dynamic dispatch replaced by tagged unions" design note
// in spec.md §9.
type EntryKind uint8

const (
	KindAttr EntryKind = iota
	KindDirList
	KindReadlink
	KindBlob
	KindNegative
)

func (k EntryKind) String() string {
	switch k {
	case KindAttr:
		return "attr"
	case KindDirList:
		return "dirlist"
	case KindReadlink:
		return "readlink"
	case KindBlob:
		return "blob"
	case KindNegative:
		return "negative"
	default:
		return "unknown"
	}
}

// BulkEntry is one heterogeneous item in a bulk_fetch bundle (spec.md §4.5).
// Exactly one of the kind-specific fields is populated, selected by Kind. A
// failed prefetch item is represented as Kind == KindNegative with NegOp/
// NegErr set, rather than failing the whole bundle.
type BulkEntry struct {
	Path      string
	Kind      EntryKind
	Validator Validator

	Attr       Attributes // Kind == KindAttr
	Children   []DirEntry // Kind == KindDirList
	LinkTarget string     // Kind == KindReadlink
	Blob       Blob       // Kind == KindBlob

	NegOp  Opcode    // Kind == KindNegative: which op would have produced this
	NegErr ErrorCode // Kind == KindNegative: the cached error
}

func (b BulkEntry) encode(e *Encoder) {
	e.WriteString(b.Path)
	e.WriteUint8(uint8(b.Kind))
	b.Validator.encode(e)

	switch b.Kind {
	case KindAttr:
		b.Attr.encode(e)
	case KindDirList:
		encodeDirEntries(e, b.Children)
	case KindReadlink:
		e.WriteString(b.LinkTarget)
	case KindBlob:
		b.Blob.encode(e)
	case KindNegative:
		e.WriteUint8(uint8(b.NegOp))
		e.WriteUint8(uint8(b.NegErr))
	}
}

func decodeBulkEntry(d *Decoder) (b BulkEntry, err error) {
	if b.Path, err = d.ReadString(); err != nil {
		return
	}
	kind, err := d.ReadUint8()
	if err != nil {
		return
	}
	b.Kind = EntryKind(kind)
	if b.Validator, err = decodeValidator(d); err != nil {
		return
	}

	switch b.Kind {
	case KindAttr:
		b.Attr, err = decodeAttributes(d)
	case KindDirList:
		b.Children, err = decodeDirEntries(d)
	case KindReadlink:
		b.LinkTarget, err = d.ReadString()
	case KindBlob:
		b.Blob, err = decodeBlob(d)
	case KindNegative:
		var op, ec uint8
		if op, err = d.ReadUint8(); err != nil {
			return
		}
		if ec, err = d.ReadUint8(); err != nil {
			return
		}
		b.NegOp = Opcode(op)
		b.NegErr = ErrorCode(ec)
	default:
		err = NewError(ErrProtocol, "unknown bulk entry kind %d", kind)
	}
	return
}

// BulkFetchRequest asks for a set of paths plus the prefetch closure implied
// by Depth and Kinds (spec.md §4.2, §4.5). Depth applies to directory
// listings (depth=1 returns immediate children's attributes); Kinds filters
// which entry kinds the caller is interested in receiving for the primary
// paths (the server still returns whatever prefetch policy adds).
type BulkFetchRequest struct {
	Paths []string
	Depth int
	Kinds []EntryKind
}

func (r BulkFetchRequest) Marshal() []byte {
	e := NewEncoder()
	e.WriteStrings(r.Paths)
	e.WriteUint32(uint32(r.Depth))
	e.WriteUint32(uint32(len(r.Kinds)))
	for _, k := range r.Kinds {
		e.WriteUint8(uint8(k))
	}
	return e.Bytes()
}

func UnmarshalBulkFetchRequest(b []byte) (r BulkFetchRequest, err error) {
	d := NewDecoder(b)
	if r.Paths, err = d.ReadStrings(); err != nil {
		return
	}
	depth, err := d.ReadUint32()
	if err != nil {
		return
	}
	r.Depth = int(depth)
	n, err := d.ReadUint32()
	if err != nil {
		return
	}
	if int(n) > d.remaining() {
		return r, ErrTruncated
	}
	r.Kinds = make([]EntryKind, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := d.ReadUint8()
		if err != nil {
			return r, err
		}
		r.Kinds = append(r.Kinds, EntryKind(k))
	}
	return
}

// BulkFetchResponse carries the bundle. Per-item errors are embedded as
// KindNegative entries; Err here is reserved for request-level failures
// (e.g. every path outside the server's root).
type BulkFetchResponse struct {
	Entries []BulkEntry
	Err     error
}

func (r BulkFetchResponse) Marshal() []byte {
	e := NewEncoder()
	if r.Err != nil {
		e.WriteBool(false)
		code, msg := CodeOf(r.Err)
		e.WriteErrorCode(code, msg)
		return e.Bytes()
	}
	e.WriteBool(true)
	e.WriteUint32(uint32(len(r.Entries)))
	for _, entry := range r.Entries {
		entry.encode(e)
	}
	return e.Bytes()
}

func UnmarshalBulkFetchResponse(b []byte) (r BulkFetchResponse, err error) {
	d := NewDecoder(b)
	ok, err := d.ReadBool()
	if err != nil {
		return
	}
	if !ok {
		code, msg, derr := d.ReadErrorCode()
		if derr != nil {
			return r, derr
		}
		r.Err = AsErr(code, msg)
		return r, nil
	}
	n, err := d.ReadUint32()
	if err != nil {
		return
	}
	if int(n) > d.remaining() {
		return r, ErrTruncated
	}
	r.Entries = make([]BulkEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		entry, err := decodeBulkEntry(d)
		if err != nil {
			return r, err
		}
		r.Entries = append(r.Entries, entry)
	}
	return
}
