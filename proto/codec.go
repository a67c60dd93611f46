// Package proto implements the wire codec described in spec.md §4.1: framed
// request/response messages with length-prefixed payloads, plus the typed
// records carried inside those payloads (attributes, directory entries,
// blobs, bulk-fetch bundles, and the closed error taxonomy).
//
// The frame format is deliberately not delegated to a general-purpose
// serialization library: spec.md calls for "exactly one framing to keep the
// parser total", and the payload encoding only needs integers, byte strings,
// fixed-width arrays, nested records and tagged unions -- all of which
// encoding/binary and bytes.Buffer express directly. See DESIGN.md.
package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// ErrTruncated is returned by decode helpers when the buffer ends before a
// complete value could be read. The Unmarshal functions return it unwrapped;
// rpcserver's handlers report a request payload that fails to decode to the
// peer as an ErrProtocol error.
var ErrTruncated = errors.New("proto: truncated payload")

// Encoder builds a payload by appending typed fields in order. It never
// fails -- encoding a well-formed Go value into this format cannot run out of
// room, since the buffer grows to fit.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns a ready-to-use Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) WriteUint8(v uint8)   { e.buf.WriteByte(v) }
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
}

func (e *Encoder) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) WriteInt64(v int64) { e.WriteUint64(uint64(v)) }

// WriteBytes writes a u32 length prefix followed by the raw bytes.
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteUint32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *Encoder) WriteString(s string) { e.WriteBytes([]byte(s)) }

// WriteStrings writes a u32 count followed by that many length-prefixed
// strings -- the "fixed-width array" shape spec.md's codec calls for, applied
// to a variable-length element type.
func (e *Encoder) WriteStrings(ss []string) {
	e.WriteUint32(uint32(len(ss)))
	for _, s := range ss {
		e.WriteString(s)
	}
}

// Bytes returns the accumulated payload.
func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

// Decoder reads typed fields from a payload in the order they were written.
// Every method is total: on a short or malformed buffer it returns
// ErrTruncated rather than panicking, per spec.md's P1 ("decode either
// returns a valid message or ProtocolError, never panics").
type Decoder struct {
	b   []byte
	off int
}

// NewDecoder wraps a payload for sequential reads.
func NewDecoder(b []byte) *Decoder { return &Decoder{b: b} }

func (d *Decoder) remaining() int { return len(d.b) - d.off }

func (d *Decoder) ReadUint8() (uint8, error) {
	if d.remaining() < 1 {
		return 0, ErrTruncated
	}
	v := d.b[d.off]
	d.off++
	return v, nil
}

func (d *Decoder) ReadBool() (bool, error) {
	v, err := d.ReadUint8()
	return v != 0, err
}

func (d *Decoder) ReadUint32() (uint32, error) {
	if d.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(d.b[d.off : d.off+4])
	d.off += 4
	return v, nil
}

func (d *Decoder) ReadUint64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint64(d.b[d.off : d.off+8])
	d.off += 8
	return v, nil
}

func (d *Decoder) ReadInt64() (int64, error) {
	v, err := d.ReadUint64()
	return int64(v), err
}

func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	if d.remaining() < int(n) {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, d.b[d.off:d.off+int(n)])
	d.off += int(n)
	return out, nil
}

func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) ReadStrings() ([]string, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	// Bound against payload size: each element needs at least 4 bytes for its
	// own length prefix, so a claimed count larger than the remaining buffer
	// divided by that floor is definitely malformed.
	if int(n) > d.remaining()/4 {
		return nil, ErrTruncated
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Done reports whether every byte of the payload has been consumed. Callers
// that expect no trailing garbage should check this after decoding.
func (d *Decoder) Done() bool { return d.remaining() == 0 }

////////////////////////////////////////////////////////////////////////
// Framing
////////////////////////////////////////////////////////////////////////

// Frame header size: u32 length | u8 opcode | u64 request_id.
const frameHeaderSize = 4 + 1 + 8

// DefaultMaxFrameSize bounds a single frame's payload. Configurable by
// callers via ReadFrame's maxLen parameter; this is just the
// fallback used when zero is passed.
const DefaultMaxFrameSize = 256 << 20 // 256 MiB, matching the §4.5 byte cap headroom

// WriteFrame encodes and writes one frame: length covers opcode + request_id
// + payload, per spec.md's header layout.
func WriteFrame(w io.Writer, opcode Opcode, requestID uint64, payload []byte) error {
	length := uint32(1 + 8 + len(payload))
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], length)
	hdr[4] = byte(opcode)
	binary.BigEndian.PutUint64(hdr[5:13], requestID)

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Frame is one decoded wire message.
type Frame struct {
	Opcode    Opcode
	RequestID uint64
	Payload   []byte
}

// ReadFrame reads and decodes exactly one frame from r. A truncated,
// unknown-opcode, or oversized frame returns a *proto.Error with code
// ErrProtocol: per spec.md §4.1 this is fatal to the connection, not just the
// request, so callers must not attempt to resynchronize and keep reading.
func ReadFrame(r io.Reader, maxLen uint32) (Frame, error) {
	if maxLen == 0 {
		maxLen = DefaultMaxFrameSize
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, NewError(ErrProtocol, "reading frame length: %v", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length < 9 {
		return Frame{}, NewError(ErrProtocol, "frame length %d smaller than header", length)
	}
	if length > maxLen {
		return Frame{}, NewError(ErrProtocol, "frame length %d exceeds max %d", length, maxLen)
	}

	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Frame{}, NewError(ErrProtocol, "reading frame body: %v", err)
	}

	opcode := Opcode(rest[0])
	if !opcode.valid() {
		return Frame{}, NewError(ErrProtocol, "unknown opcode %d", opcode)
	}
	requestID := binary.BigEndian.Uint64(rest[1:9])
	payload := rest[9:]

	return Frame{Opcode: opcode, RequestID: requestID, Payload: payload}, nil
}

func (o Opcode) valid() bool {
	return o > opcodeInvalid && o < opcodeMax
}
