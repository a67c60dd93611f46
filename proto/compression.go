package proto

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// compressionSkipExts mirrors the extension-based "don't bother compressing"
// list used for archive entries elsewhere in the ecosystem: already-
// compressed formats rarely shrink further and the ratio check below would
// reject them anyway, but skipping the attempt saves a pass over the bytes.
var compressionSkipExts = map[string]struct{}{
	".gz": {}, ".bz2": {}, ".xz": {}, ".zst": {}, ".zip": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".mp3": {}, ".mp4": {}, ".mkv": {}, ".mov": {}, ".webm": {},
	".woff": {}, ".woff2": {},
}

// ShouldAttemptCompression is a cheap pre-filter: skip the lz4 pass entirely
// for extensions that are essentially never compressible.
func ShouldAttemptCompression(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, skip := compressionSkipExts[ext]
	return !skip
}

// CompressLZ4 frames data with lz4 and reports whether the result met
// minRatio (compressed size / original size <= minRatio). When it didn't,
// the caller should send the data uncompressed instead -- spec.md's server
// "MAY send lz4 when expected ratio exceeds a threshold", implying it is
// free to fall back.
func CompressLZ4(data []byte, minRatio float64) (compressed []byte, ok bool, err error) {
	if len(data) == 0 {
		return nil, false, nil
	}

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err = w.Write(data); err != nil {
		return nil, false, err
	}
	if err = w.Close(); err != nil {
		return nil, false, err
	}

	ratio := float64(buf.Len()) / float64(len(data))
	if ratio > minRatio {
		return nil, false, nil
	}
	return buf.Bytes(), true, nil
}

// DecompressLZ4 reverses CompressLZ4. The client MUST accept either tag per
// spec.md §4.1, so this is always available regardless of whether the local
// side would have chosen to compress.
func DecompressLZ4(data []byte, originalLength uint64) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out := make([]byte, 0, originalLength)
	buf := bytes.NewBuffer(out)
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeBlob builds a Blob payload from raw file bytes, compressing with lz4
// when it clears minRatio and the extension heuristic doesn't rule it out.
func EncodeBlob(path string, data []byte, minRatio float64) (Blob, error) {
	hash := HashBlob(data)
	blob := Blob{Hash: hash, Length: uint64(len(data))}

	if ShouldAttemptCompression(path) {
		compressed, ok, err := CompressLZ4(data, minRatio)
		if err != nil {
			return Blob{}, err
		}
		if ok {
			blob.Compression = CompressionLZ4
			blob.Data = compressed
			return blob, nil
		}
	}

	blob.Compression = CompressionNone
	blob.Data = data
	return blob, nil
}

// DecodeBlob recovers the uncompressed bytes from a wire Blob and verifies
// the content hash, per spec.md's P2 invariant.
func DecodeBlob(b Blob) ([]byte, error) {
	var data []byte
	var err error
	switch b.Compression {
	case CompressionNone:
		data = b.Data
	case CompressionLZ4:
		data, err = DecompressLZ4(b.Data, b.Length)
	default:
		return nil, NewError(ErrProtocol, "unknown compression tag %d", b.Compression)
	}
	if err != nil {
		return nil, err
	}

	if HashBlob(data) != b.Hash {
		return nil, NewError(ErrCacheCorrupt, "blob hash mismatch for length %d", len(data))
	}
	return data, nil
}
