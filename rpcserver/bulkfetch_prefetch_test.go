package rpcserver

import (
	"bytes"
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/Overv/outrun/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalELF builds the smallest ET_DYN ELF64 byte string debug/elf will
// parse, with one PT_INTERP segment, for exercising the bulk_fetch ELF
// prefetch rule without a real binary on disk.
func minimalELF(t *testing.T, interp string) []byte {
	t.Helper()
	var buf bytes.Buffer

	interpBytes := append([]byte(interp), 0)
	const ehdrSize = 64
	const phdrSize = 56
	phoff := uint64(ehdrSize)
	dataOff := phoff + phdrSize

	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], elf.ELFMAG)
	ehdr[4] = byte(elf.ELFCLASS64)
	ehdr[5] = byte(elf.ELFDATA2LSB)
	ehdr[6] = byte(elf.EV_CURRENT)
	le := func(b []byte, v uint64) {
		for i := range b {
			b[i] = byte(v >> (8 * i))
		}
	}
	le(ehdr[16:18], uint64(elf.ET_DYN))
	le(ehdr[18:20], uint64(elf.EM_X86_64))
	le(ehdr[20:24], uint64(elf.EV_CURRENT))
	le(ehdr[32:40], phoff)
	le(ehdr[52:54], ehdrSize)
	le(ehdr[54:56], phdrSize)
	le(ehdr[56:58], 1) // phnum

	phdr := make([]byte, phdrSize)
	le(phdr[0:4], uint64(elf.PT_INTERP))
	le(phdr[8:16], dataOff)
	le(phdr[32:40], uint64(len(interpBytes)))

	buf.Write(ehdr)
	buf.Write(phdr)
	buf.Write(interpBytes)
	return buf.Bytes()
}

func TestBulkFetchFollowsELFInterpreter(t *testing.T) {
	addr, dir := testServer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib64"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib64", "ld-linux-x86-64.so.2"), []byte("loader"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "app"), minimalELF(t, "/lib64/ld-linux-x86-64.so.2"), 0o755))

	conn := dialAndAuth(t, addr, "s3cr3t")
	frame := roundTrip(t, conn, 30, proto.OpBulkFetch, proto.BulkFetchRequest{
		Paths: []string{"/bin/app"},
		Kinds: []proto.EntryKind{proto.KindBlob},
	}.Marshal())
	resp, err := proto.UnmarshalBulkFetchResponse(frame.Payload)
	require.NoError(t, err)
	require.NoError(t, resp.Err)

	var gotBlob, gotInterpAttr bool
	for _, e := range resp.Entries {
		switch e.Path {
		case "/bin/app":
			gotBlob = e.Kind == proto.KindBlob
		case "/lib64/ld-linux-x86-64.so.2":
			gotInterpAttr = e.Kind == proto.KindAttr
		}
	}
	assert.True(t, gotBlob, "primary path must be bundled as a blob")
	assert.True(t, gotInterpAttr, "resolved interpreter must be bundled as an attr entry")
}

func TestBulkFetchFollowsScriptShebang(t *testing.T) {
	addr, dir := testServer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "usr", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usr", "bin", "python3"), []byte("real interpreter"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/usr/bin/python3\nprint('hi')\n"), 0o755))

	conn := dialAndAuth(t, addr, "s3cr3t")
	frame := roundTrip(t, conn, 31, proto.OpBulkFetch, proto.BulkFetchRequest{
		Paths: []string{"/run.sh"},
		Kinds: []proto.EntryKind{proto.KindBlob},
	}.Marshal())
	resp, err := proto.UnmarshalBulkFetchResponse(frame.Payload)
	require.NoError(t, err)
	require.NoError(t, resp.Err)

	var gotInterp bool
	for _, e := range resp.Entries {
		if e.Path == "/usr/bin/python3" && e.Kind == proto.KindAttr {
			gotInterp = true
		}
	}
	assert.True(t, gotInterp, "shebang interpreter under a system path must be bundled")
}

func TestBulkFetchPycCompanionFoundAndNegative(t *testing.T) {
	addr, dir := testServer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "usr", "lib", "py", "__pycache__"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usr", "lib", "py", "foo.py"), []byte("print(1)\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usr", "lib", "py", "__pycache__", "foo.cpython-311.pyc"), []byte("compiled"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "usr", "lib", "py", "bar.py"), []byte("print(2)\n"), 0o644))

	conn := dialAndAuth(t, addr, "s3cr3t")

	frame := roundTrip(t, conn, 32, proto.OpBulkFetch, proto.BulkFetchRequest{
		Paths: []string{"/usr/lib/py/foo.py"},
	}.Marshal())
	resp, err := proto.UnmarshalBulkFetchResponse(frame.Payload)
	require.NoError(t, err)
	require.NoError(t, resp.Err)
	var gotPyc bool
	for _, e := range resp.Entries {
		if e.Path == "/usr/lib/py/__pycache__/foo.cpython-311.pyc" && e.Kind == proto.KindAttr {
			gotPyc = true
		}
	}
	assert.True(t, gotPyc, "matching .pyc companion must be bundled")

	frame2 := roundTrip(t, conn, 33, proto.OpBulkFetch, proto.BulkFetchRequest{
		Paths: []string{"/usr/lib/py/bar.py"},
	}.Marshal())
	resp2, err := proto.UnmarshalBulkFetchResponse(frame2.Payload)
	require.NoError(t, err)
	require.NoError(t, resp2.Err)
	require.Len(t, resp2.Entries, 1, "no pyc candidate matches bar's stem, so nothing extra is bundled")
	assert.Equal(t, "/usr/lib/py/bar.py", resp2.Entries[0].Path)
}
