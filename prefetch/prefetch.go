// Package prefetch implements spec.md §4.5's five deterministic prefetch
// rules. It runs on L, inside rpcserver's bulk_fetch handler, not on R:
// rule 1 requires parsing the actual ELF bytes of the primary target and
// resolving DT_NEEDED library names against L's own loader search path
// (ld.so.conf.d and friends), which only L can do without a prior round
// trip to fetch those bytes. This package supplies the per-rule helpers
// (ELFNeeded, ScriptInterpreter, PycCompanionDir, MatchPycEntry,
// CandidatePaths, Budget); rpcserver.handleBulkFetch calls them and folds
// the paths they yield into its BFS queue the same way it folds in
// directory children.
//
// ELF parsing uses debug/elf: no third-party ELF parser appears anywhere in
// the retrieval pack, and the rule only needs header and dynamic-section
// fields debug/elf exposes directly, so reaching for an external library
// here would add a dependency for no capability gained.
package prefetch

import (
	"bufio"
	"bytes"
	"debug/elf"
	"path"
	"path/filepath"
	"strings"
)

// IsSystemPath reports whether path falls under one of prefixes, which may
// be literal directory prefixes or filepath.Match globs (e.g.
// "/etc/ld.so.*"). Shared by cache (which paths are persistently cached) and
// rpcserver (which newly-discovered prefetch paths, e.g. a symlink target,
// are worth following further).
func IsSystemPath(prefixes []string, p string) bool {
	for _, prefix := range prefixes {
		if strings.ContainsAny(prefix, "*?[") {
			if ok, _ := filepath.Match(prefix, p); ok {
				return true
			}
			if ok, _ := filepath.Match(prefix, filepath.Dir(p)); ok {
				return true
			}
			continue
		}
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// DefaultSystemPathPrefixes is the spec.md §6 default for system_paths,
// shared by cache.DefaultConfig and rpcserver.DefaultConfig so both sides of
// the connection agree on what is eligible for persistent caching without
// the two packages importing each other.
func DefaultSystemPathPrefixes() []string {
	return []string{"/bin", "/sbin", "/lib", "/lib64", "/usr", "/opt", "/etc/ld.so.*"}
}

// Config holds the spec.md §6 prefetch.* keys plus the search-path/depth
// constants spec.md §4.5 names.
type Config struct {
	MaxEntries int
	MaxBytes   uint64
	SearchDirs []string
	MaxDepth   int
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 256,
		MaxBytes:   128 << 20,
		SearchDirs: []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64"},
		MaxDepth:   3,
	}
}

// ELFNeeded parses data as an ELF file and reports whether it is a
// dynamically linked executable or shared object, returning its PT_INTERP
// path (if any) and the raw DT_NEEDED library names (not yet resolved to
// paths). ok is false for statically linked or non-ELF files -- neither is
// an error, just nothing further to prefetch under rule 1.
func ELFNeeded(data []byte) (interp string, needed []string, ok bool) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return "", nil, false
	}
	defer f.Close()

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return "", nil, false
	}

	libs, err := f.ImportedLibraries()
	if err != nil || len(libs) == 0 {
		interp = readInterp(f)
		return interp, nil, interp != ""
	}
	return readInterp(f), libs, true
}

// readInterp extracts PT_INTERP's contents, trimming the mandatory NUL
// terminator the kernel expects in that segment.
func readInterp(f *elf.File) string {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil {
			return ""
		}
		return string(bytes.TrimRight(buf, "\x00"))
	}
	return ""
}

// ScriptInterpreter implements rule 2: if data begins with "#!", returns the
// interpreter path from the shebang line (the token up to the first space),
// and ok is true.
func ScriptInterpreter(data []byte) (interp string, ok bool) {
	if len(data) < 2 || data[0] != '#' || data[1] != '!' {
		return "", false
	}
	line := data[2:]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// PycCompanionDir implements rule 3's path shape: the directory a .py
// file's compiled companion would live under, so the caller can list it
// and match a "<name>.cpython-*.pyc" entry (or cache a negative on the
// directory itself if it's absent).
func PycCompanionDir(pyPath string) (dir string, stem string) {
	dir = filepath.Join(filepath.Dir(pyPath), "__pycache__")
	base := filepath.Base(pyPath)
	stem = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.ToSlash(dir), stem
}

// MatchPycEntry reports whether name (one entry from a __pycache__
// directory listing) is the compiled companion for stem (a .py file's base
// name without extension), per CPython's "<stem>.cpython-<tag>.pyc" naming.
func MatchPycEntry(name, stem string) bool {
	if !strings.HasPrefix(name, stem+".cpython-") {
		return false
	}
	return strings.HasSuffix(name, ".pyc")
}

// CandidatePaths returns every path under cfg.SearchDirs, in order, where a
// library named name could live (or name itself if it is absolute). It does
// not check existence: the caller (rpcserver has the localfs.Root to stat
// candidates with) does that; this function only enumerates candidates in
// the deterministic search order
// spec.md §4.5 names, so the caller can probe each in turn and stop at the
// first hit.
func (c Config) CandidatePaths(name string) []string {
	if path.IsAbs(name) {
		return []string{name}
	}
	out := make([]string, 0, len(c.SearchDirs))
	for _, dir := range c.SearchDirs {
		out = append(out, path.Join(dir, name))
	}
	return out
}

// Budget tracks the running entry-count and byte-total against cfg's caps
// while a single bulk_fetch response is assembled, per spec.md P7. Callers
// add candidate prefetch items in priority order (primary target first,
// then BFS over DT_NEEDED) and stop once Allow returns false -- truncation
// is deterministic because the caller always offers items in the same
// fixed order.
type Budget struct {
	cfg     Config
	entries int
	bytes   uint64
}

// NewBudget starts a fresh per-request budget.
func NewBudget(cfg Config) *Budget {
	return &Budget{cfg: cfg}
}

// Allow reports whether one more entry of approxSize bytes fits under both
// caps, and if so reserves it.
func (b *Budget) Allow(approxSize uint64) bool {
	if b.entries+1 > b.cfg.MaxEntries {
		return false
	}
	if b.bytes+approxSize > b.cfg.MaxBytes {
		return false
	}
	b.entries++
	b.bytes += approxSize
	return true
}

// Entries and Bytes report the budget's current consumption, for callers
// that want to log how much of the cap a response actually used.
func (b *Budget) Entries() int  { return b.entries }
func (b *Budget) Bytes() uint64 { return b.bytes }

// FirstPage is a small helper shared by callers that want to sniff just
// the first page of a file without reading it in full (rule 1/2 only need
// the ELF header or a shebang line, not the whole blob).
func FirstPage(r interface {
	Read([]byte) (int, error)
}, n int) ([]byte, error) {
	buf := make([]byte, n)
	br := bufio.NewReader(r)
	read, err := br.Read(buf)
	if err != nil && read == 0 {
		return nil, err
	}
	return buf[:read], nil
}
