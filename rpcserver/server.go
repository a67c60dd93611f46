// Package rpcserver implements L's side of the RPC protocol in spec.md
// §4.2/§4.3: a TCP listener that accepts one connection per R session,
// authenticates it, and dispatches every subsequent frame to a bounded
// worker pool running handlers over a localfs.Root.
//
// The accept-loop/per-connection-goroutine/worker-pool-dispatch shape
// follows gcsfuse's fs.Server (one FUSE connection fielding concurrent
// kernel upcalls through a shared dispatcher) adapted to a TCP listener
// fielding concurrent RPC frames instead of FUSE ops.
package rpcserver

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Overv/outrun/localfs"
	"github.com/Overv/outrun/prefetch"
	"github.com/Overv/outrun/proto"
	"github.com/Overv/outrun/shardmap"
	"github.com/Overv/outrun/workerpool"
)

// Config holds the subset of spec.md §6 keys the server needs.
type Config struct {
	Token          string
	Workers        uint32
	MaxFrameSize   uint32
	MaxBulkEntries int
	MaxBulkBytes   uint64

	// SystemPathPrefixes mirrors cache.Config's same-named field on R: used
	// here only to decide whether a path bulk_fetch discovers mid-expansion
	// (a symlink target, a shebang interpreter) is worth following
	// further, not to decide caching eligibility -- L has no cache.
	SystemPathPrefixes []string
	Prefetch           prefetch.Config

	// CompressionMinRatio is the lz4 threshold spec.md §6's
	// compression.min_ratio key names: a blob is sent compressed only when
	// its compressed size is no more than this fraction of the original, and
	// sent raw otherwise. Applied to every Blob L builds, for both
	// bulk_fetch and streamed ReadFile chunks.
	CompressionMinRatio float64
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig(token string) Config {
	return Config{
		Token:               token,
		Workers:             16,
		MaxFrameSize:        proto.DefaultMaxFrameSize,
		MaxBulkEntries:      256,
		MaxBulkBytes:        128 << 20,
		SystemPathPrefixes:  prefetch.DefaultSystemPathPrefixes(),
		Prefetch:            prefetch.DefaultConfig(),
		CompressionMinRatio: 0.85,
	}
}

// Server is L's RPC endpoint: one localfs.Root projected over the network,
// one worker pool shared across every connected R.
type Server struct {
	root *localfs.Root
	cfg  Config
	pool *workerpool.Pool
	log  *slog.Logger

	rootVersion atomic.Int64
}

// New builds a Server rooted at root, ready to Serve connections.
func New(root *localfs.Root, cfg Config) (*Server, error) {
	pool, err := workerpool.New(cfg.Workers)
	if err != nil {
		return nil, err
	}
	s := &Server{root: root, cfg: cfg, pool: pool, log: slog.Default()}
	s.rootVersion.Store(monotonicRootVersion())
	return s, nil
}

// monotonicRootVersion stamps an L_root_version for this server instance:
// the wall-clock time the process started serving, per spec.md §4.4 ("the
// client captures an L_root_version timestamp"). Sessions only ever compare
// it for equality against what they captured at their own start, never for
// ordering, so process-restart granularity is enough.
func monotonicRootVersion() int64 {
	return time.Now().UnixNano()
}

// Serve accepts connections on ln until it returns an error (including
// ln.Close from another goroutine, which is the documented shutdown path).
func (s *Server) Serve(ln net.Listener) error {
	s.pool.Start()
	defer s.pool.Stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// conn bundles one accepted connection's state: the frame reader, a
// write-serializing mutex (workers complete out of request order and must
// not interleave partial frames), and this connection's file-handle table.
type conn struct {
	s       *Server
	nc      net.Conn
	r       *bufio.Reader
	writeMu sync.Mutex
	handles *handleTable
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()
	c := &conn{s: s, nc: nc, r: bufio.NewReader(nc), handles: newHandleTable()}
	defer c.handles.closeAll()

	if err := c.authenticate(); err != nil {
		s.log.Warn("rpcserver: authentication failed", "remote", nc.RemoteAddr(), "err", err)
		return
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		frame, err := proto.ReadFrame(c.r, s.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			// Any other read error -- truncated frame, oversized frame, unknown
			// opcode -- is fatal to the connection per spec.md §4.1: don't try
			// to resynchronize, just stop.
			s.log.Warn("rpcserver: fatal frame error", "remote", nc.RemoteAddr(), "err", err)
			return
		}

		f := frame
		priority := f.Opcode != proto.OpBulkFetch
		if priority {
			// Foreground RPCs get a non-blocking shot at the priority queue
			// first: if it's saturated, R's own Call retry loop (spec.md §4.3)
			// is a better place to absorb the overload than blocking this
			// connection's read loop, which would delay every other in-flight
			// request behind it.
			wg.Add(1)
			if !c.s.pool.TrySchedule(true, func() {
				defer wg.Done()
				c.dispatch(f)
			}) {
				wg.Done()
				c.writeFrame(f.Opcode, f.RequestID, proto.ErrorResponse(
					proto.NewError(proto.ErrBusy, "worker pool saturated"),
				))
			}
			continue
		}

		// Background bulk_fetch blocks instead, applying backpressure to its
		// own producer (the prefetch engine) rather than failing it outright.
		wg.Add(1)
		c.s.pool.Schedule(false, func() {
			defer wg.Done()
			c.dispatch(f)
		})
	}
}

func (c *conn) authenticate() error {
	frame, err := proto.ReadFrame(c.r, c.s.cfg.MaxFrameSize)
	if err != nil {
		return err
	}
	if frame.Opcode != proto.OpAuth {
		c.writeFrame(frame.Opcode, frame.RequestID, proto.AuthResponse{
			Err: proto.NewError(proto.ErrAuthFailed, "expected Auth as first frame"),
		}.Marshal())
		return errors.New("first frame was not Auth")
	}
	req, err := proto.UnmarshalAuthRequest(frame.Payload)
	if err != nil {
		return err
	}
	if req.Token != c.s.cfg.Token {
		c.writeFrame(proto.OpAuth, frame.RequestID, proto.AuthResponse{
			Err: proto.NewError(proto.ErrAuthFailed, "bad token"),
		}.Marshal())
		return errors.New("bad token")
	}
	c.writeFrame(proto.OpAuth, frame.RequestID, proto.AuthResponse{}.Marshal())
	return nil
}

func (c *conn) writeFrame(opcode proto.Opcode, requestID uint64, payload []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := proto.WriteFrame(c.nc, opcode, requestID, payload); err != nil {
		c.s.log.Warn("rpcserver: write failed", "remote", c.nc.RemoteAddr(), "err", err)
	}
}

func (c *conn) dispatch(f proto.Frame) {
	payload := handle(c, f.Opcode, f.Payload)
	c.writeFrame(f.Opcode, f.RequestID, payload)
}

// handleTable is a per-connection, shard-locked map from L-assigned handle
// IDs to open *os.File state. Sharded per spec.md §5 since concurrent
// worker-pool goroutines each service independent file handles.
type handleTable struct {
	m    *shardmap.Map[uint64, *openFile]
	next atomic.Uint64
}

type openFile struct {
	f     *os.File
	path  string
	write bool
}

func newHandleTable() *handleTable {
	return &handleTable{m: shardmap.New[uint64, *openFile](0, shardmap.HashUint64)}
}

func (t *handleTable) add(of *openFile) uint64 {
	id := t.next.Add(1)
	t.m.Store(id, of)
	return id
}

func (t *handleTable) get(id uint64) (*openFile, bool) { return t.m.Load(id) }

func (t *handleTable) remove(id uint64) (*openFile, bool) { return t.m.LoadAndDelete(id) }

func (t *handleTable) closeAll() {
	t.m.Range(func(_ uint64, of *openFile) bool {
		of.f.Close()
		return true
	})
}
