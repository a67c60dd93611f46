// Package session ties together the RPC connection, the persistent cache,
// and the FUSE mount into one lifecycle with guaranteed teardown, per
// spec.md §9's explicit state machine: Init -> Handshake -> Mounted ->
// Running -> Draining -> Closed. gcsfuse's cmd.runCLIApp performs the same
// sequence of steps (dial/auth, mount, register SIGINT, block, unmount) as
// an imperative function; this package makes the states and the named
// transitions between them explicit types. A failed Start releases what it
// already brought up through its own deferred cleanup; after a successful
// Start, Run waits for the mount to be unmounted and then calls Close, which
// releases the cache writer and the connection pool.
package session

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/Overv/outrun/cache"
	"github.com/Overv/outrun/fuseserver"
	"github.com/Overv/outrun/logger"
	"github.com/Overv/outrun/prefetch"
	"github.com/Overv/outrun/rpcclient"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
)

// State is one node of the session lifecycle state machine.
type State int

const (
	StateInit State = iota
	StateHandshake
	StateMounted
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StateMounted:
		return "mounted"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config is everything needed to stand up one session.
type Config struct {
	MountPoint string
	Client     rpcclient.Config
	Cache      cache.Config
	CacheRoot  string
	Prefetch   prefetch.Config
	// SessionID identifies this run's L_root_version for the cache's
	// revalidation-on-session-start rule (spec.md §4.4, P8).
	SessionID int64
}

// Session is the process-wide singleton spec.md §9 names: created at
// handshake, destroyed at unmount. Close releases the cache writer and the
// connection pool; it does not unmount the FUSE file system, which Run waits
// for (clean unmount, or SIGINT via watchSignal) before calling Close.
type Session struct {
	mu    sync.Mutex
	state State

	client *rpcclient.Client
	cache  *cache.Cache
	fs     *fuseserver.FileSystem
	mfs    *fuse.MountedFileSystem

	sigCh     chan os.Signal
	closeOnce sync.Once
}

// transition moves the session to next, recording the move for diagnostics
// (spec.md's "named transitions").
func (s *Session) transition(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger.Debugf("session: %s -> %s", s.state, next)
	s.state = next
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start runs Init -> Handshake -> Mounted -> Running: dials L, performs the
// Auth handshake (rpcclient.Dial does this internally), opens the cache,
// builds the FUSE filesystem, and mounts it. On any failure it tears down
// whatever was already brought up before returning, so a failed Start never
// leaks a connection pool or an open cache.
func Start(ctx context.Context, cfg Config) (sess *Session, err error) {
	sess = &Session{state: StateInit}

	sess.transition(StateHandshake)
	sess.client, err = rpcclient.Dial(ctx, cfg.Client)
	if err != nil {
		sess.transition(StateClosed)
		return nil, fmt.Errorf("dialing and authenticating with L: %w", err)
	}
	defer func() {
		if err != nil {
			sess.client.Close()
		}
	}()

	sess.cache, err = cache.Open(cfg.CacheRoot, cfg.Cache)
	if err != nil {
		sess.transition(StateClosed)
		return nil, fmt.Errorf("opening cache at %s: %w", cfg.CacheRoot, err)
	}
	defer func() {
		if err != nil {
			sess.cache.Close()
		}
	}()
	sess.cache.BeginSession(cfg.SessionID)

	sess.fs = fuseserver.New(sess.client, sess.cache, cfg.Prefetch)

	sess.transition(StateMounted)
	sess.mfs, err = fuse.Mount(cfg.MountPoint, fuseutil.NewFileSystemServer(sess.fs), &fuse.MountConfig{})
	if err != nil {
		sess.transition(StateClosed)
		return nil, fmt.Errorf("mounting at %s: %w", cfg.MountPoint, err)
	}

	sess.sigCh = make(chan os.Signal, 1)
	signal.Notify(sess.sigCh, os.Interrupt)
	go sess.watchSignal()

	sess.transition(StateRunning)
	return sess, nil
}

// watchSignal unmounts on SIGINT the way gcsfuse's registerSIGINTHandler
// does, letting Run's fuse.Unmount-triggered Join return and drive the
// Draining/Closed transition from the main goroutine.
func (s *Session) watchSignal() {
	if _, ok := <-s.sigCh; !ok {
		return
	}
	logger.Infof("session: received SIGINT, unmounting %s", s.mfs.Dir())
	if err := fuse.Unmount(s.mfs.Dir()); err != nil {
		logger.Errorf("session: unmount on SIGINT failed: %v", err)
	}
}

// Run blocks until the mount is unmounted (by a guest request, by
// watchSignal, or by an external `umount`), then closes the session.
// A failed Start returns no Session, having already released what it
// opened; after a successful Start, Run guarantees Close runs exactly once
// on the way out.
func (s *Session) Run(ctx context.Context) error {
	joinErr := s.mfs.Join(ctx)
	s.transition(StateDraining)
	closeErr := s.Close()
	if joinErr != nil {
		return joinErr
	}
	return closeErr
}

// Close releases the cache writer and the connection pool. It is the one
// exit path every Start success and every signal funnels through, and is
// safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.sigCh != nil {
			signal.Stop(s.sigCh)
			close(s.sigCh)
		}

		var firstErr error
		if s.cache != nil {
			if cerr := s.cache.Close(); cerr != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing cache: %w", cerr)
			}
		}
		if s.client != nil {
			if cerr := s.client.Close(); cerr != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing rpc client: %w", cerr)
			}
		}
		s.transition(StateClosed)
		err = firstErr
	})
	return err
}
