package session

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/Overv/outrun/cache"
	"github.com/Overv/outrun/localfs"
	"github.com/Overv/outrun/rpcclient"
	"github.com/Overv/outrun/rpcserver"
	"github.com/stretchr/testify/require"
)

func TestStateStringNamesEveryState(t *testing.T) {
	cases := map[State]string{
		StateInit:      "init",
		StateHandshake: "handshake",
		StateMounted:   "mounted",
		StateRunning:   "running",
		StateDraining:  "draining",
		StateClosed:    "closed",
	}
	for state, name := range cases {
		require.Equal(t, name, state.String())
	}
}

// newTestSession wires a real client and cache against a real rpcserver,
// the way Start would, but skips the fuse.Mount step since no real kernel
// mount is reachable under test -- mirrors fuseserver_test.go's testFS.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	rootDir := t.TempDir()
	root, err := localfs.NewRoot(rootDir)
	require.NoError(t, err)

	srv, err := rpcserver.New(root, rpcserver.DefaultConfig("s3cr3t"))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go srv.Serve(ln)

	client, err := rpcclient.Dial(context.Background(), rpcclient.Config{
		Addr:     ln.Addr().String(),
		Token:    "s3cr3t",
		PoolSize: 1,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	c, err := cache.Open(t.TempDir(), cache.DefaultConfig())
	require.NoError(t, err)
	c.BeginSession(1)

	return &Session{
		state:  StateRunning,
		client: client,
		cache:  c,
		sigCh:  make(chan os.Signal, 1),
	}
}

func TestCloseReleasesClientAndCacheAndIsIdempotent(t *testing.T) {
	s := newTestSession(t)

	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())

	// A second Close must be a no-op, not a double-close panic.
	require.NoError(t, s.Close())
}

func TestCloseIsSafeWithoutSignalWatcherRunning(t *testing.T) {
	// No goroutine ever reads sigCh in this test, so Close must still be
	// able to signal.Stop/close it without blocking.
	s := newTestSession(t)
	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
