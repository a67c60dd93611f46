// Command outrun-mount is R: it dials L, opens the persistent cache, and
// mounts a FUSE view of L's tree at a local mount point. Flag/config wiring
// and the dial-then-mount-then-block shape follow gcsfuse's
// cmd.runCLIApp/cmd.mountWithArgs, generalized by session.Start/session.Run
// into the named Init/Handshake/Mounted/Running/Draining/Closed states
// spec.md §9 calls for.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Overv/outrun/cache"
	"github.com/Overv/outrun/config"
	"github.com/Overv/outrun/logger"
	"github.com/Overv/outrun/prefetch"
	"github.com/Overv/outrun/rpcclient"
	"github.com/Overv/outrun/session"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outrun-mount [flags] server_addr mount_point",
		Short: "Mount a remote tree served by outrun-server over FUSE",
		Args:  cobra.ExactArgs(2),
		RunE:  runMount,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	cmd.Flags().String("token", "", "Shared secret to present to L in Auth")
	if err := config.BindFlags(cmd.PersistentFlags()); err != nil {
		cobra.CheckErr(err)
	}
	return cmd
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.DefaultConfig()); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()

	addr, mountPoint := args[0], args[1]
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		return fmt.Errorf("--token is required")
	}

	cacheDir, err := expandHome(cfg.Cache.Path)
	if err != nil {
		return err
	}

	sessCfg := session.Config{
		MountPoint: mountPoint,
		Client: rpcclient.Config{
			Addr:                     addr,
			Token:                    token,
			PoolSize:                 cfg.RPC.PoolSize,
			Timeout:                  cfg.RPC.Timeout(),
			MaxRetries:               3,
			MaxTimeoutsBeforeRecycle: 3,
		},
		Cache: cacheConfigFrom(cfg),
		CacheRoot: cacheDir,
		Prefetch:  prefetchConfigFrom(cfg),
		SessionID: time.Now().UnixNano(),
	}

	ctx := context.Background()
	sess, err := session.Start(ctx, sessCfg)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	logger.Infof("outrun-mount: mounted %s at %s", addr, mountPoint)

	return sess.Run(ctx)
}

func cacheConfigFrom(cfg config.Config) cache.Config {
	return cache.Config{
		SystemPathPrefixes: cfg.SystemPaths,
		MaxEntries:         cfg.Cache.MaxEntries,
		MaxSize:            cfg.Cache.MaxSize(),
	}
}

func prefetchConfigFrom(cfg config.Config) prefetch.Config {
	def := prefetch.DefaultConfig()
	def.MaxEntries = cfg.Prefetch.MaxEntries
	def.MaxBytes = cfg.Prefetch.MaxBytes()
	return def
}

func expandHome(path string) (string, error) {
	if len(path) < 2 || path[:2] != "~/" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return home + path[1:], nil
}
