// Command outrun-server is L: it serves a real directory tree over the
// framed RPC protocol of spec.md §4.1/§4.2. Flag/config wiring follows
// gcsfuse's cmd.rootCmd (a single cobra.Command bound to config.BindFlags,
// with values resolvable from flags or an optional --config-file).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/Overv/outrun/config"
	"github.com/Overv/outrun/localfs"
	"github.com/Overv/outrun/logger"
	"github.com/Overv/outrun/rpcserver"
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
		Use:   "outrun-server [flags] root_dir listen_addr",
		Short: "Serve a directory tree over outrun's RPC protocol",
		Args:  cobra.ExactArgs(2),
		RunE:  runServer,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	cmd.Flags().String("token", "", "Shared secret clients must present in Auth")
	cmd.Flags().Uint32("workers", 16, "Worker pool size for dispatching RPCs")
	if err := config.BindFlags(cmd.PersistentFlags()); err != nil {
		cobra.CheckErr(err)
	}
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.DefaultConfig()); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()

	rootDir, addr := args[0], args[1]
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		return fmt.Errorf("--token is required")
	}
	workers, _ := cmd.Flags().GetUint32("workers")

	root, err := localfs.NewRoot(rootDir)
	if err != nil {
		return fmt.Errorf("opening root %s: %w", rootDir, err)
	}

	scfg := rpcserver.DefaultConfig(token)
	scfg.Workers = workers
	scfg.SystemPathPrefixes = cfg.SystemPaths
	scfg.Prefetch.MaxEntries = cfg.Prefetch.MaxEntries
	scfg.Prefetch.MaxBytes = cfg.Prefetch.MaxBytes()
	scfg.CompressionMinRatio = cfg.Compression.MinRatio

	srv, err := rpcserver.New(root, scfg)
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	logger.Infof("outrun-server: serving %s on %s", rootDir, ln.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Infof("outrun-server: received SIGINT, closing listener")
		ln.Close()
	}()

	if err := srv.Serve(ln); err != nil {
		logger.Errorf("outrun-server: serve exited: %v", err)
		return err
	}
	return nil
}
