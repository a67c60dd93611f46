// Package config is R's (and L's) configuration layer: a Config struct
// mirroring spec.md §6's recognized options, bound to command-line flags
// via spf13/pflag and spf13/viper the way gcsfuse's cfg package binds its
// own Config, with an optional YAML config file layered underneath the
// flags.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full set of options recognized by both the outrun-server
// and outrun-mount binaries. Not every field applies to both processes --
// outrun-server reads SystemPaths, Prefetch and Compression, outrun-mount
// reads Cache, SystemPaths, RPC and Prefetch --
// but a single struct keeps the yaml/flag wiring in one place, matching how
// gcsfuse's cfg.Config covers every subsystem in one tree regardless of
// which command is running.
type Config struct {
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	SystemPaths []string          `yaml:"system_paths" mapstructure:"system_paths"`
	RPC         RPCConfig         `yaml:"rpc" mapstructure:"rpc"`
	Prefetch    PrefetchConfig    `yaml:"prefetch" mapstructure:"prefetch"`
	Compression CompressionConfig `yaml:"compression" mapstructure:"compression"`
}

type CacheConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
}

type RPCConfig struct {
	PoolSize  int `yaml:"pool_size" mapstructure:"pool_size"`
	TimeoutMs int `yaml:"timeout_ms" mapstructure:"timeout_ms"`
}

type PrefetchConfig struct {
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries"`
	MaxBytesMB int `yaml:"max_bytes_mb" mapstructure:"max_bytes_mb"`
}

type CompressionConfig struct {
	MinRatio float64 `yaml:"min_ratio" mapstructure:"min_ratio"`
}

// Timeout returns RPC.TimeoutMs as a time.Duration, the unit rpcclient.Config
// actually wants.
func (c RPCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// MaxBytes returns Prefetch.MaxBytesMB in bytes, the unit prefetch.Config
// actually wants.
func (c PrefetchConfig) MaxBytes() uint64 {
	return uint64(c.MaxBytesMB) << 20
}

// MaxSize returns Cache.MaxSizeMB in bytes, the unit cache.Config actually
// wants.
func (c CacheConfig) MaxSize() uint64 {
	return uint64(c.MaxSizeMB) << 20
}

// Default returns spec.md §6's documented defaults.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Path:       "~/.outrun/cache",
			MaxEntries: 1024,
			MaxSizeMB:  20 << 10, // 20 GiB
		},
		SystemPaths: DefaultSystemPaths(),
		RPC: RPCConfig{
			PoolSize:  4,
			TimeoutMs: 30000,
		},
		Prefetch: PrefetchConfig{
			MaxEntries: 256,
			MaxBytesMB: 128,
		},
		Compression: CompressionConfig{
			MinRatio: 0.85,
		},
	}
}

// DefaultSystemPaths mirrors prefetch.DefaultSystemPathPrefixes; duplicated
// here (rather than imported) so that config has no dependency on the
// prefetch package, matching gcsfuse's cfg package, which names no
// dependency on the packages it configures.
func DefaultSystemPaths() []string {
	return []string{"/bin", "/sbin", "/lib", "/lib64", "/usr", "/opt", "/etc/ld.so.*"}
}

// BindFlags registers every Config field as a pflag on flagSet and binds it
// into viper's global config tree, following gcsfuse's cfg.BindFlags: one
// flag per leaf field, bound to the matching dotted viper key so that
// Load's later viper.Unmarshal picks up flag values, file values, or
// defaults with flags taking precedence.
func BindFlags(flagSet *pflag.FlagSet) error {
	def := Default()

	bind := func(key string) error {
		return viper.BindPFlag(key, flagSet.Lookup(key))
	}

	flagSet.String("cache.path", def.Cache.Path, "Directory for the persistent blob/metadata cache.")
	if err := bind("cache.path"); err != nil {
		return err
	}

	flagSet.Int("cache.max-entries", def.Cache.MaxEntries, "Maximum number of cache entries.")
	if err := viper.BindPFlag("cache.max_entries", flagSet.Lookup("cache.max-entries")); err != nil {
		return err
	}

	flagSet.Int("cache.max-size-mb", def.Cache.MaxSizeMB, "Maximum total cache size, in MiB.")
	if err := viper.BindPFlag("cache.max_size_mb", flagSet.Lookup("cache.max-size-mb")); err != nil {
		return err
	}

	flagSet.StringSlice("system-paths", def.SystemPaths, "Path prefixes eligible for caching and prefetch.")
	if err := viper.BindPFlag("system_paths", flagSet.Lookup("system-paths")); err != nil {
		return err
	}

	flagSet.Int("rpc.pool-size", def.RPC.PoolSize, "Number of pooled connections from R to L.")
	if err := viper.BindPFlag("rpc.pool_size", flagSet.Lookup("rpc.pool-size")); err != nil {
		return err
	}

	flagSet.Int("rpc.timeout-ms", def.RPC.TimeoutMs, "Per-request RPC timeout, in milliseconds.")
	if err := viper.BindPFlag("rpc.timeout_ms", flagSet.Lookup("rpc.timeout-ms")); err != nil {
		return err
	}

	flagSet.Int("prefetch.max-entries", def.Prefetch.MaxEntries, "Maximum entries returned by one bulk_fetch.")
	if err := viper.BindPFlag("prefetch.max_entries", flagSet.Lookup("prefetch.max-entries")); err != nil {
		return err
	}

	flagSet.Int("prefetch.max-bytes-mb", def.Prefetch.MaxBytesMB, "Maximum bytes returned by one bulk_fetch, in MiB.")
	if err := viper.BindPFlag("prefetch.max_bytes_mb", flagSet.Lookup("prefetch.max-bytes-mb")); err != nil {
		return err
	}

	flagSet.Float64("compression.min-ratio", def.Compression.MinRatio, "Minimum compression ratio below which a blob is stored uncompressed.")
	if err := viper.BindPFlag("compression.min_ratio", flagSet.Lookup("compression.min-ratio")); err != nil {
		return err
	}

	return nil
}

// Load reads path (if non-empty) as a YAML config file into viper, then
// unmarshals the merged flag/file/default tree into a Config. Mirrors
// gcsfuse's initConfig: an empty path just unmarshals whatever BindFlags
// already populated (flags and their defaults), a non-empty path layers a
// file underneath.
func Load(path string) (Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var c Config
	if err := viper.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return c, nil
}
