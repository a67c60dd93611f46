package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper clears global viper state between tests -- BindFlags/Load both
// read and write the package-global viper instance, the same global state
// gcsfuse's cfg package relies on between cobra command invocations.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestDefaultMatchesSpecDocumentedDefaults(t *testing.T) {
	d := Default()
	assert.Equal(t, "~/.outrun/cache", d.Cache.Path)
	assert.Equal(t, 1024, d.Cache.MaxEntries)
	assert.EqualValues(t, 20<<30, d.Cache.MaxSize())
	assert.Equal(t, 4, d.RPC.PoolSize)
	assert.Equal(t, 30000, d.RPC.TimeoutMs)
	assert.Equal(t, 256, d.Prefetch.MaxEntries)
	assert.EqualValues(t, 128<<20, d.Prefetch.MaxBytes())
	assert.Equal(t, 0.85, d.Compression.MinRatio)
}

func TestBindFlagsThenLoadWithoutFileReturnsDefaults(t *testing.T) {
	resetViper(t)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse(nil))

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestBindFlagsHonorsExplicitFlagValue(t *testing.T) {
	resetViper(t)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse([]string{"--rpc.pool-size=9"}))

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, c.RPC.PoolSize)
}

func TestLoadLayersYAMLFileUnderFlags(t *testing.T) {
	resetViper(t)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse(nil))

	path := filepath.Join(t.TempDir(), "outrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  max_entries: 4096\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4096, c.Cache.MaxEntries)
	// Untouched keys still carry their defaults.
	assert.Equal(t, 4, c.RPC.PoolSize)
}
