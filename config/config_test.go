package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corerun.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[scheduler]
workers = 8
steal_batch = 64

[registry]
default_loader_tag = "native"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 64, cfg.Scheduler.StealBatch)
	assert.Equal(t, "native", cfg.Registry.DefaultLoaderTag)
	// Fields absent from the file keep their Default() values.
	assert.Equal(t, 8, cfg.Scheduler.StackMaxPerClass)
}

func TestGetDottedPath(t *testing.T) {
	cfg := Default()
	v, ok := cfg.Get("scheduler.steal_batch")
	require.True(t, ok)
	assert.Equal(t, "32", v)

	_, ok = cfg.Get("scheduler.nonexistent")
	assert.False(t, ok)
}

func TestStackSizesBytesConversion(t *testing.T) {
	s := Scheduler{StackSizesKB: []int{16, 32}}
	assert.Equal(t, []int{16 * 1024, 32 * 1024}, s.StackSizesBytes())
}
