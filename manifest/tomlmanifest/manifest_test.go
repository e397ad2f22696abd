package tomlmanifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modules.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[module]]
path = "math.wasm"
loader = "wasm"
extensions = ["simd"]

[[module]]
path = "io.wasm"
loader = "wasm"
`), 0o644))

	src := New(path)
	descs, err := src.Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "math.wasm", descs[0].Path)
	assert.Equal(t, []string{"simd"}, descs[0].Extensions)
	assert.Equal(t, "io.wasm", descs[1].Path)
	assert.Empty(t, descs[1].Extensions)
}

func TestDescriptorsMissingPathRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[module]]
loader = "wasm"
`), 0o644))

	_, err := New(path).Descriptors()
	assert.Error(t, err)
}
