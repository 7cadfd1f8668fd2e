package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, EnsureDir(dir))
	assert.True(t, Exists(dir))

	// Idempotent.
	require.NoError(t, EnsureDir(dir))

	// No-op paths.
	require.NoError(t, EnsureDir(""))
	require.NoError(t, EnsureDir("."))
}

func TestAtomicWrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "data.bin")
	require.NoError(t, AtomicWrite(path, []byte("first"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	// Overwrite replaces content in one step.
	require.NoError(t, AtomicWrite(path, []byte("second"), 0o644))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
