package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirMakeAndCleanup(t *testing.T) {
	t.Parallel()

	var d Dir
	require.NoError(t, d.Make("", nil))
	require.DirExists(t, d.Dir)

	require.NoError(t, d.Cleanup())
	assert.NoDirExists(t, d.Dir)

	// Cleanup is idempotent.
	require.NoError(t, d.Cleanup())
}

func TestDirKeepsCallerProvidedDir(t *testing.T) {
	t.Parallel()

	ud := t.TempDir()

	var d Dir
	require.NoError(t, d.Make("", ud))
	assert.Equal(t, ud, d.Dir)

	require.NoError(t, d.Cleanup())
	assert.DirExists(t, ud)
}

func TestLocalFilePersister(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shots", "page.png")

	var p LocalFilePersister
	require.NoError(t, p.Persist(context.Background(), path, bytes.NewBufferString("fake-png")))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fake-png", string(b))
}
