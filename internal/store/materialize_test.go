package store

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sps2/sps2/internal/sps2"
)

// withMaterializeHooks swaps the clone/link hooks for the duration of a
// test, restoring the real implementations afterward.
func withMaterializeHooks(t *testing.T, clone, link func(src, dst string) error) {
	t.Helper()
	prev := materializeHooks
	materializeHooks = struct {
		clone func(src, dst string) error
		link  func(src, dst string) error
	}{clone: clone, link: link}
	t.Cleanup(func() { materializeHooks = prev })
}

func ingestedStore(t *testing.T) (*Store, sps2.PackageDigest) {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	tmp := buildIngestTree(t, s)
	digest, err := s.Ingest(tmp, sps2.PackageSpec{Name: "a", Version: "1.0", Arch: "amd64"})
	require.NoError(t, err)
	return s, digest
}

func TestMaterializePrefersClone(t *testing.T) {
	var cloned bool
	withMaterializeHooks(t,
		func(src, dst string) error { cloned = true; return copyFileContents(src, dst) },
		func(src, dst string) error { t.Fatal("link should not be reached"); return nil },
	)

	s, digest := ingestedStore(t)
	dest := filepath.Join(t.TempDir(), "bin", "a")
	require.NoError(t, s.Materialize(digest, "bin/a", dest))
	require.True(t, cloned)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "binary a", string(content))
}

func TestMaterializeFallsBackToLinkOnEXDEV(t *testing.T) {
	var linked bool
	withMaterializeHooks(t,
		func(src, dst string) error { return syscall.EXDEV },
		func(src, dst string) error { linked = true; return os.Link(src, dst) },
	)

	s, digest := ingestedStore(t)
	dest := filepath.Join(t.TempDir(), "bin", "a")
	require.NoError(t, s.Materialize(digest, "bin/a", dest))
	require.True(t, linked)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "binary a", string(content))
}

func TestMaterializeFallsBackToCopyWhenCloneAndLinkFail(t *testing.T) {
	withMaterializeHooks(t,
		func(src, dst string) error { return errors.New("clone unsupported") },
		func(src, dst string) error { return syscall.EXDEV },
	)

	s, digest := ingestedStore(t)
	dest := filepath.Join(t.TempDir(), "bin", "a")
	require.NoError(t, s.Materialize(digest, "bin/a", dest))

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "binary a", string(content))

	srcInfo, err := os.Stat(filepath.Join(s.packageDir(digest), "files", "bin", "a"))
	require.NoError(t, err)
	destInfo, err := os.Stat(dest)
	require.NoError(t, err)
	require.False(t, os.SameFile(srcInfo, destInfo))
}
