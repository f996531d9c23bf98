package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sps2/sps2/internal/manifest"
	"github.com/sps2/sps2/internal/sps2"
)

func buildIngestTree(t *testing.T, s *Store) string {
	t.Helper()
	tmp, err := s.NewIngestTemp()
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "files", "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "files", "bin", "a"), []byte("binary a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "files", "README"), []byte("hi"), 0644))

	man := &manifest.Manifest{
		FormatVersion: manifest.CurrentFormatVersion,
		Package: manifest.Package{
			Name: "a", Version: "1.0", Arch: "amd64",
			Compression: manifest.Compression{Format: manifest.FormatLegacy},
		},
	}
	data, err := man.Encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "manifest.toml"), data, 0644))

	return tmp
}

func TestIngestResolveRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	tmp := buildIngestTree(t, s)
	spec := sps2.PackageSpec{Name: "a", Version: "1.0", Arch: "amd64"}
	digest, err := s.Ingest(tmp, spec)
	require.NoError(t, err)
	require.False(t, digest.IsZero())

	require.True(t, s.Exists(digest))

	pkg, err := s.Resolve(digest)
	require.NoError(t, err)
	man, err := pkg.Manifest()
	require.NoError(t, err)
	require.Equal(t, "a", man.Package.Name)

	content, err := os.ReadFile(filepath.Join(pkg.FilesPath(), "README"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(content))

	digests, err := s.List()
	require.NoError(t, err)
	require.Contains(t, digests, digest)
}

func TestIngestIsDeterministicAndConcurrentSafe(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	spec := sps2.PackageSpec{Name: "a", Version: "1.0", Arch: "amd64"}

	tmp1 := buildIngestTree(t, s)
	d1, err := s.Ingest(tmp1, spec)
	require.NoError(t, err)

	// A second, byte-identical ingest of the same logical content is a
	// no-op: its temp directory is discarded and the same digest returned.
	tmp2 := buildIngestTree(t, s)
	d2, err := s.Ingest(tmp2, spec)
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	_, err = os.Stat(tmp2)
	require.True(t, os.IsNotExist(err))
}

func TestRemoveAndNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Resolve(sps2.SumBytes([]byte("nope")))
	require.Error(t, err)
	var notFound ErrNotFound
	require.ErrorAs(t, err, &notFound)

	tmp := buildIngestTree(t, s)
	digest, err := s.Ingest(tmp, sps2.PackageSpec{Name: "a", Version: "1.0", Arch: "amd64"})
	require.NoError(t, err)

	require.NoError(t, s.Remove(digest))
	require.False(t, s.Exists(digest))
}
