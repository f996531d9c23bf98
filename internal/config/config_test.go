package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sps2.toml")
	doc := `
[verification]
level = "standard"

[install]
max_downloads = 8
buffer_size = "2MiB"

[retention]
max_age = "168h"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, LevelStandard, cfg.Verification.Level)
	require.Equal(t, true, cfg.Verification.PreserveUserFiles) // default carried through
	require.Equal(t, 8, cfg.Install.MaxDownloads)
	require.Equal(t, 2, cfg.Install.MaxDecompressions) // default carried through
	require.Equal(t, uint64(2<<20), cfg.Install.BufferSize)
	require.Equal(t, 10, cfg.Retention.MaxStates) // default carried through
}

func TestLoadResolvesSourceDateEpoch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sps2.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0644))

	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), cfg.SourceDateEpoch)
}

func TestLoadRejectsInvalidBufferSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sps2.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[install]
buffer_size = "not-a-size"
`), 0644))

	_, err := Load(path)
	require.Error(t, err)
}
