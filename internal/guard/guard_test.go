package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sps2/sps2/internal/config"
	"github.com/sps2/sps2/internal/manifest"
	"github.com/sps2/sps2/internal/sps2"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/store"
	"github.com/sps2/sps2/internal/swap"
)

// testFixture builds one committed state containing package "a" with
// files bin/ (dir) and bin/a (regular, content "binary a"), live on disk
// and recorded identically in the state database — the precondition
// every guard test starts from.
type testFixture struct {
	db      *statedb.DB
	store   *store.Store
	swap    *swap.Engine
	stateID sps2.StateID
	liveDir string
	digest  sps2.PackageDigest
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	root := t.TempDir()

	st, err := store.Open(root)
	require.NoError(t, err)
	sw, err := swap.Open(root)
	require.NoError(t, err)
	_, err = sw.Bootstrap()
	require.NoError(t, err)
	db, err := statedb.Open(filepath.Join(root, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tmp, err := st.NewIngestTemp()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "files", "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "files", "bin", "a"), []byte("binary a"), 0755))

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

	digest, err := st.Ingest(tmp, sps2.PackageSpec{Name: "a", Version: "1.0", Arch: "amd64"})
	require.NoError(t, err)

	files := []sps2.PackageFile{
		{PackageName: "a", RelPath: "bin", Kind: sps2.FileDir},
		{PackageName: "a", RelPath: "bin/a", Kind: sps2.FileRegular, ContentHash: sps2.SumBytes([]byte("binary a"))},
	}

	staging, err := sw.NewStaging()
	require.NoError(t, err)
	require.NoError(t, sw.AddPackage(staging, st, digest, files))
	require.NoError(t, sw.Verify(staging, files))
	liveDir, err := sw.Commit(staging)
	require.NoError(t, err)

	statePackages := []sps2.StatePackage{{StateID: staging.StateID, Spec: sps2.PackageSpec{Name: "a", Version: "1.0"}, Digest: digest}}
	packageFiles := make([]sps2.PackageFile, len(files))
	for i, f := range files {
		f.StateID = staging.StateID
		packageFiles[i] = f
	}
	require.NoError(t, db.Commit(statedb.Transition{
		State:        sps2.State{ID: staging.StateID, CreatedAt: time.Now(), Operation: "install"},
		Packages:     statePackages,
		Files:        packageFiles,
		DigestDeltas: map[sps2.PackageDigest]int{digest: 1},
	}))

	return &testFixture{db: db, store: st, swap: sw, stateID: staging.StateID, liveDir: liveDir, digest: digest}
}

func (f *testFixture) guard(t *testing.T) *Guard {
	t.Helper()
	return New(f.db, f.store, f.swap, nil, nil, nil, Options{})
}

func TestVerifyQuickPassesOnCleanTree(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	result, err := g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelQuick)
	require.NoError(t, err)
	require.Empty(t, result.Discrepancies)
	require.Equal(t, 2, result.FilesChecked)
}

func TestVerifyDetectsMissingFile(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	require.NoError(t, os.Remove(filepath.Join(f.liveDir, "bin", "a")))

	result, err := g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelQuick)
	require.NoError(t, err)
	require.Len(t, result.Discrepancies, 1)
	require.Equal(t, MissingFile, result.Discrepancies[0].Kind)
	require.Equal(t, "bin/a", result.Discrepancies[0].RelPath)
}

func TestVerifyFullDetectsContentCorruption(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.liveDir, "bin", "a"), []byte("tampered"), 0755))

	quick, err := g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelQuick)
	require.NoError(t, err)
	require.Empty(t, quick.Discrepancies) // quick never reads content

	full, err := g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelFull)
	require.NoError(t, err)
	require.Len(t, full.Discrepancies, 1)
	require.Equal(t, CorruptedFile, full.Discrepancies[0].Kind)
}

func TestVerifyStandardDetectsDriftAfterBaseline(t *testing.T) {
	f := newFixture(t)
	cachePath := filepath.Join(t.TempDir(), "guard-cache.db")
	cache, err := OpenCache(cachePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	g := New(f.db, f.store, f.swap, nil, nil, cache, Options{})

	_, err = g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelStandard)
	require.NoError(t, err)

	// A Cache reads only the database that existed when it was opened, so
	// the baseline becomes readable once this run's cache is closed and
	// reopened.
	require.NoError(t, cache.Close())
	cache, err = OpenCache(cachePath)
	require.NoError(t, err)
	g = New(f.db, f.store, f.swap, nil, nil, cache, Options{})

	// Touch the file to a different size without recomputing the stored
	// content hash: Standard should flag it from metadata drift alone,
	// without re-hashing.
	require.NoError(t, os.WriteFile(filepath.Join(f.liveDir, "bin", "a"), []byte("binary a - modified"), 0755))

	result, err := g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelStandard)
	require.NoError(t, err)
	require.Len(t, result.Discrepancies, 1)
	require.Equal(t, CorruptedFile, result.Discrepancies[0].Kind)
}

func TestVerifyScopePackageLimitsExpectedSet(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	result, err := g.Verify(context.Background(), Scope{Kind: ScopePackage, PackageName: "a"}, LevelQuick)
	require.NoError(t, err)
	require.Equal(t, 2, result.FilesChecked)

	result, err = g.Verify(context.Background(), Scope{Kind: ScopePackage, PackageName: "nonexistent"}, LevelQuick)
	require.NoError(t, err)
	require.Equal(t, 0, result.FilesChecked)
}

func TestVerifyStandardFindsOrphanedFile(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.liveDir, "bin", "stray"), []byte("not mine"), 0644))

	result, err := g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelStandard)
	require.NoError(t, err)
	require.Len(t, result.Orphans, 1)
	require.Equal(t, "bin/stray", result.Orphans[0].RelPath)
}

func TestVerifyQuickSkipsOrphanScan(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.liveDir, "bin", "stray"), []byte("not mine"), 0644))

	result, err := g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelQuick)
	require.NoError(t, err)
	require.Empty(t, result.Orphans)
}

func TestHealMaterializesMissingFile(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	require.NoError(t, os.Remove(filepath.Join(f.liveDir, "bin", "a")))

	result, err := g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelQuick)
	require.NoError(t, err)
	require.Len(t, result.Discrepancies, 1)

	healed, err := g.Heal(context.Background(), result, HealPolicy{OrphanAction: config.OrphanPreserve})
	require.NoError(t, err)
	require.Len(t, healed.Discrepancies, 1)
	require.True(t, healed.Discrepancies[0].Healed)

	content, err := os.ReadFile(filepath.Join(f.liveDir, "bin", "a"))
	require.NoError(t, err)
	require.Equal(t, "binary a", string(content))
}

func TestHealRemovesOrphanWhenPolicyIsRemove(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	strayPath := filepath.Join(f.liveDir, "bin", "stray")
	require.NoError(t, os.WriteFile(strayPath, []byte("not mine"), 0644))

	result, err := g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelStandard)
	require.NoError(t, err)
	require.Len(t, result.Orphans, 1)

	healed, err := g.Heal(context.Background(), result, HealPolicy{OrphanAction: config.OrphanRemove})
	require.NoError(t, err)
	require.Len(t, healed.Orphans, 1)
	require.True(t, healed.Orphans[0].Healed)

	_, err = os.Stat(strayPath)
	require.True(t, os.IsNotExist(err))
}

func TestHealPreservesOrphanByDefault(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	strayPath := filepath.Join(f.liveDir, "bin", "stray")
	require.NoError(t, os.WriteFile(strayPath, []byte("not mine"), 0644))

	result, err := g.Verify(context.Background(), Scope{Kind: ScopeSystem}, LevelStandard)
	require.NoError(t, err)

	healed, err := g.Heal(context.Background(), result, HealPolicy{OrphanAction: config.OrphanPreserve})
	require.NoError(t, err)
	require.True(t, healed.Orphans[0].Skipped)

	_, err = os.Stat(strayPath)
	require.NoError(t, err)
}

func TestVerifyWithEscalationStopsAtQuickWhenClean(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	result, err := g.VerifyWithEscalation(context.Background(), Scope{Kind: ScopeSystem}, LevelFull)
	require.NoError(t, err)
	require.Equal(t, LevelQuick, result.Level)
}

func TestVerifyWithEscalationStopsAtStandardAtThreshold(t *testing.T) {
	f := newFixture(t)
	g := f.guard(t)

	require.NoError(t, os.Remove(filepath.Join(f.liveDir, "bin", "a")))

	result, err := g.VerifyWithEscalation(context.Background(), Scope{Kind: ScopeSystem}, LevelFull)
	require.NoError(t, err)
	// 1 missing file out of 2 checked does not exceed EscalationThreshold(2)
	// == 1, so escalation stops at Standard.
	require.Equal(t, LevelStandard, result.Level)
}

func TestEscalationThresholdFloorsAtOne(t *testing.T) {
	require.Equal(t, 1, EscalationThreshold(0))
	require.Equal(t, 1, EscalationThreshold(10))
	require.Equal(t, 5, EscalationThreshold(100))
}
