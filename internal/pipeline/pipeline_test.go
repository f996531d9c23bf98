package pipeline

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sps2/sps2/internal/archive"
	"github.com/sps2/sps2/internal/manifest"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/store"
	"github.com/sps2/sps2/internal/swap"
)

func buildArchive(t *testing.T, name string, files map[string]string) []byte {
	t.Helper()
	srcRoot := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(srcRoot, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}

	man := &manifest.Manifest{
		FormatVersion: manifest.CurrentFormatVersion,
		Package: manifest.Package{
			Name: name, Version: "1.0", Arch: "amd64",
			Compression: manifest.Compression{Format: manifest.FormatLegacy},
		},
	}

	var buf bytes.Buffer
	result, err := archive.Write(&buf, srcRoot, man, nil, archive.WriteOptions{})
	require.NoError(t, err)
	man.Package.Compression.FrameCount = result.FrameCount

	// Write re-encodes the manifest it was given before emitting the
	// archive, so FrameCount must be known up front for a single-pass
	// write. Re-run with the final manifest for a byte-accurate archive.
	buf.Reset()
	_, err = archive.Write(&buf, srcRoot, man, nil, archive.WriteOptions{})
	require.NoError(t, err)

	return buf.Bytes()
}

func newTestPipeline(t *testing.T) (*Pipeline, *swap.Engine, *statedb.DB) {
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

	p, err := New(st, sw, db, nil, filepath.Join(root, "scratch"), Config{})
	require.NoError(t, err)
	return p, sw, db
}

func TestRunInstallsLocalPackage(t *testing.T) {
	p, sw, _ := newTestPipeline(t)

	archivePath := filepath.Join(t.TempDir(), "a-1.0.sp")
	data := buildArchive(t, "a", map[string]string{"bin/a": "hello from a"})
	require.NoError(t, os.WriteFile(archivePath, data, 0644))

	plan, err := NewExecutionPlan(map[PackageID]Node{
		"a": {Action: ActionLocal, LocalPath: archivePath},
	})
	require.NoError(t, err)

	stateID, err := p.Run(context.Background(), plan, "install")
	require.NoError(t, err)
	require.NotEmpty(t, stateID)

	_, liveRoot, err := sw.CurrentLive()
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(liveRoot, "bin", "a"))
	require.NoError(t, err)
	require.Equal(t, "hello from a", string(content))
}

func TestRunRespectsDependencyStagingOrder(t *testing.T) {
	p, sw, _ := newTestPipeline(t)

	dataA := buildArchive(t, "a", map[string]string{"lib/a.so": "libA"})
	dataB := buildArchive(t, "b", map[string]string{"bin/b": "binB"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.sp":
			_, _ = w.Write(dataA)
		case "/b.sp":
			_, _ = w.Write(dataB)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	plan, err := NewExecutionPlan(map[PackageID]Node{
		"a": {Action: ActionDownload, URL: srv.URL + "/a.sp"},
		"b": {Action: ActionDownload, URL: srv.URL + "/b.sp", DependsOn: []PackageID{"a"}},
	})
	require.NoError(t, err)

	stateID, err := p.Run(context.Background(), plan, "install")
	require.NoError(t, err)
	require.NotEmpty(t, stateID)

	_, liveRoot, err := sw.CurrentLive()
	require.NoError(t, err)
	a, err := os.ReadFile(filepath.Join(liveRoot, "lib", "a.so"))
	require.NoError(t, err)
	require.Equal(t, "libA", string(a))
	b, err := os.ReadFile(filepath.Join(liveRoot, "bin", "b"))
	require.NoError(t, err)
	require.Equal(t, "binB", string(b))
}

func TestRunFailsOnMissingURL(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	plan, err := NewExecutionPlan(map[PackageID]Node{
		"a": {Action: ActionDownload},
	})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), plan, "install")
	require.Error(t, err)
	var missing ErrMissingDownloadURL
	require.ErrorAs(t, err, &missing)
}

func TestRunCarriesForwardPreviouslyInstalledPackages(t *testing.T) {
	p, sw, db := newTestPipeline(t)

	archiveA := filepath.Join(t.TempDir(), "a.sp")
	require.NoError(t, os.WriteFile(archiveA, buildArchive(t, "a", map[string]string{"bin/a": "hello from a"}), 0644))
	planA, err := NewExecutionPlan(map[PackageID]Node{"a": {Action: ActionLocal, LocalPath: archiveA}})
	require.NoError(t, err)
	_, err = p.Run(context.Background(), planA, "install")
	require.NoError(t, err)

	archiveB := filepath.Join(t.TempDir(), "b.sp")
	require.NoError(t, os.WriteFile(archiveB, buildArchive(t, "b", map[string]string{"bin/b": "hello from b"}), 0644))
	planB, err := NewExecutionPlan(map[PackageID]Node{"b": {Action: ActionLocal, LocalPath: archiveB}})
	require.NoError(t, err)
	stateID, err := p.Run(context.Background(), planB, "install")
	require.NoError(t, err)

	packages, err := db.ListStatePackages(stateID)
	require.NoError(t, err)
	names := make(map[string]bool, len(packages))
	for _, pkg := range packages {
		names[pkg.Spec.Name] = true
	}
	require.True(t, names["a"], "package a must still be recorded after installing b")
	require.True(t, names["b"])

	aFiles, err := db.ListPackageFiles(stateID, "a")
	require.NoError(t, err)
	require.NotEmpty(t, aFiles, "a's package_files rows must be carried into the new state")

	_, liveRoot, err := sw.CurrentLive()
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(liveRoot, "bin", "a"))
	require.NoError(t, err)
	require.Equal(t, "hello from a", string(content))
}

func TestRunReplacingAPackageDropsItsStaleFiles(t *testing.T) {
	p, sw, db := newTestPipeline(t)

	archiveV1 := filepath.Join(t.TempDir(), "a-v1.sp")
	require.NoError(t, os.WriteFile(archiveV1, buildArchive(t, "a", map[string]string{"bin/a": "v1", "bin/only-in-v1": "stale"}), 0644))
	planV1, err := NewExecutionPlan(map[PackageID]Node{"a": {Action: ActionLocal, LocalPath: archiveV1}})
	require.NoError(t, err)
	_, err = p.Run(context.Background(), planV1, "install")
	require.NoError(t, err)

	archiveV2 := filepath.Join(t.TempDir(), "a-v2.sp")
	require.NoError(t, os.WriteFile(archiveV2, buildArchive(t, "a", map[string]string{"bin/a": "v2"}), 0644))
	planV2, err := NewExecutionPlan(map[PackageID]Node{"a": {Action: ActionLocal, LocalPath: archiveV2}})
	require.NoError(t, err)
	stateID, err := p.Run(context.Background(), planV2, "install")
	require.NoError(t, err)

	packages, err := db.ListStatePackages(stateID)
	require.NoError(t, err)
	require.Len(t, packages, 1, "the replaced package must contribute exactly one row, not two")

	_, liveRoot, err := sw.CurrentLive()
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(liveRoot, "bin", "a"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(content))

	_, err = os.Stat(filepath.Join(liveRoot, "bin", "only-in-v1"))
	require.True(t, os.IsNotExist(err), "a file only the old version owned must not survive the replacement")
}

func TestRunIncrementsRefcountForCarriedPackages(t *testing.T) {
	p, _, db := newTestPipeline(t)

	archiveA := filepath.Join(t.TempDir(), "a.sp")
	require.NoError(t, os.WriteFile(archiveA, buildArchive(t, "a", map[string]string{"bin/a": "hello from a"}), 0644))
	planA, err := NewExecutionPlan(map[PackageID]Node{"a": {Action: ActionLocal, LocalPath: archiveA}})
	require.NoError(t, err)
	_, err = p.Run(context.Background(), planA, "install")
	require.NoError(t, err)

	state1, err := db.GetActiveState()
	require.NoError(t, err)
	packagesV1, err := db.ListStatePackages(state1.ID)
	require.NoError(t, err)
	require.Len(t, packagesV1, 1)
	digest := packagesV1[0].Digest

	refBefore, err := db.GetRefCount(digest)
	require.NoError(t, err)
	require.Equal(t, uint32(1), refBefore)

	archiveB := filepath.Join(t.TempDir(), "b.sp")
	require.NoError(t, os.WriteFile(archiveB, buildArchive(t, "b", map[string]string{"bin/b": "hello from b"}), 0644))
	planB, err := NewExecutionPlan(map[PackageID]Node{"b": {Action: ActionLocal, LocalPath: archiveB}})
	require.NoError(t, err)
	_, err = p.Run(context.Background(), planB, "install")
	require.NoError(t, err)

	refAfter, err := db.GetRefCount(digest)
	require.NoError(t, err)
	require.Equal(t, uint32(2), refAfter, "a's digest is now referenced by two states and must not be under-counted")
}

func TestExecutionPlanRejectsCycle(t *testing.T) {
	_, err := NewExecutionPlan(map[PackageID]Node{
		"a": {Action: ActionLocal, LocalPath: "/x", DependsOn: []PackageID{"b"}},
		"b": {Action: ActionLocal, LocalPath: "/y", DependsOn: []PackageID{"a"}},
	})
	require.Error(t, err)
}

func TestExecutionPlanDrainer(t *testing.T) {
	plan, err := NewExecutionPlan(map[PackageID]Node{
		"a": {Action: ActionLocal},
		"b": {Action: ActionLocal, DependsOn: []PackageID{"a"}},
		"c": {Action: ActionLocal, DependsOn: []PackageID{"a"}},
	})
	require.NoError(t, err)

	ready := plan.ReadyPackages()
	require.Equal(t, []PackageID{"a"}, ready)
	require.Empty(t, plan.ReadyPackages())

	unblocked := plan.Complete("a")
	require.ElementsMatch(t, []PackageID{"b", "c"}, unblocked)
}
