package statedb

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"

	"github.com/sps2/sps2/internal/sps2"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMetadata)).Put([]byte(schemaVersionKey), encodeUint32(CurrentSchemaVersion+1))
	}))
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.Error(t, err)
	var mismatch ErrSchemaMismatch
	require.ErrorAs(t, err, &mismatch)
}

func testDigest(b byte) sps2.Hash {
	var h sps2.Hash
	h[0] = b
	return h
}

func TestCommitAndQuery(t *testing.T) {
	db := openTestDB(t)

	digest := testDigest(1)
	s0 := sps2.State{ID: sps2.NewStateID(), CreatedAt: time.Now(), Operation: "install"}
	require.NoError(t, db.Commit(Transition{
		State: s0,
		Packages: []sps2.StatePackage{
			{StateID: s0.ID, Spec: sps2.PackageSpec{Name: "a", Version: "1.0", Arch: "amd64"}, Digest: digest},
		},
		Files: []sps2.PackageFile{
			{StateID: s0.ID, PackageName: "a", RelPath: "bin/a", Kind: sps2.FileRegular, ContentHash: digest},
		},
		DigestDeltas: map[sps2.PackageDigest]int{digest: 1},
	}))

	active, err := db.GetActiveState()
	require.NoError(t, err)
	require.Equal(t, s0.ID, active.ID)

	packages, err := db.ListStatePackages(s0.ID)
	require.NoError(t, err)
	require.Len(t, packages, 1)
	require.Equal(t, "a", packages[0].Spec.Name)

	files, err := db.ListPackageFiles(s0.ID, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "bin/a", files[0].RelPath)

	count, err := db.GetRefCount(digest)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	// A second transition deactivates s0 and activates s1.
	s1 := sps2.State{ID: sps2.NewStateID(), Parent: s0.ID, CreatedAt: time.Now(), Operation: "install"}
	require.NoError(t, db.Commit(Transition{State: s1}))

	active, err = db.GetActiveState()
	require.NoError(t, err)
	require.Equal(t, s1.ID, active.ID)

	prior, err := db.GetState(s0.ID)
	require.NoError(t, err)
	require.False(t, prior.Active)
}

func TestDeleteStateDecrementsRefsToZero(t *testing.T) {
	db := openTestDB(t)

	digest := testDigest(2)
	s0 := sps2.State{ID: sps2.NewStateID(), CreatedAt: time.Now(), Operation: "install"}
	require.NoError(t, db.Commit(Transition{
		State: s0,
		Packages: []sps2.StatePackage{
			{StateID: s0.ID, Spec: sps2.PackageSpec{Name: "a", Version: "1.0", Arch: "amd64"}, Digest: digest},
		},
		DigestDeltas: map[sps2.PackageDigest]int{digest: 1},
	}))

	s1 := sps2.State{ID: sps2.NewStateID(), Parent: s0.ID, CreatedAt: time.Now(), Operation: "install"}
	require.NoError(t, db.Commit(Transition{State: s1}))

	_, err := db.DeleteState(s1.ID)
	require.Error(t, err) // active state cannot be deleted

	zeroed, err := db.DeleteState(s0.ID)
	require.NoError(t, err)
	require.Equal(t, []sps2.PackageDigest{digest}, zeroed)

	count, err := db.GetRefCount(digest)
	require.NoError(t, err)
	require.Equal(t, uint32(0), count)

	_, err = db.GetState(s0.ID)
	require.Error(t, err)
}

func TestVenvRoundTrip(t *testing.T) {
	db := openTestDB(t)

	v := sps2.VenvRecord{
		Spec:          sps2.PackageSpec{Name: "black", Version: "24.0"},
		VenvPath:      "/store/venvs/black-24.0",
		PythonVersion: "3.12",
		WheelName:     "black-24.0-py3-none-any.whl",
	}
	require.NoError(t, db.PutVenv(v))

	got, err := db.GetVenv("black", "24.0")
	require.NoError(t, err)
	require.Equal(t, v, got)

	require.NoError(t, db.DeleteVenv("black", "24.0"))
	_, err = db.GetVenv("black", "24.0")
	require.Error(t, err)
}
