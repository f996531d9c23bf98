package statedb

import (
	"bytes"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/sps2/sps2/internal/sps2"
)

// DeleteState removes a retired state's rows — the state itself, its
// state_packages, and its package_files — and decrements store_refs for
// every digest it referenced. It returns the digests whose refcount
// reached zero as a result, so the caller (internal/gc) can remove them
// from the content-addressed store in the same pass.
//
// DeleteState never touches the active state; callers are responsible for
// choosing a retainable, inactive state (retention window, §4.3).
func (db *DB) DeleteState(stateID sps2.StateID) ([]sps2.PackageDigest, error) {
	var zeroed []sps2.PackageDigest

	err := db.bolt.Update(func(tx *bolt.Tx) error {
		states := tx.Bucket([]byte(bucketStates))
		raw := states.Get([]byte(stateID))
		if raw == nil {
			return ErrNotFound{Kind: "state", Key: string(stateID)}
		}
		var row stateRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if row.Active {
			return ErrTransitionFailed{Reason: "cannot delete the active state"}
		}

		statePackages := tx.Bucket([]byte(bucketStatePackages))
		refs := tx.Bucket([]byte(bucketStoreRefs))
		prefix := statePackagePrefix(stateID)

		var toDelete [][]byte
		c := statePackages.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var spRow statePackageRow
			if err := json.Unmarshal(v, &spRow); err != nil {
				return err
			}
			toDelete = append(toDelete, append([]byte(nil), k...))

			key := []byte(spRow.Digest)
			current := int64(decodeUint32(refs.Get(key)))
			next := current - 1
			if next <= 0 {
				next = 0
				digest, err := sps2.ParseHash(spRow.Digest)
				if err != nil {
					return err
				}
				zeroed = append(zeroed, digest)
			}
			if err := refs.Put(key, encodeUint32(uint32(next))); err != nil {
				return err
			}
		}
		for _, k := range toDelete {
			if err := statePackages.Delete(k); err != nil {
				return err
			}
		}

		packageFiles := tx.Bucket([]byte(bucketPackageFiles))
		filesPrefix := packageFilesStatePrefix(stateID)
		var fileKeys [][]byte
		fc := packageFiles.Cursor()
		for k, _ := fc.Seek(filesPrefix); k != nil && bytes.HasPrefix(k, filesPrefix); k, _ = fc.Next() {
			fileKeys = append(fileKeys, append([]byte(nil), k...))
		}
		for _, k := range fileKeys {
			if err := packageFiles.Delete(k); err != nil {
				return err
			}
		}

		return states.Delete([]byte(stateID))
	})
	if err != nil {
		return nil, err
	}
	return zeroed, nil
}
