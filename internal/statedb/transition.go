package statedb

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/sps2/sps2/internal/sps2"
)

// Transition is the full set of row changes one state transition (install,
// uninstall, or rollback) produces. It is built up by the filesystem swap
// engine and the install pipeline, then committed in one transaction —
// and only after the filesystem swap it describes has already succeeded
// (§3 invariant 5, §9): there is deliberately no "pre-swap C3 write" to
// roll back.
type Transition struct {
	State        sps2.State
	Packages     []sps2.StatePackage
	Files        []sps2.PackageFile
	DigestDeltas map[sps2.PackageDigest]int
}

// Commit installs a Transition: the previously active state (if any) is
// deactivated, the new state and its package_files/state_packages rows
// are written, and store_refs are adjusted — all inside one bbolt
// transaction, giving the all-or-nothing semantics §3 requires.
func (db *DB) Commit(t Transition) error {
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		if err := deactivateCurrent(tx); err != nil {
			return err
		}

		states := tx.Bucket([]byte(bucketStates))
		row := toStateRow(t.State)
		row.Active = true
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := states.Put([]byte(t.State.ID), data); err != nil {
			return err
		}

		statePackages := tx.Bucket([]byte(bucketStatePackages))
		for _, sp := range t.Packages {
			data, err := json.Marshal(toStatePackageRow(sp))
			if err != nil {
				return err
			}
			if err := statePackages.Put(statePackageKey(sp.StateID, sp.Spec.Name), data); err != nil {
				return err
			}
		}

		packageFiles := tx.Bucket([]byte(bucketPackageFiles))
		for _, pf := range t.Files {
			data, err := json.Marshal(toPackageFileRow(pf))
			if err != nil {
				return err
			}
			if err := packageFiles.Put(packageFileKey(pf.StateID, pf.PackageName, pf.RelPath), data); err != nil {
				return err
			}
		}

		refs := tx.Bucket([]byte(bucketStoreRefs))
		for digest, delta := range t.DigestDeltas {
			key := []byte(digest.String())
			current := int64(decodeUint32(refs.Get(key)))
			next := current + int64(delta)
			if next < 0 {
				next = 0
			}
			if err := refs.Put(key, encodeUint32(uint32(next))); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("statedb: commit transition for state %s: %w", t.State.ID, err)
	}
	return nil
}

func deactivateCurrent(tx *bolt.Tx) error {
	states := tx.Bucket([]byte(bucketStates))
	c := states.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var row stateRow
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		if !row.Active {
			continue
		}
		row.Active = false
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := states.Put(k, data); err != nil {
			return err
		}
	}
	return nil
}
