package statedb

import (
	"bytes"
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/sps2/sps2/internal/sps2"
)

// GetState returns one state by ID. Reads use bbolt's MVCC snapshot
// semantics (a View transaction), matching §4.3's "readers use snapshot
// reads."
func (db *DB) GetState(id sps2.StateID) (sps2.State, error) {
	var out sps2.State
	err := db.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketStates)).Get([]byte(id))
		if data == nil {
			return ErrNotFound{Kind: "state", Key: string(id)}
		}
		var row stateRow
		if err := json.Unmarshal(data, &row); err != nil {
			return err
		}
		out = row.toState()
		return nil
	})
	return out, err
}

// GetActiveState returns the single state with is_active set.
func (db *DB) GetActiveState() (sps2.State, error) {
	var out sps2.State
	var found bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketStates)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row stateRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Active {
				out = row.toState()
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return sps2.State{}, err
	}
	if !found {
		return sps2.State{}, ErrNotFound{Kind: "state", Key: "active"}
	}
	return out, nil
}

// ListStates returns every state, ordered by CreatedAt ascending.
func (db *DB) ListStates() ([]sps2.State, error) {
	var out []sps2.State
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketStates)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row stateRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			out = append(out, row.toState())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListStatePackages returns every package installed by stateID.
func (db *DB) ListStatePackages(stateID sps2.StateID) ([]sps2.StatePackage, error) {
	var out []sps2.StatePackage
	prefix := statePackagePrefix(stateID)
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketStatePackages)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var row statePackageRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			sp, err := row.toStatePackage()
			if err != nil {
				return err
			}
			out = append(out, sp)
		}
		return nil
	})
	return out, err
}

// ListPackageFiles returns every file recorded for stateID, optionally
// restricted to a single package name (pass "" for all packages).
func (db *DB) ListPackageFiles(stateID sps2.StateID, packageName string) ([]sps2.PackageFile, error) {
	var prefix []byte
	if packageName == "" {
		prefix = packageFilesStatePrefix(stateID)
	} else {
		prefix = packageFilesPackagePrefix(stateID, packageName)
	}

	var out []sps2.PackageFile
	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketPackageFiles)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var row packageFileRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			pf, err := row.toPackageFile()
			if err != nil {
				return err
			}
			out = append(out, pf)
		}
		return nil
	})
	return out, err
}

// GetRefCount returns the current store_refs count for digest.
func (db *DB) GetRefCount(digest sps2.PackageDigest) (uint32, error) {
	var out uint32
	err := db.bolt.View(func(tx *bolt.Tx) error {
		out = decodeUint32(tx.Bucket([]byte(bucketStoreRefs)).Get([]byte(digest.String())))
		return nil
	})
	return out, err
}

// PutVenv records (or replaces) a Python virtual environment row.
func (db *DB) PutVenv(v sps2.VenvRecord) error {
	data, err := json.Marshal(toVenvRow(v))
	if err != nil {
		return err
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketVenvs)).Put(venvKey(v.Spec.Name, v.Spec.Version), data)
	})
}

// GetVenv returns the recorded venv for (name, version).
func (db *DB) GetVenv(name, version string) (sps2.VenvRecord, error) {
	var out sps2.VenvRecord
	err := db.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketVenvs)).Get(venvKey(name, version))
		if data == nil {
			return ErrNotFound{Kind: "venv", Key: name + "@" + version}
		}
		var row venvRow
		if err := json.Unmarshal(data, &row); err != nil {
			return err
		}
		out = row.toVenvRecord()
		return nil
	})
	return out, err
}

// DeleteVenv removes a recorded venv row, e.g. once its package is
// uninstalled.
func (db *DB) DeleteVenv(name, version string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketVenvs)).Delete(venvKey(name, version))
	})
}
