// Package statedb implements the transactional state metadata store (C3):
// states, state-packages, package-files, venvs, store refcounts, and a
// metadata table carrying the schema version, all inside one bbolt file.
// It follows the same bucket-per-table, transaction-per-mutation shape
// as a bbolt-backed result cache.
package statedb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketStates        = "states"
	bucketStatePackages = "state_packages"
	bucketPackageFiles  = "package_files"
	bucketVenvs         = "venvs"
	bucketStoreRefs     = "store_refs"
	bucketMetadata      = "metadata"
)

var allBuckets = []string{
	bucketStates, bucketStatePackages, bucketPackageFiles,
	bucketVenvs, bucketStoreRefs, bucketMetadata,
}

const schemaVersionKey = "schema_version"

// CurrentSchemaVersion is the schema version this package writes and
// understands. Opening a database stamped with a newer version is a
// fatal ErrSchemaMismatch.
const CurrentSchemaVersion = 1

// DB is a handle onto the state database.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the state database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("statedb: create dir for %s: %w", path, err)
	}

	b, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("statedb: open %s: %w", path, err)
	}

	db := &DB{bolt: b}
	if err := db.init(); err != nil {
		_ = b.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) init() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("statedb: create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMetadata))
		raw := meta.Get([]byte(schemaVersionKey))
		if raw == nil {
			return meta.Put([]byte(schemaVersionKey), encodeUint32(CurrentSchemaVersion))
		}
		version := decodeUint32(raw)
		if version > CurrentSchemaVersion {
			return ErrSchemaMismatch{Found: version, Supported: CurrentSchemaVersion}
		}
		return nil
	})
}

// Close closes the underlying bbolt file.
func (db *DB) Close() error {
	return db.bolt.Close()
}
