package guard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bucketResults = "results"
	cacheLockWait = time.Second
)

// Cache is the verification result cache (§4.7 point 4): a bbolt bucket
// keyed by relative path, self-cleaning the same way
// internal/cache.Cache is — each run reads the prior database and writes
// a fresh one, and only entries actually looked up in this run survive
// into it.
type Cache struct {
	readDB  *bolt.DB
	writeDB *bolt.DB
	path    string
	enabled bool
}

// OpenCache opens path's existing cache for reading and starts a new one
// for writing. An empty path disables caching.
func OpenCache(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("guard: create cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}
	if _, err := os.Stat(path); err == nil {
		if db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: cacheLockWait}); err == nil {
			c.readDB = db
		}
	}

	newPath := path + ".new"
	writeDB, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: cacheLockWait})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("guard: open cache write db (locked by another run?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketResults))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Close closes both databases and, if the write side closed cleanly,
// atomically replaces the old cache file with the new one.
func (c *Cache) Close() error {
	var firstErr error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if err := os.Rename(c.path+".new", c.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func cacheKey(relPath string) []byte {
	var buf bytes.Buffer
	buf.WriteString(relPath)
	return buf.Bytes()
}

// Get returns the raw cached entry for relPath, with no freshness
// filtering — the caller decides what "still valid" means for the level
// it's checking. On hit it self-cleans the entry into the write
// database, matching internal/cache.Cache.Lookup's behavior.
func (c *Cache) Get(relPath string) (cacheEntry, bool) {
	if !c.enabled || c.readDB == nil {
		return cacheEntry{}, false
	}

	var entry cacheEntry
	var found bool
	_ = c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketResults))
		if b == nil {
			return nil
		}
		data := b.Get(cacheKey(relPath))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found {
		return cacheEntry{}, false
	}

	_ = c.Store(relPath, entry)
	return entry, true
}

// Store records (or refreshes) relPath's cache entry in the write database.
func (c *Cache) Store(relPath string, entry cacheEntry) error {
	if !c.enabled || c.writeDB == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.writeDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketResults)).Put(cacheKey(relPath), data)
	})
}
