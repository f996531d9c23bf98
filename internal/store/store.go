// Package store implements the content-addressed package store (C2):
// immutable, digest-keyed, extracted package trees under <root>/packages/,
// with copy-on-write materialization into staging roots.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sps2/sps2/internal/manifest"
	"github.com/sps2/sps2/internal/sps2"
)

const packagesDirName = "packages"

// Store manages the packages/<digest>/ tree under a store root.
type Store struct {
	root string
}

// Open returns a Store rooted at root, creating the packages/ subdirectory
// if it does not already exist.
func Open(root string) (*Store, error) {
	dir := filepath.Join(root, packagesDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) packageDir(digest sps2.PackageDigest) string {
	return filepath.Join(s.root, packagesDirName, digest.String())
}

// NewIngestTemp allocates a sibling temp directory under packages/ that
// the caller populates (manifest.toml, files/, optional sbom docs) before
// calling Ingest. Using a sibling of the final location guarantees the
// eventual os.Rename in Ingest is same-filesystem and therefore atomic.
func (s *Store) NewIngestTemp() (string, error) {
	dir := filepath.Join(s.root, packagesDirName)
	tmp, err := os.MkdirTemp(dir, ".ingest-")
	if err != nil {
		return "", fmt.Errorf("store: create ingest temp dir: %w", err)
	}
	return tmp, nil
}

// Ingest computes the PackageDigest of tmpTree/files and atomically
// renames tmpTree into packages/<digest>/. tmpTree must have been
// allocated by NewIngestTemp and already contain the final manifest.toml,
// files/, and any sbom.*.json documents.
//
// A concurrent ingest of the same digest is a no-op: the loser's temp
// directory is discarded and the winner's digest is returned. After the
// rename, the digest is recomputed from the now-resident tree and
// compared against the pre-rename value; a mismatch rolls the rename back
// and returns ErrStoreCorruption.
func (s *Store) Ingest(tmpTree string, _ sps2.PackageSpec) (sps2.PackageDigest, error) {
	digest, err := computeTreeDigest(filepath.Join(tmpTree, "files"))
	if err != nil {
		return sps2.Hash{}, fmt.Errorf("store: hash ingest tree: %w", err)
	}

	destDir := s.packageDir(digest)
	if err := os.Rename(tmpTree, destDir); err != nil {
		if isAlreadyExists(err) {
			_ = os.RemoveAll(tmpTree)
			return digest, nil
		}
		return sps2.Hash{}, fmt.Errorf("store: rename into place: %w", err)
	}

	verify, err := computeTreeDigest(filepath.Join(destDir, "files"))
	if err != nil || verify != digest {
		_ = os.Rename(destDir, tmpTree) // best-effort rollback
		return sps2.Hash{}, ErrStoreCorruption{Digest: digest.String()}
	}

	return digest, nil
}

func isAlreadyExists(err error) bool {
	return os.IsExist(err) ||
		errors.Is(err, syscall.EEXIST) ||
		errors.Is(err, syscall.ENOTEMPTY)
}

// StoredPackage is a read-only handle onto an ingested package tree.
// Mutating anything under its Root is a programming error.
type StoredPackage struct {
	Digest sps2.PackageDigest
	root   string
}

// Root returns the package's directory within the store.
func (p *StoredPackage) Root() string { return p.root }

// FilesPath returns the root of the package's installed file tree.
func (p *StoredPackage) FilesPath() string { return filepath.Join(p.root, "files") }

// Manifest decodes the package's manifest.toml.
func (p *StoredPackage) Manifest() (*manifest.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(p.root, "manifest.toml"))
	if err != nil {
		return nil, fmt.Errorf("store: read manifest: %w", err)
	}
	return manifest.Decode(data)
}

// Open opens a file at relPath within the package's tree for reading.
func (p *StoredPackage) Open(relPath string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(p.FilesPath(), filepath.FromSlash(relPath)))
}

// Resolve returns a read-only handle onto an ingested package's tree.
func (s *Store) Resolve(digest sps2.PackageDigest) (*StoredPackage, error) {
	dir := s.packageDir(digest)
	if _, err := os.Stat(dir); err != nil {
		return nil, ErrNotFound{Digest: digest.String()}
	}
	return &StoredPackage{Digest: digest, root: dir}, nil
}

// Exists reports whether digest has been ingested.
func (s *Store) Exists(digest sps2.PackageDigest) bool {
	_, err := os.Stat(s.packageDir(digest))
	return err == nil
}

// List returns every digest currently ingested into the store. In-flight
// ingest temp directories (.ingest-*) are not listed.
func (s *Store) List() ([]sps2.PackageDigest, error) {
	dir := filepath.Join(s.root, packagesDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", dir, err)
	}

	out := make([]sps2.PackageDigest, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		digest, err := sps2.ParseHash(e.Name())
		if err != nil {
			continue // skip .ingest-* temp directories and anything foreign
		}
		out = append(out, digest)
	}
	return out, nil
}

// Remove deletes a stored package's tree. Called only by the GC
// coordinator once C3 reports the digest's refcount has reached zero.
func (s *Store) Remove(digest sps2.PackageDigest) error {
	dir := s.packageDir(digest)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound{Digest: digest.String()}
		}
		return err
	}
	return os.RemoveAll(dir)
}
