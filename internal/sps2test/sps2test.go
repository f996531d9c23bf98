// Package sps2test is a small fixture builder for tests that need a real
// on-disk package tree: declare a set of entries once, sow them onto disk,
// derive the matching []sps2.PackageFile rows, and assert a live directory
// still matches after some operation has run. It follows the same
// declare-a-tree/build-it/assert-against-it shape as a TempDir-based
// dedup test harness, retargeted from hardlink/symlink dedup equivalence
// onto PackageFile invariants: kind, content hash, symlink target.
package sps2test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sps2/sps2/internal/sps2"
)

// Entry declares one file, directory, or symlink to sow and later assert.
type Entry struct {
	RelPath       string
	Kind          sps2.FileKind
	Content       []byte // FileRegular
	SymlinkTarget string // FileSymlink
}

// Tree is an ordered set of entries. Directories need not be listed
// explicitly for regular files nested under them — Sow creates parents as
// needed — but an Entry with Kind FileDir is still required wherever a
// directory itself must appear in the derived PackageFile rows.
type Tree struct {
	Entries []Entry
}

// Sow creates tree's entries under root.
func Sow(root string, tree Tree) error {
	for _, e := range tree.Entries {
		full := filepath.Join(root, filepath.FromSlash(e.RelPath))
		switch e.Kind {
		case sps2.FileDir:
			if err := os.MkdirAll(full, 0o755); err != nil {
				return fmt.Errorf("sps2test: mkdir %s: %w", e.RelPath, err)
			}
		case sps2.FileSymlink:
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return fmt.Errorf("sps2test: mkdir parent of %s: %w", e.RelPath, err)
			}
			if err := os.Symlink(e.SymlinkTarget, full); err != nil {
				return fmt.Errorf("sps2test: symlink %s: %w", e.RelPath, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return fmt.Errorf("sps2test: mkdir parent of %s: %w", e.RelPath, err)
			}
			if err := os.WriteFile(full, e.Content, 0o644); err != nil {
				return fmt.Errorf("sps2test: write %s: %w", e.RelPath, err)
			}
		}
	}
	return nil
}

// PackageFiles derives the []sps2.PackageFile rows tree's entries would
// produce for packageName, content hashes included — the shape a real
// ingest+commit would have recorded.
func PackageFiles(packageName string, tree Tree) []sps2.PackageFile {
	out := make([]sps2.PackageFile, len(tree.Entries))
	for i, e := range tree.Entries {
		pf := sps2.PackageFile{PackageName: packageName, RelPath: e.RelPath, Kind: e.Kind}
		switch e.Kind {
		case sps2.FileRegular:
			pf.ContentHash = sps2.SumBytes(e.Content)
		case sps2.FileSymlink:
			pf.SymlinkTarget = e.SymlinkTarget
		}
		out[i] = pf
	}
	return out
}

// AssertTree checks that root still matches expected: every entry exists,
// its kind matches, and (for regular files) its content hash matches.
// Extra files under root are not flagged — callers that care about
// orphans should use internal/guard instead.
func AssertTree(t *testing.T, root string, expected []sps2.PackageFile) {
	t.Helper()
	for _, pf := range expected {
		full := filepath.Join(root, filepath.FromSlash(pf.RelPath))
		info, err := os.Lstat(full)
		if err != nil {
			t.Errorf("sps2test: %s: %v", pf.RelPath, err)
			continue
		}

		switch pf.Kind {
		case sps2.FileDir:
			if !info.IsDir() {
				t.Errorf("sps2test: %s: expected directory", pf.RelPath)
			}
		case sps2.FileSymlink:
			if info.Mode()&os.ModeSymlink == 0 {
				t.Errorf("sps2test: %s: expected symlink", pf.RelPath)
				continue
			}
			target, err := os.Readlink(full)
			if err != nil {
				t.Errorf("sps2test: %s: readlink: %v", pf.RelPath, err)
				continue
			}
			if target != pf.SymlinkTarget {
				t.Errorf("sps2test: %s: symlink target = %q, want %q", pf.RelPath, target, pf.SymlinkTarget)
			}
		default:
			if !info.Mode().IsRegular() {
				t.Errorf("sps2test: %s: expected regular file", pf.RelPath)
				continue
			}
			data, err := os.ReadFile(full)
			if err != nil {
				t.Errorf("sps2test: %s: read: %v", pf.RelPath, err)
				continue
			}
			if got := sps2.SumBytes(data); got != pf.ContentHash {
				t.Errorf("sps2test: %s: content hash mismatch", pf.RelPath)
			}
		}
	}
}
