package swap

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sps2/sps2/internal/sps2"
	"github.com/sps2/sps2/internal/store"
)

// SeedFromLive populates staging with a copy-on-write snapshot of the
// current live root, skipping any relative path in exclude (the package
// directories the new state will replace or drop). Staging and the live
// root share a filesystem by construction (both live under the store
// root's states/ directory), so hard links are always cheap and safe
// here — there is no cross-device case to guard against, unlike C2's
// Materialize.
func (e *Engine) SeedFromLive(staging *StagingRoot, liveRoot string, exclude map[string]bool) error {
	return filepath.WalkDir(liveRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == liveRoot {
			return nil
		}
		rel, err := filepath.Rel(liveRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if exclude[rel] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		dest := filepath.Join(staging.Path, filepath.FromSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(dest, 0755)
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, dest)
		default:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			return os.Link(path, dest)
		}
	})
}

// AddPackage materializes every file recorded for a package (from its
// StoredPackage digest) into staging at its declared relative path.
func (e *Engine) AddPackage(staging *StagingRoot, st *store.Store, digest sps2.PackageDigest, files []sps2.PackageFile) error {
	for _, pf := range files {
		dest := filepath.Join(staging.Path, filepath.FromSlash(pf.RelPath))
		switch pf.Kind {
		case sps2.FileDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("swap: add package dir %s: %w", pf.RelPath, err)
			}
		case sps2.FileSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("swap: add package symlink parent %s: %w", pf.RelPath, err)
			}
			_ = os.Remove(dest)
			if err := os.Symlink(pf.SymlinkTarget, dest); err != nil {
				return fmt.Errorf("swap: add package symlink %s: %w", pf.RelPath, err)
			}
		default:
			if err := st.Materialize(digest, pf.RelPath, dest); err != nil {
				return fmt.Errorf("swap: materialize %s: %w", pf.RelPath, err)
			}
		}
	}
	return nil
}

// RemovePackage deletes a package's files from staging, skipping any
// relative path another retained package still owns (keep).
func (e *Engine) RemovePackage(staging *StagingRoot, files []sps2.PackageFile, keep map[string]bool) error {
	for _, pf := range files {
		if keep[pf.RelPath] {
			continue
		}
		dest := filepath.Join(staging.Path, filepath.FromSlash(pf.RelPath))
		if pf.Kind == sps2.FileDir {
			// Directories are removed in a second pass once empty, below.
			continue
		}
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("swap: remove %s: %w", pf.RelPath, err)
		}
	}
	for _, pf := range files {
		if pf.Kind != sps2.FileDir || keep[pf.RelPath] {
			continue
		}
		dest := filepath.Join(staging.Path, filepath.FromSlash(pf.RelPath))
		_ = os.Remove(dest) // best-effort: only succeeds once genuinely empty
	}
	return nil
}

// Verify checks that staging satisfies the PackageFile invariants (§3
// invariant 2) for the given expected set: every entry exists and its
// kind matches.
func (e *Engine) Verify(staging *StagingRoot, expected []sps2.PackageFile) error {
	for _, pf := range expected {
		full := filepath.Join(staging.Path, filepath.FromSlash(pf.RelPath))
		info, err := os.Lstat(full)
		if err != nil {
			return ErrStagingInvariant{RelPath: pf.RelPath, Reason: "missing: " + err.Error()}
		}
		switch pf.Kind {
		case sps2.FileDir:
			if !info.IsDir() {
				return ErrStagingInvariant{RelPath: pf.RelPath, Reason: "expected directory"}
			}
		case sps2.FileSymlink:
			if info.Mode()&os.ModeSymlink == 0 {
				return ErrStagingInvariant{RelPath: pf.RelPath, Reason: "expected symlink"}
			}
			target, err := os.Readlink(full)
			if err != nil || target != pf.SymlinkTarget {
				return ErrStagingInvariant{RelPath: pf.RelPath, Reason: "symlink target mismatch"}
			}
		default:
			if !info.Mode().IsRegular() {
				return ErrStagingInvariant{RelPath: pf.RelPath, Reason: "expected regular file"}
			}
		}
	}
	return nil
}
