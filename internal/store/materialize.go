package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sps2/sps2/internal/sps2"
)

// materializeHooks indirects the two syscall-backed steps of the fallback
// chain so tests can simulate platform failures (no reflink support,
// cross-device EXDEV) without needing real filesystem heterogeneity,
// keeping the link/clone syscalls separate from the decision logic that
// chooses between them.
var materializeHooks = struct {
	clone func(src, dst string) error
	link  func(src, dst string) error
}{
	clone: cloneFile,
	link:  os.Link,
}

// Materialize places the file at relPath within the stored package digest
// at dest, preferring a copy-on-write clone, falling back to a hard link,
// and finally to a byte-for-byte copy.
func (s *Store) Materialize(digest sps2.PackageDigest, relPath, dest string) error {
	src := filepath.Join(s.packageDir(digest), "files", filepath.FromSlash(relPath))

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("store: materialize mkdir %s: %w", dest, err)
	}
	_ = os.Remove(dest) // materialize replaces whatever was staged at dest

	if err := materializeHooks.clone(src, dest); err == nil {
		return nil
	}
	if err := materializeHooks.link(src, dest); err == nil {
		return nil
	}
	if err := copyFileContents(src, dest); err != nil {
		return fmt.Errorf("store: materialize %s: %w", relPath, err)
	}
	return nil
}

func copyFileContents(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
