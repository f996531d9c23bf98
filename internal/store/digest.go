package store

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/sps2/sps2/internal/sps2"
)

// treeEntry is one object within a files/ tree, used to build the
// canonical serialization a PackageDigest is computed over.
type treeEntry struct {
	relPath string
	kind    sps2.FileKind
	hash    sps2.Hash
	target  string
}

// computeTreeDigest hashes the canonical serialization of an extracted
// package tree: every entry's kind, path, and content (file hash or
// symlink target) in sorted-path order. Two trees with identical bytes
// and structure always produce the same digest, independent of mtimes,
// ownership, or traversal order.
func computeTreeDigest(filesRoot string) (sps2.Hash, error) {
	entries, err := walkTree(filesRoot)
	if err != nil {
		return sps2.Hash{}, err
	}

	h := sps2.NewHasher()
	for _, e := range entries {
		_, _ = h.Write([]byte{byte(e.kind)})
		_, _ = h.Write([]byte(e.relPath))
		_, _ = h.Write([]byte{0})
		switch e.kind {
		case sps2.FileRegular:
			_, _ = h.Write(e.hash[:])
		case sps2.FileSymlink:
			_, _ = h.Write([]byte(e.target))
		}
	}
	return h.Sum(), nil
}

func walkTree(root string) ([]treeEntry, error) {
	var out []treeEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			out = append(out, treeEntry{relPath: rel, kind: sps2.FileDir})
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			out = append(out, treeEntry{relPath: rel, kind: sps2.FileSymlink, target: target})
		case info.Mode().IsRegular():
			hash, err := sumFile(path)
			if err != nil {
				return err
			}
			out = append(out, treeEntry{relPath: rel, kind: sps2.FileRegular, hash: hash})
		default:
			return fmt.Errorf("store: unsupported entry %q in tree", rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].relPath < out[j].relPath })
	return out, nil
}

func sumFile(path string) (sps2.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return sps2.Hash{}, err
	}
	defer f.Close()

	h := sps2.NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return sps2.Hash{}, err
	}
	return h.Sum(), nil
}
