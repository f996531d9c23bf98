package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sps2/sps2/internal/manifest"
)

// defaultNominalFrameSize is used when WriteOptions.NominalFrameSize is
// unset.
const defaultNominalFrameSize = 4 << 20 // 4 MiB

// WriteOptions configures archive emission.
type WriteOptions struct {
	// Seekable selects the multi-frame layout; false emits a single zstd
	// frame (legacy format).
	Seekable bool
	// NominalFrameSize is the target decompressed-entry-bytes per frame in
	// seekable mode. Zero uses defaultNominalFrameSize.
	NominalFrameSize int64
	// SourceDateEpoch is the mtime (unix seconds) stamped on every tar
	// header; zero means the unix epoch, matching SPEC_FULL.md §4.1.
	SourceDateEpoch int64
}

// WriteResult reports facts about the archive that was written, used by
// the caller to fill in manifest.Compression before the manifest is
// (re-)encoded and prefixed to the stream.
type WriteResult struct {
	FrameCount int
}

// sourceEntry is one filesystem object to be emitted, already classified
// and validated.
type sourceEntry struct {
	relPath    string // tar entry name, e.g. "files/bin/sh"
	mode       fs.FileMode
	size       int64
	linkTarget string
	typeflag   byte
	fsPath     string // absolute path on disk, empty for non-regular entries
}

// Write emits a deterministic .sp archive to w: manifest.toml first, then
// sbom documents in sorted filename order, then the contents of
// sourceFilesRoot under "files/". It returns the number of zstd frames
// written so the caller can populate manifest.Package.Compression before
// persisting the manifest elsewhere (e.g. alongside the store entry).
//
// Determinism (§4.1, property P4): entries are collected into a single
// buffer via one archive/tar.Writer, so identical input trees always
// produce an identical tar byte stream; zstd compression runs with
// concurrency pinned to 1, so identical tar bytes always produce
// identical compressed bytes.
func Write(w io.Writer, sourceFilesRoot string, man *manifest.Manifest, sboms map[string][]byte, opts WriteOptions) (*WriteResult, error) {
	if opts.NominalFrameSize <= 0 {
		opts.NominalFrameSize = defaultNominalFrameSize
	}
	mtime := time.Unix(opts.SourceDateEpoch, 0).UTC()

	entries, err := collectSourceEntries(sourceFilesRoot)
	if err != nil {
		return nil, err
	}

	manifestBytes, err := man.Encode()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	boundaries := []int64{} // end offset of each written entry, in order

	writeEntry := func(h *tar.Header, content []byte) error {
		normalizeHeader(h, mtime)
		if err := tw.WriteHeader(h); err != nil {
			return fmt.Errorf("archive: write header %q: %w", h.Name, err)
		}
		if len(content) > 0 {
			if _, err := tw.Write(content); err != nil {
				return fmt.Errorf("archive: write content %q: %w", h.Name, err)
			}
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("archive: flush %q: %w", h.Name, err)
		}
		boundaries = append(boundaries, int64(buf.Len()))
		return nil
	}

	if err := writeEntry(&tar.Header{
		Name:     "manifest.toml",
		Typeflag: tar.TypeReg,
		Size:     int64(len(manifestBytes)),
	}, manifestBytes); err != nil {
		return nil, err
	}
	manifestEnd := boundaries[0]

	sbomNames := make([]string, 0, len(sboms))
	for name := range sboms {
		sbomNames = append(sbomNames, name)
	}
	sort.Strings(sbomNames)
	for _, name := range sbomNames {
		content := sboms[name]
		if err := writeEntry(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Size:     int64(len(content)),
		}, content); err != nil {
			return nil, err
		}
	}

	for _, e := range entries {
		h := &tar.Header{
			Name:     e.relPath,
			Typeflag: e.typeflag,
			Size:     e.size,
			Mode:     int64(e.mode.Perm()),
			Linkname: e.linkTarget,
		}
		var content []byte
		if e.typeflag == tar.TypeReg {
			content, err = os.ReadFile(e.fsPath)
			if err != nil {
				return nil, fmt.Errorf("archive: read %q: %w", e.fsPath, err)
			}
		}
		if err := writeEntry(h, content); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("archive: close tar writer: %w", err)
	}
	total := int64(buf.Len())

	groups := frameGroups(boundaries, manifestEnd, total, opts)

	data := buf.Bytes()
	for _, g := range groups {
		enc, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("archive: create zstd encoder: %w", err)
		}
		if _, err := enc.Write(data[g.start:g.end]); err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("archive: compress frame: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("archive: finalize frame: %w", err)
		}
	}

	return &WriteResult{FrameCount: len(groups)}, nil
}

type frameGroup struct{ start, end int64 }

// frameGroups partitions the tar byte stream into zstd frames. In legacy
// mode the whole stream is one frame. In seekable mode, the manifest
// entry is always its own first frame (so a decoder can read just the
// first frame to get manifest.toml), and the remaining entries are
// grouped to approximate opts.NominalFrameSize per frame, always on an
// entry boundary; the tar trailer rides along with the final frame.
func frameGroups(boundaries []int64, manifestEnd, total int64, opts WriteOptions) []frameGroup {
	if !opts.Seekable {
		return []frameGroup{{start: 0, end: total}}
	}

	groups := []frameGroup{{start: 0, end: manifestEnd}}
	groupStart := manifestEnd
	for i, b := range boundaries {
		if b <= manifestEnd {
			continue
		}
		isLast := i == len(boundaries)-1
		if b-groupStart >= opts.NominalFrameSize || isLast {
			groups = append(groups, frameGroup{start: groupStart, end: b})
			groupStart = b
		}
	}
	// The tar trailer (two zero blocks written by tw.Close) always
	// follows the last entry boundary, so it rides along with whichever
	// frame is still open.
	groups[len(groups)-1].end = total
	return groups
}

// normalizeHeader applies the deterministic-emit normalization rules from
// SPEC_FULL.md §4.1.
func normalizeHeader(h *tar.Header, mtime time.Time) {
	h.ModTime = mtime
	h.AccessTime = time.Time{}
	h.ChangeTime = time.Time{}
	h.Uid, h.Gid = 0, 0
	h.Uname, h.Gname = "root", "root"
	h.Devmajor, h.Devminor = 0, 0
	h.Format = tar.FormatPAX
	h.PAXRecords = nil
	h.Xattrs = nil //nolint:staticcheck // deprecated but explicitly cleared for determinism

	switch h.Typeflag {
	case tar.TypeDir:
		h.Mode = 0755
	case tar.TypeReg:
		if h.Mode&0o111 != 0 {
			h.Mode = 0755
		} else {
			h.Mode = 0644
		}
	case tar.TypeSymlink:
		h.Mode = 0777
	}
}

// collectSourceEntries walks root and returns every entry to emit under
// "files/", sorted by relative path using plain byte comparison (locale
// independent).
func collectSourceEntries(root string) ([]sourceEntry, error) {
	var out []sourceEntry
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
		tarName := "files/" + rel

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			out = append(out, sourceEntry{relPath: tarName + "/", typeflag: tar.TypeDir, mode: info.Mode()})
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			out = append(out, sourceEntry{relPath: tarName, typeflag: tar.TypeSymlink, linkTarget: target})
		case info.Mode().IsRegular():
			out = append(out, sourceEntry{relPath: tarName, typeflag: tar.TypeReg, size: info.Size(), mode: info.Mode(), fsPath: path})
		default:
			return ErrUnsupportedEntryType{Path: tarName, Type: entryTypeByte(info.Mode())}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].relPath < out[j].relPath })
	return out, nil
}

func entryTypeByte(mode fs.FileMode) byte {
	switch {
	case mode&os.ModeDevice != 0:
		return 'd'
	case mode&os.ModeNamedPipe != 0:
		return 'p'
	case mode&os.ModeSocket != 0:
		return 's'
	default:
		return '?'
	}
}
