package archive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/sps2/sps2/internal/manifest"
)

// Info reports facts about an archive discovered while scanning its zstd
// frames, ahead of extracting anything.
type Info struct {
	Seekable   bool
	FrameCount int
}

// ExtractOptions constrains what Extract pulls out of an archive.
type ExtractOptions struct {
	// PathPatterns, if non-empty, restricts extraction to files/-relative
	// entries matching at least one shell pattern (path.Match syntax).
	PathPatterns []string
	// MaxFiles caps the number of filesystem entries Extract will create.
	// Zero means unlimited.
	MaxFiles int
	// MaxDecompressedBytes caps the total bytes Extract will write across
	// all regular files. Zero means unlimited.
	MaxDecompressedBytes int64
	// ManifestOnly stops after reading manifest.toml; no files are
	// written to destRoot.
	ManifestOnly bool
}

// ReadManifest decompresses only the frame containing manifest.toml (the
// first frame, by construction of Write) and decodes it, without reading
// the rest of the archive.
func ReadManifest(r io.ReaderAt, size int64) (*manifest.Manifest, *Info, error) {
	frames, err := scanFrames(r, size)
	if err != nil {
		return nil, nil, err
	}
	if len(frames) == 0 {
		return nil, nil, ErrMissingManifest{}
	}

	dec, err := zstd.NewReader(io.NewSectionReader(r, frames[0].Offset, frames[0].CompressedSize))
	if err != nil {
		return nil, nil, err
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	hdr, err := tr.Next()
	if err != nil || hdr.Name != "manifest.toml" {
		return nil, nil, ErrMissingManifest{}
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, nil, err
	}
	man, err := manifest.Decode(data)
	if err != nil {
		return nil, nil, err
	}

	return man, &Info{Seekable: len(frames) > 1, FrameCount: len(frames)}, nil
}

// Extract decodes the archive at r (size bytes long) and writes its
// files/ subtree under destRoot. The manifest is always read and
// returned, even when ManifestOnly stops further processing.
func Extract(ctx context.Context, r io.ReaderAt, size int64, destRoot string, opts ExtractOptions) (*manifest.Manifest, error) {
	frames, err := scanFrames(r, size)
	if err != nil {
		return nil, err
	}

	mr := newMultiFrameReader(r, frames)
	defer mr.Close()

	tr := tar.NewReader(mr)
	hdr, err := tr.Next()
	if err != nil || hdr.Name != "manifest.toml" {
		return nil, ErrMissingManifest{}
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, err
	}
	man, err := manifest.Decode(data)
	if err != nil {
		return nil, err
	}
	if opts.ManifestOnly {
		return man, nil
	}

	var entryCount int
	var totalBytes int64
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		// Non-payload documents (sbom.*, etc.) live at archive root and
		// are not materialized under destRoot.
		if !strings.HasPrefix(hdr.Name, "files/") {
			continue
		}
		rel := strings.TrimPrefix(hdr.Name, "files/")
		rel = strings.TrimSuffix(rel, "/")
		if rel == "" {
			continue
		}
		if err := checkEntryPath(rel); err != nil {
			return nil, err
		}
		if len(opts.PathPatterns) > 0 && !matchesAny(rel, opts.PathPatterns) {
			continue
		}

		if opts.MaxFiles > 0 {
			entryCount++
			if entryCount > opts.MaxFiles {
				return nil, ErrTooManyEntries{Limit: opts.MaxFiles}
			}
		}

		fullPath := filepath.Join(destRoot, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(fullPath, 0755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
				return nil, err
			}
			n, err := writeRegularFile(fullPath, tr, hdr, opts.MaxDecompressedBytes-totalBytes, opts.MaxDecompressedBytes > 0)
			if err != nil {
				return nil, err
			}
			totalBytes += n
			if err := os.Chtimes(fullPath, hdr.ModTime, hdr.ModTime); err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
				return nil, err
			}
			_ = os.Remove(fullPath)
			if err := os.Symlink(hdr.Linkname, fullPath); err != nil {
				return nil, err
			}
		default:
			return nil, ErrUnsupportedEntryType{Path: hdr.Name, Type: byte(hdr.Typeflag)}
		}
	}

	return man, nil
}

func writeRegularFile(fullPath string, src io.Reader, hdr *tar.Header, remaining int64, limited bool) (int64, error) {
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if limited {
		if hdr.Size > remaining {
			return 0, ErrSizeExceeded{Limit: remaining}
		}
		n, err := io.Copy(f, io.LimitReader(src, remaining+1))
		if n > remaining {
			return n, ErrSizeExceeded{Limit: remaining}
		}
		return n, err
	}
	return io.Copy(f, src)
}

// checkEntryPath rejects absolute paths and any path containing a ".."
// component, preventing extraction from writing outside destRoot.
func checkEntryPath(rel string) error {
	if path.IsAbs(rel) {
		return ErrPathEscape{Path: rel}
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return ErrPathEscape{Path: rel}
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return ErrPathEscape{Path: rel}
		}
	}
	return nil
}

func matchesAny(rel string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// multiFrameReader concatenates the decompressed content of a sequence of
// independent zstd frames into a single byte stream, decoding one frame
// at a time so seekable archives never need to be fully buffered in
// memory.
type multiFrameReader struct {
	ra     io.ReaderAt
	frames []frameInfo
	idx    int
	dec    *zstd.Decoder
}

func newMultiFrameReader(ra io.ReaderAt, frames []frameInfo) *multiFrameReader {
	return &multiFrameReader{ra: ra, frames: frames}
}

func (m *multiFrameReader) Read(p []byte) (int, error) {
	for {
		if m.dec == nil {
			if m.idx >= len(m.frames) {
				return 0, io.EOF
			}
			f := m.frames[m.idx]
			m.idx++
			dec, err := zstd.NewReader(io.NewSectionReader(m.ra, f.Offset, f.CompressedSize))
			if err != nil {
				return 0, err
			}
			m.dec = dec
		}

		n, err := m.dec.Read(p)
		if errors.Is(err, io.EOF) {
			m.dec.Close()
			m.dec = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (m *multiFrameReader) Close() error {
	if m.dec != nil {
		m.dec.Close()
		m.dec = nil
	}
	return nil
}
