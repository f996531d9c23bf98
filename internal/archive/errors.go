package archive

import "fmt"

// ErrNotSeekable is returned when a decoder tries to treat a legacy
// (single-frame) archive as seekable.
type ErrNotSeekable struct{}

func (ErrNotSeekable) Error() string { return "archive: not a seekable package" }

// ErrCorruptedFrame is returned when a zstd frame header cannot be parsed.
type ErrCorruptedFrame struct {
	Offset int64
	Reason string
}

func (e ErrCorruptedFrame) Error() string {
	return fmt.Sprintf("archive: corrupted zstd frame at offset %d: %s", e.Offset, e.Reason)
}

// ErrPathEscape is returned when an archive entry's path would escape the
// extraction destination.
type ErrPathEscape struct{ Path string }

func (e ErrPathEscape) Error() string {
	return fmt.Sprintf("archive: entry path escapes destination: %q", e.Path)
}

// ErrUnsupportedEntryType is returned for device nodes, fifos, sockets, or
// any other tar entry type besides regular file, directory, and symlink.
type ErrUnsupportedEntryType struct {
	Path string
	Type byte
}

func (e ErrUnsupportedEntryType) Error() string {
	return fmt.Sprintf("archive: unsupported entry type %q for %q", string(e.Type), e.Path)
}

// ErrMissingManifest is returned when manifest.toml is absent or not the
// first tar entry.
type ErrMissingManifest struct{}

func (ErrMissingManifest) Error() string { return "archive: missing manifest.toml" }

// ErrSizeExceeded is returned when decompressed output would exceed the
// configured limit.
type ErrSizeExceeded struct{ Limit int64 }

func (e ErrSizeExceeded) Error() string {
	return fmt.Sprintf("archive: decompressed size exceeds limit of %d bytes", e.Limit)
}

// ErrTooManyEntries is returned when an extraction would produce more
// filesystem entries than ExtractOptions.MaxFiles allows.
type ErrTooManyEntries struct{ Limit int }

func (e ErrTooManyEntries) Error() string {
	return fmt.Sprintf("archive: entry count exceeds limit of %d", e.Limit)
}

// Retryable reports whether retrying the same operation could succeed.
// None of the archive codec's failures are transient.
func (ErrNotSeekable) Retryable() bool          { return false }
func (ErrCorruptedFrame) Retryable() bool       { return false }
func (ErrPathEscape) Retryable() bool           { return false }
func (ErrUnsupportedEntryType) Retryable() bool { return false }
func (ErrMissingManifest) Retryable() bool      { return false }
func (ErrSizeExceeded) Retryable() bool         { return false }
func (ErrTooManyEntries) Retryable() bool       { return false }
