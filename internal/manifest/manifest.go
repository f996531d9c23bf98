// Package manifest decodes and encodes the package-local manifest.toml
// document that sits at the root of every .sp archive (see SPEC_FULL.md
// §6). It mirrors clearlinux-mixer-tools' use of BurntSushi/toml for its
// own build-config documents.
package manifest

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// CompressionFormat identifies how the archive's payload frames are laid
// out.
type CompressionFormat string

const (
	// FormatLegacy is a single zstd frame containing the whole tar stream.
	FormatLegacy CompressionFormat = "legacy"
	// FormatSeekable is multiple zstd frames aligned to tar-entry or
	// file-bucket boundaries, enabling partial extraction without
	// decompressing the whole archive.
	FormatSeekable CompressionFormat = "seekable"
)

// CurrentFormatVersion is the schema version this package emits.
const CurrentFormatVersion = 1

// Package identifies the package this manifest describes.
type Package struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Revision    uint32 `toml:"revision"`
	Arch        string `toml:"arch"`
	Description string `toml:"description,omitempty"`
	Homepage    string `toml:"homepage,omitempty"`
	License     string `toml:"license,omitempty"`

	Compression Compression `toml:"compression"`
}

// Compression records how the archive's zstd frames are organized.
type Compression struct {
	Format     CompressionFormat `toml:"format"`
	FrameSize  int64             `toml:"frame_size,omitempty"`
	FrameCount int               `toml:"frame_count,omitempty"`
}

// Dependencies lists the package's runtime and build dependencies.
// Build dependencies are recorded for provenance but ignored at install
// time.
type Dependencies struct {
	Runtime []string `toml:"runtime,omitempty"`
	Build   []string `toml:"build,omitempty"`
}

// SBOM records the digests of optional software bill-of-materials
// documents bundled in the archive.
type SBOM struct {
	SPDX      string `toml:"spdx"`
	CycloneDX string `toml:"cyclonedx,omitempty"`
}

// Python records optional per-package Python virtual environment metadata.
type Python struct {
	WheelFile       string `toml:"wheel_file"`
	RequirementsFile string `toml:"requirements_file"`
	PythonVersion   string `toml:"python_version"`
}

// Manifest is the decoded form of manifest.toml.
type Manifest struct {
	FormatVersion int          `toml:"format_version"`
	Package       Package      `toml:"package"`
	Dependencies  Dependencies `toml:"dependencies"`
	SBOM          *SBOM        `toml:"sbom,omitempty"`
	Python        *Python      `toml:"python,omitempty"`
}

// Decode parses a manifest.toml document.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	meta, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		// Unknown fields are tolerated (forward compatibility) but not
		// silently hidden from callers that want to know.
		_ = undecoded
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes m back to canonical TOML. Encoding is deterministic:
// BurntSushi/toml emits struct fields in declaration order, which matches
// the field order above and therefore produces byte-identical output for
// byte-identical Manifest values (required by the archive codec's
// deterministic emit, §4.1).
func (m *Manifest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate checks the required fields described in SPEC_FULL.md §6.
func (m *Manifest) Validate() error {
	if m.FormatVersion == 0 {
		return fmt.Errorf("manifest: missing format_version")
	}
	if m.Package.Name == "" {
		return fmt.Errorf("manifest: missing package.name")
	}
	if m.Package.Version == "" {
		return fmt.Errorf("manifest: missing package.version for %q", m.Package.Name)
	}
	if m.Package.Arch == "" {
		return fmt.Errorf("manifest: missing package.arch for %q", m.Package.Name)
	}
	switch m.Package.Compression.Format {
	case FormatLegacy, FormatSeekable:
	case "":
		return fmt.Errorf("manifest: missing package.compression.format for %q", m.Package.Name)
	default:
		return fmt.Errorf("manifest: unknown compression format %q", m.Package.Compression.Format)
	}
	if m.Package.Compression.Format == FormatSeekable && m.Package.Compression.FrameCount == 0 {
		return fmt.Errorf("manifest: seekable format requires frame_count for %q", m.Package.Name)
	}
	if m.Python != nil {
		if m.Python.WheelFile == "" || m.Python.PythonVersion == "" {
			return fmt.Errorf("manifest: incomplete [python] section for %q", m.Package.Name)
		}
	}
	return nil
}
