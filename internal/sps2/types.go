// Package sps2 provides the shared domain types used across the sps2
// codebase: hashes, state and package identifiers, and the concurrency
// primitives every component builds on.
package sps2

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// HashSize is the width in bytes of a Hash (BLAKE3-256).
const HashSize = 32

// Hash is a fixed-width content digest, stored hex-encoded in persistent
// structures.
type Hash [HashSize]byte

// String returns the hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash (unset).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a hex-encoded hash produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("parse hash %q: want %d bytes, got %d", s, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// SumBytes returns the BLAKE3 hash of b.
func SumBytes(b []byte) Hash {
	var h Hash
	sum := blake3.Sum256(b)
	copy(h[:], sum[:])
	return h
}

// Hasher is a streaming BLAKE3 hasher implementing io.Writer.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a fresh streaming hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the current digest without mutating hasher state.
func (h *Hasher) Sum() Hash {
	var out Hash
	sum := h.h.Sum(nil)
	copy(out[:], sum)
	return out
}

// PackageDigest identifies a StoredPackage by the digest of its extracted
// tree contents (not the archive bytes).
type PackageDigest = Hash

// StateID is an opaque unique identifier for a state generation. Monotonic
// in creation time, not in ordering.
type StateID string

// NewStateID allocates a fresh StateID.
func NewStateID() StateID {
	return StateID(uuid.NewString())
}

// PackageSpec identifies a package by name, version, revision and
// architecture. (name, version, revision, arch) is unique across the
// system; name is case-sensitive.
type PackageSpec struct {
	Name     string
	Version  string // semver
	Revision uint32
	Arch     string
}

// String renders the canonical "name-version-revision-arch" form used in
// file and directory names.
func (p PackageSpec) String() string {
	return fmt.Sprintf("%s-%s-%d-%s", p.Name, p.Version, p.Revision, p.Arch)
}

// FileKind enumerates the kinds of entries tracked in PackageFile rows.
type FileKind int

const (
	FileRegular FileKind = iota
	FileDir
	FileSymlink
)

func (k FileKind) String() string {
	switch k {
	case FileRegular:
		return "regular"
	case FileDir:
		return "dir"
	case FileSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// State is an immutable snapshot of the installed set, identified by
// StateID. States form a DAG rooted at an initial empty state.
type State struct {
	ID        StateID
	Parent    StateID // zero value for the root state
	CreatedAt time.Time
	Operation string // e.g. "install", "uninstall", "rollback from X to Y"
	RootPath  string
	Active    bool
}

// StatePackage records that a State installs a given PackageSpec at a given
// PackageDigest. Unique per (StateID, Name).
type StatePackage struct {
	StateID StateID
	Spec    PackageSpec
	Digest  PackageDigest
}

// PackageFile records one file installed by a package within a state.
// Required for verification (C7) and orphan detection.
type PackageFile struct {
	StateID       StateID
	PackageName   string
	RelPath       string
	ContentHash   Hash // zero for non-regular files
	Kind          FileKind
	SymlinkTarget string // only set when Kind == FileSymlink
}

// VenvRecord describes a per-package Python virtual environment.
type VenvRecord struct {
	Spec          PackageSpec
	VenvPath      string
	PythonVersion string
	WheelName     string
}
