// Package guard implements the verification guard (C7): it asserts that
// the live filesystem matches the active state's package_files rows, at
// a chosen thoroughness level, over a chosen scope, with optional
// progressive escalation and opt-in healing.
//
// Its progressive-hashing idea — eliminate work as early as possible,
// only doing the expensive read when cheaper checks pass — is lifted
// from internal/verifier's nextJob state machine (INITIAL → AFTER_HEAD →
// IN_CHUNKS), here reshaped into three named levels (Quick → Standard →
// Full) instead of byte-range probes. The result cache is grounded on
// internal/cache/cache.go: a bbolt bucket keyed by the thing being
// checked, valid only while its cheap identity (size, mtime) is
// unchanged.
package guard

import (
	"time"

	"github.com/sps2/sps2/internal/sps2"
)

// Level selects how thoroughly a file's on-disk state is compared
// against its recorded package_files row.
type Level int

const (
	LevelQuick Level = iota
	LevelStandard
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelQuick:
		return "quick"
	case LevelStandard:
		return "standard"
	case LevelFull:
		return "full"
	default:
		return "unknown"
	}
}

// ScopeKind selects what set of expected files a Verify call covers.
type ScopeKind int

const (
	// ScopeSystem covers every file recorded for the active state.
	ScopeSystem ScopeKind = iota
	// ScopePackage covers only PackageName's files within the active state.
	ScopePackage
	// ScopeFiles covers only the named relative paths within the active state.
	ScopeFiles
	// ScopeState covers every file recorded for StateID, compared against
	// that state's own (possibly inactive) directory rather than live.
	ScopeState
)

// Scope names the expected-file set and comparison root for one Verify call.
type Scope struct {
	Kind        ScopeKind
	PackageName string        // ScopePackage
	RelPaths    []string      // ScopeFiles
	StateID     sps2.StateID  // ScopeState
}

// DiscrepancyKind enumerates the ways a live file can fail to match its
// expected package_files row.
type DiscrepancyKind int

const (
	MissingFile DiscrepancyKind = iota
	TypeMismatch
	CorruptedFile
	MissingVenv
)

func (k DiscrepancyKind) String() string {
	switch k {
	case MissingFile:
		return "missing_file"
	case TypeMismatch:
		return "type_mismatch"
	case CorruptedFile:
		return "corrupted_file"
	case MissingVenv:
		return "missing_venv"
	default:
		return "unknown"
	}
}

// Discrepancy is one mismatch found during Verify. It is data, not an
// error — Verify only errors on DB/filesystem unavailability.
type Discrepancy struct {
	Spec     sps2.PackageSpec
	RelPath  string
	Kind     DiscrepancyKind
	Expected sps2.PackageFile
	Digest   sps2.PackageDigest // the package's store digest, for healing
	Venv     *sps2.VenvRecord   // set only when Kind == MissingVenv
	Detail   string
}

// OrphanCategory classifies a live file with no matching package_files row.
type OrphanCategory int

const (
	OrphanSystem OrphanCategory = iota
	OrphanTemporary
	OrphanUserCreated
	OrphanLeftover
	OrphanUnknown
)

func (c OrphanCategory) String() string {
	switch c {
	case OrphanSystem:
		return "system"
	case OrphanTemporary:
		return "temporary"
	case OrphanUserCreated:
		return "user_created"
	case OrphanLeftover:
		return "leftover"
	default:
		return "unknown"
	}
}

// Orphan is a live file or directory with no recorded owner.
type Orphan struct {
	RelPath  string
	IsDir    bool
	Category OrphanCategory
}

// Result is the outcome of one Verify call.
type Result struct {
	Level         Level
	Scope         Scope
	LiveRoot      string
	FilesChecked  int
	Discrepancies []Discrepancy
	Orphans       []Orphan
}

// HasFindings reports whether anything needs attention.
func (r Result) HasFindings() bool {
	return len(r.Discrepancies) > 0 || len(r.Orphans) > 0
}

// cacheEntry is the per-file record kept in the result cache.
type cacheEntry struct {
	ModTime  time.Time
	Size     int64
	Hash     sps2.Hash
	Level    Level
	WasValid bool
	CachedAt time.Time
}

// EscalationThreshold returns the minimum discrepancy count, out of a
// scope of n expected files, that justifies escalating from Standard to
// Full (§9 Open Question: fixed at 5%, floor of one file).
func EscalationThreshold(n int) int {
	t := n / 20
	if t < 1 {
		return 1
	}
	return t
}
