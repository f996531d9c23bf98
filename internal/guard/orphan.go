package guard

import (
	"path/filepath"
	"strings"
)

// systemBasenames are always classified OrphanSystem and never surfaced
// for removal/backup regardless of healing policy.
var systemBasenames = map[string]bool{
	".DS_Store":  true,
	"lost+found": true,
	".sps2":      true,
}

// userContentPrefixes are relative-path prefixes (slash-joined, no
// leading slash) that a human, not a package, is expected to populate.
var userContentPrefixes = []string{
	"home/",
	"etc/sps2/local/",
	"var/lib/sps2/local/",
}

// userContentSuffixes are file extensions commonly hand-edited or
// written by a running package (config and data files), not shipped by
// the package archive itself.
var userContentSuffixes = []string{
	".conf", ".config", ".ini", ".json", ".yaml", ".yml", ".toml", ".db", ".sqlite",
}

// userContentSegments are path segments (slash-delimited, matched
// anywhere in the relative path) that conventionally hold per-install
// config or data.
var userContentSegments = []string{"/data/", "/config/", "/var/"}

var temporarySuffixes = []string{".tmp", "~", ".swp", ".swo", ".bak"}

// classifyOrphan assigns an OrphanCategory to a live path with no
// recorded package_files row. parentOwned reports whether the orphan's
// containing directory is itself an expected (package-owned) directory —
// a strong signal that the file is debris left behind by a package that
// stopped managing it (OrphanLeftover) rather than something a user
// deliberately created.
func classifyOrphan(relPath string, isDir bool, parentOwned bool) OrphanCategory {
	base := filepath.Base(relPath)
	if systemBasenames[base] {
		return OrphanSystem
	}
	if strings.HasPrefix(base, ".#") {
		return OrphanSystem
	}

	for _, suffix := range temporarySuffixes {
		if strings.HasSuffix(base, suffix) {
			return OrphanTemporary
		}
	}

	slashPath := filepath.ToSlash(relPath)
	for _, prefix := range userContentPrefixes {
		if strings.HasPrefix(slashPath, prefix) {
			return OrphanUserCreated
		}
	}
	for _, suffix := range userContentSuffixes {
		if strings.HasSuffix(base, suffix) {
			return OrphanUserCreated
		}
	}
	for _, segment := range userContentSegments {
		if strings.Contains(slashPath, segment) {
			return OrphanUserCreated
		}
	}

	if parentOwned && !isDir {
		return OrphanLeftover
	}

	return OrphanUnknown
}
