// Package config decodes the external TOML configuration object (§6
// "Configuration knobs") and resolves the SOURCE_DATE_EPOCH environment
// variable. Its decode style mirrors internal/manifest (BurntSushi/toml
// struct tags) and its size-knob parsing follows the dustin/go-humanize
// usage elsewhere in the pack's build tooling.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// VerificationLevel selects how thoroughly the guard compares the live
// filesystem against the active state.
type VerificationLevel string

const (
	LevelQuick    VerificationLevel = "quick"
	LevelStandard VerificationLevel = "standard"
	LevelFull     VerificationLevel = "full"
)

// OrphanAction selects what the guard does with a classified orphan
// during healing.
type OrphanAction string

const (
	OrphanPreserve OrphanAction = "preserve"
	OrphanRemove   OrphanAction = "remove"
	OrphanBackup   OrphanAction = "backup"
)

// Verification holds the §6 verification.* knobs.
type Verification struct {
	Level               VerificationLevel `toml:"level"`
	OrphanedFileAction  OrphanAction      `toml:"orphaned_file_action"`
	PreserveUserFiles   bool              `toml:"preserve_user_files"`
	OrphanedBackupDir   string            `toml:"orphaned_backup_dir"`
}

// Install holds the §6 install.* knobs. BufferSize and MemoryLimit are
// decoded from human-friendly strings ("256MiB") via go-humanize.
type Install struct {
	MaxDownloads     int    `toml:"max_downloads"`
	MaxDecompressions int   `toml:"max_decompressions"`
	MaxValidations   int    `toml:"max_validations"`
	BufferSizeStr    string `toml:"buffer_size"`
	MemoryLimitStr   string `toml:"memory_limit"`

	BufferSize  uint64 `toml:"-"`
	MemoryLimit uint64 `toml:"-"`
}

// Retention holds the §6 retention.* knobs. MaxAgeStr is a Go duration
// string ("720h").
type Retention struct {
	MaxStates int    `toml:"max_states"`
	MaxAgeStr string `toml:"max_age"`

	MaxAge time.Duration `toml:"-"`
}

// Config is the decoded form of the external configuration object.
type Config struct {
	Verification Verification `toml:"verification"`
	Install      Install      `toml:"install"`
	Retention    Retention    `toml:"retention"`

	// SourceDateEpoch is resolved from the SOURCE_DATE_EPOCH environment
	// variable at Load time, not from the TOML document.
	SourceDateEpoch int64 `toml:"-"`
}

// Defaults returns a Config populated with every §4 default: 4
// downloads, 2 decompressions, 3 validations, quick verification,
// preserve orphans.
func Defaults() Config {
	return Config{
		Verification: Verification{Level: LevelQuick, OrphanedFileAction: OrphanPreserve, PreserveUserFiles: true},
		Install: Install{
			MaxDownloads: 4, MaxDecompressions: 2, MaxValidations: 3,
			BufferSize: 1 << 20, MemoryLimit: 512 << 20,
		},
		Retention: Retention{MaxStates: 10, MaxAge: 30 * 24 * time.Hour},
	}
}

// Load decodes path into a Config seeded with Defaults, resolves its
// humanized size/duration strings, and reads SOURCE_DATE_EPOCH.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolve() error {
	if c.Install.BufferSizeStr != "" {
		n, err := humanize.ParseBytes(c.Install.BufferSizeStr)
		if err != nil {
			return fmt.Errorf("config: install.buffer_size: %w", err)
		}
		c.Install.BufferSize = n
	}
	if c.Install.MemoryLimitStr != "" {
		n, err := humanize.ParseBytes(c.Install.MemoryLimitStr)
		if err != nil {
			return fmt.Errorf("config: install.memory_limit: %w", err)
		}
		c.Install.MemoryLimit = n
	}
	if c.Retention.MaxAgeStr != "" {
		d, err := time.ParseDuration(c.Retention.MaxAgeStr)
		if err != nil {
			return fmt.Errorf("config: retention.max_age: %w", err)
		}
		c.Retention.MaxAge = d
	}

	if raw, ok := os.LookupEnv("SOURCE_DATE_EPOCH"); ok {
		epoch, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("config: SOURCE_DATE_EPOCH=%q: %w", raw, err)
		}
		c.SourceDateEpoch = epoch
	}
	return nil
}
