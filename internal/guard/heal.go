package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sps2/sps2/internal/config"
	"github.com/sps2/sps2/internal/eventbus"
	"github.com/sps2/sps2/internal/sps2"
	"github.com/sps2/sps2/internal/venv"
)

// HealPolicy controls what Heal is allowed to do once invoked. Healing
// is always opt-in: Verify never calls Heal on its own.
type HealPolicy struct {
	OrphanAction      config.OrphanAction
	PreserveUserFiles bool
	BackupDir         string
}

// HealOutcome records what happened to one finding during a Heal call.
type HealOutcome struct {
	RelPath string
	Healed  bool
	Skipped bool
	Reason  string
	Err     error
}

// HealResult aggregates a Heal call's outcomes.
type HealResult struct {
	Discrepancies []HealOutcome
	Orphans       []HealOutcome
}

// userModifiablePrefixes mark files a human plausibly edits directly;
// CorruptedFile healing never overwrites them without an explicit,
// separate operator action.
var userModifiablePrefixes = []string{"etc/", "config/"}

func isUserModifiable(relPath string) bool {
	slash := filepath.ToSlash(relPath)
	for _, p := range userModifiablePrefixes {
		if strings.HasPrefix(slash, p) {
			return true
		}
	}
	ext := filepath.Ext(slash)
	return ext == ".conf" || ext == ".env" || ext == ".db" || ext == ".sqlite"
}

// Heal acts on result's findings according to policy. It never creates a
// new state — it writes directly into the live root result was computed
// against, and the state database is not touched.
func (g *Guard) Heal(ctx context.Context, result Result, policy HealPolicy) (HealResult, error) {
	var out HealResult

	for _, d := range result.Discrepancies {
		outcome := g.healDiscrepancy(ctx, result.LiveRoot, d)
		out.Discrepancies = append(out.Discrepancies, outcome)
		if g.bus != nil {
			g.bus.PublishGuard(eventbus.GuardEvent{
				Level:       result.Level.String(),
				Discrepancy: fmt.Sprintf("%s:%s", d.Kind, d.RelPath),
				Healed:      outcome.Healed,
				Err:         outcome.Err,
			})
		}
	}

	for _, o := range result.Orphans {
		outcome := g.healOrphan(result.LiveRoot, o, policy)
		out.Orphans = append(out.Orphans, outcome)
	}

	return out, nil
}

func (g *Guard) healDiscrepancy(ctx context.Context, liveRoot string, d Discrepancy) HealOutcome {
	switch d.Kind {
	case MissingFile:
		return g.healMissingFile(liveRoot, d)
	case CorruptedFile:
		return g.healCorruptedFile(liveRoot, d)
	case MissingVenv:
		return g.healMissingVenv(ctx, d)
	default: // TypeMismatch
		return HealOutcome{RelPath: d.RelPath, Skipped: true, Reason: "type mismatches are not auto-healed"}
	}
}

func (g *Guard) healMissingFile(liveRoot string, d Discrepancy) HealOutcome {
	if d.Expected.Kind != sps2.FileRegular {
		return HealOutcome{RelPath: d.RelPath, Skipped: true, Reason: "only regular files are materialized from the store"}
	}
	dest := filepath.Join(liveRoot, filepath.FromSlash(d.RelPath))
	if err := g.store.Materialize(d.Digest, d.RelPath, dest); err != nil {
		return HealOutcome{RelPath: d.RelPath, Err: err}
	}
	return HealOutcome{RelPath: d.RelPath, Healed: true}
}

func (g *Guard) healCorruptedFile(liveRoot string, d Discrepancy) HealOutcome {
	if isUserModifiable(d.RelPath) {
		return HealOutcome{RelPath: d.RelPath, Skipped: true, Reason: "user-modifiable path"}
	}
	dest := filepath.Join(liveRoot, filepath.FromSlash(d.RelPath))
	if info, err := os.Stat(dest); err == nil && time.Since(info.ModTime()) < time.Hour {
		return HealOutcome{RelPath: d.RelPath, Skipped: true, Reason: "modified within the last hour"}
	}

	backup := dest + ".corrupted.backup"
	if err := os.Rename(dest, backup); err != nil && !os.IsNotExist(err) {
		return HealOutcome{RelPath: d.RelPath, Err: fmt.Errorf("backup before heal: %w", err)}
	}
	if err := g.store.Materialize(d.Digest, d.RelPath, dest); err != nil {
		return HealOutcome{RelPath: d.RelPath, Err: err}
	}
	return HealOutcome{RelPath: d.RelPath, Healed: true}
}

func (g *Guard) healMissingVenv(ctx context.Context, d Discrepancy) HealOutcome {
	if g.venv == nil {
		return HealOutcome{RelPath: d.RelPath, Skipped: true, Reason: "venv healing disabled"}
	}
	if d.Venv == nil {
		return HealOutcome{RelPath: d.RelPath, Skipped: true, Reason: "no venv record to recreate from"}
	}

	sp, err := g.store.Resolve(d.Digest)
	if err != nil {
		return HealOutcome{RelPath: d.RelPath, Err: err}
	}
	man, err := sp.Manifest()
	if err != nil {
		return HealOutcome{RelPath: d.RelPath, Err: err}
	}
	if man.Python == nil {
		return HealOutcome{RelPath: d.RelPath, Skipped: true, Reason: "package has no [python] section"}
	}

	var captured []string
	if _, err := os.Stat(d.Venv.VenvPath); err == nil {
		captured = g.venv.Freeze(ctx, *d.Venv)
	}

	spec := venv.Spec{
		Package:       d.Spec,
		PythonVersion: man.Python.PythonVersion,
		WheelPath:     filepath.Join(sp.FilesPath(), man.Python.WheelFile),
	}
	if man.Python.RequirementsFile != "" {
		spec.RequirementsPath = filepath.Join(sp.FilesPath(), man.Python.RequirementsFile)
	}

	record, err := g.venv.Recreate(ctx, spec, captured)
	if err != nil {
		return HealOutcome{RelPath: d.RelPath, Err: err}
	}
	if err := g.db.PutVenv(record); err != nil {
		return HealOutcome{RelPath: d.RelPath, Err: err}
	}
	return HealOutcome{RelPath: d.RelPath, Healed: true}
}

func (g *Guard) healOrphan(liveRoot string, o Orphan, policy HealPolicy) HealOutcome {
	if o.Category == OrphanSystem {
		return HealOutcome{RelPath: o.RelPath, Skipped: true, Reason: "system file"}
	}
	if o.Category == OrphanUserCreated && policy.PreserveUserFiles {
		return HealOutcome{RelPath: o.RelPath, Skipped: true, Reason: "user-created file"}
	}

	full := filepath.Join(liveRoot, filepath.FromSlash(o.RelPath))
	switch policy.OrphanAction {
	case config.OrphanRemove:
		if o.IsDir {
			if err := os.Remove(full); err != nil {
				return HealOutcome{RelPath: o.RelPath, Skipped: true, Reason: "directory not empty"}
			}
			return HealOutcome{RelPath: o.RelPath, Healed: true}
		}
		if err := os.Remove(full); err != nil {
			return HealOutcome{RelPath: o.RelPath, Err: err}
		}
		return HealOutcome{RelPath: o.RelPath, Healed: true}

	case config.OrphanBackup:
		if policy.BackupDir == "" {
			return HealOutcome{RelPath: o.RelPath, Skipped: true, Reason: "no backup directory configured"}
		}
		dest := filepath.Join(policy.BackupDir, filepath.FromSlash(o.RelPath))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return HealOutcome{RelPath: o.RelPath, Err: err}
		}
		if err := os.Rename(full, dest); err != nil {
			return HealOutcome{RelPath: o.RelPath, Err: err}
		}
		return HealOutcome{RelPath: o.RelPath, Healed: true}

	default: // config.OrphanPreserve
		return HealOutcome{RelPath: o.RelPath, Skipped: true, Reason: "preserve policy"}
	}
}
