// Package swap implements the filesystem swap engine (C4): staging a new
// live root by seeding it from the current state, materializing or
// removing packages, then atomically retargeting the "live" symlink. It
// generalizes a write-new/rename-over-old trick from one file to one
// directory tree plus a symlink, and uses google/renameio for the
// symlink retarget itself.
package swap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/sps2/sps2/internal/sps2"
)

const (
	liveLinkName = "live"
	statesDir    = "states"
)

// Engine manages the live pointer and staging roots under one store root.
type Engine struct {
	root string
}

// Open returns an Engine rooted at root, creating the states/ directory
// if needed.
func Open(root string) (*Engine, error) {
	dir := filepath.Join(root, statesDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("swap: create %s: %w", dir, err)
	}
	return &Engine{root: root}, nil
}

func (e *Engine) livePath() string       { return filepath.Join(e.root, liveLinkName) }
func (e *Engine) statePath(id sps2.StateID) string {
	return filepath.Join(e.root, statesDir, string(id))
}
func (e *Engine) stagingPath(id sps2.StateID) string {
	return filepath.Join(e.root, statesDir, string(id)+"-staging")
}

// StatePath returns the on-disk directory for a committed state,
// whether or not it is currently live. Used by the verification guard to
// compare an expected file set against a specific, possibly inactive,
// state directory.
func (e *Engine) StatePath(id sps2.StateID) string {
	return e.statePath(id)
}

// Bootstrap creates the initial empty root state and points live at it.
// Called once, the first time a store root is initialized.
func (e *Engine) Bootstrap() (sps2.StateID, error) {
	id := sps2.NewStateID()
	path := e.statePath(id)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("swap: create initial state: %w", err)
	}
	if err := renameio.Symlink(path, e.livePath()); err != nil {
		return "", ErrSwapFailed{Reason: fmt.Sprintf("point live at initial state: %v", err)}
	}
	return id, nil
}

// StagingRoot is a not-yet-committed state directory under construction.
type StagingRoot struct {
	StateID sps2.StateID
	Path    string
}

// NewStaging allocates a fresh StateID and its staging directory.
func (e *Engine) NewStaging() (*StagingRoot, error) {
	id := sps2.NewStateID()
	path := e.stagingPath(id)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("swap: create staging root: %w", err)
	}
	return &StagingRoot{StateID: id, Path: path}, nil
}

// CurrentLive resolves the live symlink to the StateID and directory it
// currently points at. Returns an error if no state has ever been
// committed (the initial empty state must be seeded by the caller).
func (e *Engine) CurrentLive() (sps2.StateID, string, error) {
	target, err := os.Readlink(e.livePath())
	if err != nil {
		return "", "", fmt.Errorf("swap: read live pointer: %w", err)
	}
	id := sps2.StateID(filepath.Base(target))
	abs := target
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(filepath.Dir(e.livePath()), target)
	}
	return id, abs, nil
}

// Abandon deletes a staging root that will never be committed — used on
// any pre-swap failure (§4.4 "If any filesystem step fails before the
// swap, delete the staging root").
func (e *Engine) Abandon(staging *StagingRoot) error {
	return os.RemoveAll(staging.Path)
}

// Commit renames the staging root into states/<StateID>/ and atomically
// retargets live to it. On success it returns the new live target path;
// the caller (the install pipeline) must only call statedb.Commit after
// this returns nil, never before (§9).
func (e *Engine) Commit(staging *StagingRoot) (string, error) {
	finalPath := e.statePath(staging.StateID)
	if err := os.Rename(staging.Path, finalPath); err != nil {
		return "", ErrSwapFailed{Reason: fmt.Sprintf("rename staging into place: %v", err)}
	}

	if err := renameio.Symlink(finalPath, e.livePath()); err != nil {
		// The new state directory exists but isn't live; on the next
		// attempt CurrentLive still resolves to the prior state, and
		// this orphaned directory is swept by the retention GC pass.
		return "", ErrSwapFailed{Reason: fmt.Sprintf("retarget live symlink: %v", err)}
	}

	return finalPath, nil
}

// RollbackTo retargets live directly to an existing, previously committed
// state — no staging or rename needed since the state directory is
// already immutable and in place.
func (e *Engine) RollbackTo(id sps2.StateID) (string, error) {
	target := e.statePath(id)
	if _, err := os.Stat(target); err != nil {
		return "", fmt.Errorf("swap: rollback target %s missing: %w", id, err)
	}
	if err := renameio.Symlink(target, e.livePath()); err != nil {
		return "", ErrSwapFailed{Reason: fmt.Sprintf("retarget live symlink: %v", err)}
	}
	return target, nil
}

// DeleteState removes a retired, inactive state's directory from disk.
// Callers must have already removed its rows from C3 (internal/gc
// sequences the two).
func (e *Engine) DeleteState(id sps2.StateID) error {
	return os.RemoveAll(e.statePath(id))
}
