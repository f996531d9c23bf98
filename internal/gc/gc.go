// Package gc implements retention-window garbage collection over states
// and the digests they reference. It adapts distr1-distri's
// cmd/distri/gc.go mark-and-sweep shape — compute the transitive set of
// packages still wanted, delete everything outside it — from "packages
// referenced by pkgset files" to "states within the retention window
// plus the currently active state," then sequences internal/statedb's
// DeleteState (drops the DB rows, decrements digest refcounts) with
// internal/store.Remove and internal/swap.DeleteState for the matching
// filesystem cleanup.
package gc

import (
	"fmt"
	"sort"
	"time"

	"github.com/sps2/sps2/internal/sps2"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/store"
	"github.com/sps2/sps2/internal/swap"
)

// Policy bounds the retention window (§6 retention.* knobs).
type Policy struct {
	// MaxStates keeps at most this many most-recent states beyond the
	// active one. Zero means unlimited.
	MaxStates int
	// MaxAge drops states older than this, measured from now. Zero means
	// unlimited.
	MaxAge time.Duration
	// DryRun reports what would be collected without deleting anything,
	// mirroring distri gc's -dry_run flag.
	DryRun bool
}

// Result summarizes one Run.
type Result struct {
	RetainedStates []sps2.StateID
	DeletedStates  []sps2.StateID
	DeletedDigests []sps2.PackageDigest
}

// Run computes the transitive set of states to keep (the active state
// plus up to Policy.MaxStates most recent, minus anything older than
// Policy.MaxAge), deletes everything else, and removes any store blob
// whose refcount reaches zero as a result.
func Run(db *statedb.DB, st *store.Store, sw *swap.Engine, now time.Time, policy Policy) (Result, error) {
	states, err := db.ListStates()
	if err != nil {
		return Result{}, fmt.Errorf("gc: list states: %w", err)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].CreatedAt.After(states[j].CreatedAt) })

	keep := make(map[sps2.StateID]bool, len(states))
	kept := 0
	for _, s := range states {
		if s.Active {
			keep[s.ID] = true
			continue
		}
		if policy.MaxStates > 0 && kept >= policy.MaxStates {
			continue
		}
		if policy.MaxAge > 0 && now.Sub(s.CreatedAt) > policy.MaxAge {
			continue
		}
		keep[s.ID] = true
		kept++
	}

	result := Result{}
	for id := range keep {
		result.RetainedStates = append(result.RetainedStates, id)
	}

	for _, s := range states {
		if keep[s.ID] {
			continue
		}
		result.DeletedStates = append(result.DeletedStates, s.ID)
		if policy.DryRun {
			continue
		}

		zeroed, err := db.DeleteState(s.ID)
		if err != nil {
			return result, fmt.Errorf("gc: delete state %s: %w", s.ID, err)
		}
		result.DeletedDigests = append(result.DeletedDigests, zeroed...)

		if err := sw.DeleteState(s.ID); err != nil {
			return result, fmt.Errorf("gc: delete state directory %s: %w", s.ID, err)
		}
	}

	if !policy.DryRun {
		for _, digest := range result.DeletedDigests {
			if err := st.Remove(digest); err != nil {
				if _, ok := err.(store.ErrNotFound); ok {
					continue
				}
				return result, fmt.Errorf("gc: remove store blob %s: %w", digest, err)
			}
		}
	}

	return result, nil
}
