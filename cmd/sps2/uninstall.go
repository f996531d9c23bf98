package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/internal/sps2"
	"github.com/sps2/sps2/internal/statedb"
)

func newUninstallCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <package>",
		Short: "Remove an installed package, producing a new state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runUninstall(opts, args[0])
		},
	}
}

// runUninstall builds the new state directly rather than through
// internal/pipeline (which only ever adds packages): seed staging from
// live excluding the removed package's files, keeping any path another
// retained package still owns, then commit the narrowed package set.
func runUninstall(opts *globalOptions, name string) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	activeID, liveRoot, err := a.swap.CurrentLive()
	if err != nil {
		return fmt.Errorf("uninstall: no active state: %w", err)
	}

	packages, err := a.db.ListStatePackages(activeID)
	if err != nil {
		return err
	}
	var removed *sps2.StatePackage
	var retained []sps2.StatePackage
	for _, sp := range packages {
		sp := sp
		if sp.Spec.Name == name {
			removed = &sp
			continue
		}
		retained = append(retained, sp)
	}
	if removed == nil {
		return fmt.Errorf("uninstall: package %q is not installed", name)
	}

	removedFiles, err := a.db.ListPackageFiles(activeID, name)
	if err != nil {
		return err
	}

	keep := make(map[string]bool)
	var retainedFiles []sps2.PackageFile
	for _, sp := range retained {
		files, err := a.db.ListPackageFiles(activeID, sp.Spec.Name)
		if err != nil {
			return err
		}
		for _, f := range files {
			keep[f.RelPath] = true
			retainedFiles = append(retainedFiles, f)
		}
	}

	staging, err := a.swap.NewStaging()
	if err != nil {
		return err
	}
	if err := a.swap.SeedFromLive(staging, liveRoot, nil); err != nil {
		_ = a.swap.Abandon(staging)
		return err
	}
	if err := a.swap.RemovePackage(staging, removedFiles, keep); err != nil {
		_ = a.swap.Abandon(staging)
		return err
	}

	if _, err := a.swap.Commit(staging); err != nil {
		return err
	}

	state := sps2.State{ID: staging.StateID, Parent: activeID, CreatedAt: time.Now(), Operation: "uninstall " + name, Active: true}
	var newFiles []sps2.PackageFile
	var newPackages []sps2.StatePackage
	for _, sp := range retained {
		sp.StateID = state.ID
		newPackages = append(newPackages, sp)
	}
	for _, f := range retainedFiles {
		f.StateID = state.ID
		newFiles = append(newFiles, f)
	}

	// Every state_packages row the new state writes must add one to its
	// digest's refcount, symmetric with statedb.DeleteState decrementing
	// one per row when a state is garbage-collected. The removed
	// package's own digest is decremented when the state that referenced
	// it (this one's parent) is eventually GC'd, not here.
	deltas := make(map[sps2.PackageDigest]int, len(retained))
	for _, sp := range retained {
		deltas[sp.Digest]++
	}

	if err := a.db.Commit(statedb.Transition{
		State:        state,
		Packages:     newPackages,
		Files:        newFiles,
		DigestDeltas: deltas,
	}); err != nil {
		return fmt.Errorf("uninstall: state committed to filesystem but statedb transaction failed: %w", err)
	}

	a.log.WithField("state_id", state.ID).Info("uninstall complete")
	return nil
}
