package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/internal/gc"
)

func newGCCmd(opts *globalOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete retired states and orphaned store blobs outside the retention window",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runGC(opts, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be collected without deleting anything")
	return cmd
}

func runGC(opts *globalOptions, dryRun bool) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := gc.Run(a.db, a.store, a.swap, time.Now(), gc.Policy{
		MaxStates: a.cfg.Retention.MaxStates,
		MaxAge:    a.cfg.Retention.MaxAge,
		DryRun:    dryRun,
	})
	if err != nil {
		return err
	}

	a.log.WithFields(map[string]interface{}{
		"retained": len(result.RetainedStates),
		"deleted_states":  len(result.DeletedStates),
		"deleted_digests": len(result.DeletedDigests),
		"dry_run":  dryRun,
	}).Info("gc complete")
	for _, id := range result.DeletedStates {
		a.log.WithField("state_id", id).Info("deleted state")
	}
	return nil
}
