package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/internal/sps2"
	"github.com/sps2/sps2/internal/statedb"
)

func newRollbackCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <state-id>",
		Short: "Point live at a previously committed state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runRollback(opts, sps2.StateID(args[0]))
		},
	}
}

// runRollback retargets live to an already-committed state directory —
// no new staging or filesystem work is needed, since that directory was
// never deleted. The statedb side reuses the target state's existing
// package_files/state_packages rows rather than re-inserting them: only
// is_active flips, from the current state to the target.
func runRollback(opts *globalOptions, target sps2.StateID) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	current, err := a.db.GetActiveState()
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if current.ID == target {
		return fmt.Errorf("rollback: %s is already active", target)
	}

	targetState, err := a.db.GetState(target)
	if err != nil {
		return fmt.Errorf("rollback: unknown state %s: %w", target, err)
	}

	if _, err := a.swap.RollbackTo(target); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}

	targetState.Active = true

	if err := a.db.Commit(statedb.Transition{State: targetState}); err != nil {
		return fmt.Errorf("rollback: live retargeted but statedb transaction failed: %w", err)
	}

	a.log.WithField("state_id", target).Info("rollback complete")
	return nil
}
