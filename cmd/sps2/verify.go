package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/internal/guard"
)

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var (
		level       string
		packageName string
		escalate    bool
		heal        bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare the live filesystem against the active state",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runVerify(opts, level, packageName, escalate, heal)
		},
	}
	cmd.Flags().StringVar(&level, "level", "quick", "Verification level: quick, standard, or full")
	cmd.Flags().StringVar(&packageName, "package", "", "Limit verification to one installed package")
	cmd.Flags().BoolVar(&escalate, "escalate", false, "Escalate quick->standard->full when discrepancies are found")
	cmd.Flags().BoolVar(&heal, "heal", false, "Repair discrepancies and orphans found during verification")
	return cmd
}

func parseLevel(s string) (guard.Level, error) {
	switch s {
	case "quick":
		return guard.LevelQuick, nil
	case "standard":
		return guard.LevelStandard, nil
	case "full":
		return guard.LevelFull, nil
	default:
		return 0, fmt.Errorf("unknown verification level %q", s)
	}
}

func runVerify(opts *globalOptions, levelFlag, packageName string, escalate, heal bool) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	level, err := parseLevel(levelFlag)
	if err != nil {
		return err
	}

	cachePath := filepath.Join(opts.storeRoot, "guard-cache.db")
	cache, err := guard.OpenCache(cachePath)
	if err != nil {
		return fmt.Errorf("verify: open result cache: %w", err)
	}
	defer cache.Close()

	g := guard.New(a.db, a.store, a.swap, nil, a.bus, cache, guard.Options{})

	scope := guard.Scope{Kind: guard.ScopeSystem}
	if packageName != "" {
		scope = guard.Scope{Kind: guard.ScopePackage, PackageName: packageName}
	}

	var result guard.Result
	if escalate {
		result, err = g.VerifyWithEscalation(cmdContext(), scope, level)
	} else {
		result, err = g.Verify(cmdContext(), scope, level)
	}
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	report(a, result)

	if heal && result.HasFindings() {
		policy := guard.HealPolicy{
			OrphanAction:      a.cfg.Verification.OrphanedFileAction,
			PreserveUserFiles: a.cfg.Verification.PreserveUserFiles,
			BackupDir:         a.cfg.Verification.OrphanedBackupDir,
		}
		healed, err := g.Heal(cmdContext(), result, policy)
		if err != nil {
			return fmt.Errorf("verify: heal: %w", err)
		}
		reportHeal(a, healed)
	}

	if result.HasFindings() && !heal {
		return fmt.Errorf("verify: %d discrepancies, %d orphans found", len(result.Discrepancies), len(result.Orphans))
	}
	return nil
}

func report(a *app, result guard.Result) {
	a.log.WithFields(map[string]interface{}{
		"level":  result.Level,
		"files":  result.FilesChecked,
		"issues": len(result.Discrepancies),
		"orphans": len(result.Orphans),
	}).Info("verify complete")
	for _, d := range result.Discrepancies {
		a.log.WithField("path", d.RelPath).Warnf("%s: %s", d.Kind, d.Detail)
	}
	for _, o := range result.Orphans {
		a.log.WithField("path", o.RelPath).Warnf("orphan (%s)", o.Category)
	}
}

func reportHeal(a *app, healed guard.HealResult) {
	for _, o := range append(append([]guard.HealOutcome{}, healed.Discrepancies...), healed.Orphans...) {
		switch {
		case o.Err != nil:
			a.log.WithField("path", o.RelPath).Errorf("heal failed: %v", o.Err)
		case o.Healed:
			a.log.WithField("path", o.RelPath).Info("healed")
		case o.Skipped:
			a.log.WithField("path", o.RelPath).Infof("skipped: %s", o.Reason)
		}
	}
}
