package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sps2/sps2/internal/download"
	"github.com/sps2/sps2/internal/pipeline"
)

func newInstallCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install [package.sp...]",
		Short: "Install one or more local package archives",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runInstall(opts, args)
		},
	}
	return cmd
}

func runInstall(opts *globalOptions, paths []string) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	nodes := make(map[pipeline.PackageID]pipeline.Node, len(paths))
	for i, p := range paths {
		id := pipeline.PackageID(fmt.Sprintf("pkg-%d", i))
		nodes[id] = pipeline.Node{Action: pipeline.ActionLocal, LocalPath: p}
	}
	plan, err := pipeline.NewExecutionPlan(nodes)
	if err != nil {
		return err
	}

	pl, err := pipeline.New(a.store, a.swap, a.db, a.bus, scratchDir(opts), pipeline.Config{
		MaxDownloads:    a.cfg.Install.MaxDownloads,
		MaxDecompress:   a.cfg.Install.MaxDecompressions,
		MaxValidations:  a.cfg.Install.MaxValidations,
		DownloadOptions: download.Options{},
	})
	if err != nil {
		return err
	}

	stateID, err := pl.Run(cmdContext(), plan, "install")
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}
	a.log.WithField("state_id", stateID).Info("install complete")
	return nil
}
