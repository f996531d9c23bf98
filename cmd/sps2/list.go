package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List packages installed in the active state",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runList(opts)
		},
	}
}

func runList(opts *globalOptions) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	active, err := a.db.GetActiveState()
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	packages, err := a.db.ListStatePackages(active.ID)
	if err != nil {
		return err
	}

	for _, sp := range packages {
		fmt.Printf("%s\t%s\n", sp.Spec.Name, sp.Spec.String())
	}
	return nil
}
