package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List every committed state, oldest first",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runHistory(opts)
		},
	}
}

func runHistory(opts *globalOptions) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	states, err := a.db.ListStates()
	if err != nil {
		return err
	}

	for _, s := range states {
		marker := " "
		if s.Active {
			marker = "*"
		}
		fmt.Printf("%s %s  %s  %s\n", marker, s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Operation)
	}
	return nil
}
