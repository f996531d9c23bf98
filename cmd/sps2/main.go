// Command sps2 is a thin cobra shell driving the core: it wires a store
// root's store/statedb/swap engines together, attaches the event bus's
// logrus and progress-bar subscribers, and dispatches to one subcommand
// per file, exactly as cmd/dupedog lays out dedupe.go alongside main.go.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "sps2",
		Short:   "Source-building package manager",
		Version: version + " (" + commit + ")",
	}

	var opts globalOptions
	root.PersistentFlags().StringVar(&opts.storeRoot, "root", defaultStoreRoot(), "Store root directory")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config.toml (defaults to <root>/config.toml)")
	root.PersistentFlags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress bars")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newInstallCmd(&opts),
		newUninstallCmd(&opts),
		newRollbackCmd(&opts),
		newVerifyCmd(&opts),
		newGCCmd(&opts),
		newListCmd(&opts),
		newHistoryCmd(&opts),
	)

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func defaultStoreRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.sps2"
	}
	return "/var/lib/sps2"
}

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	storeRoot  string
	configPath string
	noProgress bool
	verbose    bool
}

func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
