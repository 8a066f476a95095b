// Command registry-gc is the thin CLI surface over the core packages
// under internal/pkg. Flag parsing, config-file loading and logging setup
// are external collaborators by spec (spec.md §1's Non-goals); this file
// only wires cobra commands to the orchestrators, the same shape as the
// teacher's cmd-level ExecutorSchema wiring in pkg/cli/executor.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dominodatalab/registry-gc/internal/pkg/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:   "registry-gc",
		Short: "Garbage-collection and lifecycle-management toolkit for the Domino image registry",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "registry-gc.yaml", "path to the configuration document")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(newAnalyzeCommand(&configPath, &logLevel))
	root.AddCommand(newDeleteCommand(&configPath, &logLevel))
	root.AddCommand(newMigrateCommand(&configPath, &logLevel))

	return root
}

func newLogger(level string) log.Logger {
	return log.New(os.Stderr, level)
}
