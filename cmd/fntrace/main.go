// Command fntrace is the CLI front end: "fntrace run <binary> [args...]"
// spawns binary under ptrace, discovers its functions (via DWARF or a
// disassembly heuristic), and prints a depth-indented call/return trace to
// stdout (spec.md §6). Grounded on the teacher's single-flag
// cmd/raztracer/main.go, generalized from stdlib flag to cobra/pflag per
// SPEC_FULL.md's AMBIENT STACK (the richer CLI shape already present twice
// in the retrieval pack).
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:   "fntrace",
		Short: "Trace function calls in a running process via ptrace breakpoints",
	}
	root.AddCommand(newRunCommand(logger))

	if err := root.Execute(); err != nil {
		logger.WithError(err).Error("fntrace: fatal")
		os.Exit(1)
	}
}
