// Command nistream streams waveforms described by a yaml configuration to
// data-acquisition devices.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	successExitCode = 0
	errorExitCode   = 1
)

type command interface {
	Command() *cobra.Command
}

var commands = []command{
	&runCommand{},
	&checkCommand{},
	&metricsCommand{},
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "nistream",
		Short:         "Nistream generates synchronized waveforms on multiple devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	for _, c := range commands {
		root.AddCommand(c.Command())
	}
	return root
}

func run(args []string) int {
	root := newRoot()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Command failed: %v\n", err)
		return errorExitCode
	}
	return successExitCode
}

func main() {
	os.Exit(run(os.Args[1:]))
}
