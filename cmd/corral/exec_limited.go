package main

import (
	"fmt"
	"os"

	"github.com/cuemby/corral/pkg/process"
	"github.com/spf13/cobra"
)

// execLimitedCmd is the helper the worker pool starts workers through when
// they have resource limits
var execLimitedCmd = &cobra.Command{
	Use:                "exec-limited -- COMMAND [ARGS...]",
	Short:              "Apply worker resource limits and exec COMMAND",
	Hidden:             true,
	DisableFlagParsing: true,
	Args:               cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "--" {
			args = args[1:]
		}
		return process.ExecLimited(args)
	},
}

func init() {
	rootCmd.AddCommand(execLimitedCmd)
}

// newSpawner starts workers through this binary's exec-limited command
func newSpawner() (*process.ExecSpawner, error) {
	s := process.NewExecSpawner()
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate corral binary: %w", err)
	}
	s.Helper = []string{self, execLimitedCmd.Name(), "--"}
	return s, nil
}
