package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/corral/pkg/supervisor"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var initCmd = &cobra.Command{
	Use:   "init [flags] [-- COMMAND [ARGS...]]",
	Short: "Run as the container's init process",
	Long: `Run as PID 1: start COMMAND, forward signals to it, reap orphaned
processes and exit with the command's exit status.

Without a command, "corral serve" is started with the same settings.

Examples:
  # Container entrypoint
  ENTRYPOINT ["corral", "init", "--"]
  CMD ["corral", "serve", "--watch", "/etc/corral/corral.yaml"]`,
	RunE: runInit,
}

func init() {
	flags := initCmd.Flags()
	flags.Duration("grace", 0, "How long the child may take to exit before it is killed")
	flags.Duration("reap-interval", 0, "How often orphans are reaped without SIGCHLD")
	flags.Bool("subreaper", true, "Become child subreaper when not PID 1 (linux)")

	_ = settings.BindPFlag("supervisor.grace", flags.Lookup("grace"))
	_ = settings.BindPFlag("supervisor.reap_interval", flags.Lookup("reap-interval"))
	_ = settings.BindPFlag("supervisor.subreaper", flags.Lookup("subreaper"))

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}

	command := args
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate corral binary: %w", err)
		}
		command = []string{self, "serve"}
		cmd.InheritedFlags().Visit(func(f *pflag.Flag) {
			command = append(command, "--"+f.Name+"="+f.Value.String())
		})
	}

	sup := supervisor.New(supervisor.Config{
		Command:      command,
		GracePeriod:  cfg.Supervisor.Grace,
		ReapInterval: cfg.Supervisor.ReapInterval,
		Subreaper:    cfg.Supervisor.Subreaper,
	})
	code, err := sup.Run(context.Background())
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}
