package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/corral/pkg/config"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// exitError carries an exit code out of a command without printing
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// settings holds every option that can come from the config file, the
// environment or a flag
var settings = config.NewViper()

var configFile string

var rootCmd = &cobra.Command{
	Use:   "corral",
	Short: "Corral - process supervisor and multi-process app server",
	Long: `Corral runs as PID 1 in a container, supervises a pool of worker
processes and routes HTTP traffic to them. Configuration is submitted as
versioned documents and cut over only once every worker is healthy.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("corral version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"corral version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Settings file (YAML)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.String("socket", "/run/corral/control.sock", "Control socket path")

	_ = settings.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = settings.BindPFlag("log.json", flags.Lookup("log-json"))
	_ = settings.BindPFlag("control.socket", flags.Lookup("socket"))

	rootCmd.AddCommand(versionCmd)
}

// loadSettings resolves the settings and initializes logging
func loadSettings() (*config.Config, error) {
	cfg, err := config.Load(settings, configFile)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)
	return cfg, nil
}
