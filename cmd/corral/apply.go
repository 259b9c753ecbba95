package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cuemby/corral/pkg/api"
	"github.com/cuemby/corral/pkg/client"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/types"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a configuration document",
	Long: `Validate and store a configuration document as a new version.

Examples:
  # Store a new version
  corral submit -f corral.yaml

  # Store it, cut over and wait until it is active
  corral submit -f corral.yaml --apply --wait 2m`,
	RunE: runSubmit,
}

var applyCmd = &cobra.Command{
	Use:   "apply VERSION",
	Short: "Converge to a stored version",
	Long: `Converge to a stored version. Applying an older version rolls back
to it.

Examples:
  corral apply 4
  corral apply 4 --wait 1m`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

var statusCmd = &cobra.Command{
	Use:   "status [VERSION]",
	Short: "Show a version and its groups",
	Long:  `Show a version and the live state of its groups. Without VERSION the active version is shown.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored versions",
	RunE:  runList,
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List live process groups",
	RunE:  runGroups,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream control plane events",
	RunE:  runEvents,
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "Document file to submit, - for stdin (required)")
	submitCmd.Flags().Bool("apply", false, "Apply the version once stored")
	submitCmd.Flags().Duration("wait", 0, "Wait this long for the applied version to settle")
	_ = submitCmd.MarkFlagRequired("file")

	applyCmd.Flags().Duration("wait", 0, "Wait this long for the version to settle")

	for _, cmd := range []*cobra.Command{submitCmd, applyCmd, statusCmd, listCmd, groupsCmd, eventsCmd} {
		cmd.Flags().StringP("output", "o", "table", "Output format (table, json)")
		rootCmd.AddCommand(cmd)
	}
}

func newClient() (*client.Client, error) {
	if _, err := loadSettings(); err != nil {
		return nil, err
	}
	return client.NewClient(settings.GetString("control.socket"))
}

func runSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	apply, _ := cmd.Flags().GetBool("apply")
	wait, _ := cmd.Flags().GetDuration("wait")

	var (
		data []byte
		err  error
	)
	if filename == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(filename)
	}
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	cv, err := c.Submit(cmd.Context(), data, apply)
	if err != nil {
		printProblems(err)
		return err
	}
	if apply && wait > 0 {
		if cv, err = waitSettled(cmd.Context(), c, cv.Version, wait); err != nil {
			return err
		}
	}
	return printVersion(cmd, cv)
}

func runApply(cmd *cobra.Command, args []string) error {
	v, err := parseVersion(args[0])
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetDuration("wait")

	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Apply(cmd.Context(), v); err != nil {
		return err
	}
	if wait <= 0 {
		fmt.Printf("✓ Version %d queued\n", v)
		return nil
	}
	cv, err := waitSettled(cmd.Context(), c, v, wait)
	if err != nil {
		return err
	}
	return printVersion(cmd, cv)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	var cv *types.ConfigVersion
	if len(args) == 0 {
		cv, err = c.Active(cmd.Context())
	} else {
		v, perr := parseVersion(args[0])
		if perr != nil {
			return perr
		}
		cv, err = c.Status(cmd.Context(), v)
	}
	if err != nil {
		return err
	}
	return printVersion(cmd, cv)
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	versions, err := c.ListVersions(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(versions)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATUS\tGROUPS\tSUBMITTED\tMESSAGE")
	for _, cv := range versions {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			cv.Version, cv.Status, len(cv.Document.Groups),
			cv.SubmittedAt.Local().Format(time.RFC3339), cv.Message)
	}
	return w.Flush()
}

func runGroups(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	groups, err := c.Groups(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(groups)
	}
	return printGroups(groups)
}

func runEvents(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	asJSON := jsonOutput(cmd)
	return c.Events(ctx, func(ev *events.Event) error {
		if asJSON {
			return printJSON(ev)
		}
		fmt.Printf("%s  %-22s %s\n", ev.Timestamp.Local().Format(time.RFC3339), ev.Type, ev.Message)
		return nil
	})
}

// waitSettled polls v until it leaves the pending and converging states
func waitSettled(ctx context.Context, c *client.Client, v types.Version, timeout time.Duration) (*types.ConfigVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		cv, err := c.Status(ctx, v)
		if err != nil {
			return nil, err
		}
		switch cv.Status {
		case types.VersionActive:
			return cv, nil
		case types.VersionFailed, types.VersionSuperseded:
			return cv, fmt.Errorf("version %d %s: %s", v, cv.Status, cv.Message)
		}

		select {
		case <-ctx.Done():
			return cv, fmt.Errorf("version %d still %s after %s", v, cv.Status, timeout)
		case <-ticker.C:
		}
	}
}

func printVersion(cmd *cobra.Command, cv *types.ConfigVersion) error {
	if jsonOutput(cmd) {
		return printJSON(cv)
	}
	fmt.Printf("Version:   %d\n", cv.Version)
	fmt.Printf("Status:    %s\n", cv.Status)
	fmt.Printf("Digest:    %s\n", cv.Digest)
	fmt.Printf("Submitted: %s\n", cv.SubmittedAt.Local().Format(time.RFC3339))
	if cv.ActivatedAt != nil {
		fmt.Printf("Activated: %s\n", cv.ActivatedAt.Local().Format(time.RFC3339))
	}
	if cv.Message != "" {
		fmt.Printf("Message:   %s\n", cv.Message)
	}
	if len(cv.Groups) == 0 {
		return nil
	}
	fmt.Println()
	return printGroups(cv.Groups)
}

func printGroups(groups []types.GroupStatus) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tINSTANCE\tSTATE\tREADY\tRESTARTS\tMESSAGE")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			g.Name, g.InstanceID, g.State, g.Ready, g.Desired, g.Restarts, g.Message)
	}
	return w.Flush()
}

// printProblems lists validation problems returned by the daemon
func printProblems(err error) {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || len(apiErr.Problems) == 0 {
		return
	}
	for _, p := range apiErr.Problems {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", p.Field, p.Message)
	}
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseVersion(s string) (types.Version, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return types.Version(n), nil
}
