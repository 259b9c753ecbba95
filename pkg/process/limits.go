//go:build unix

package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// RlimitsEnv carries the limits a helper applies to itself before it
// execs the worker
const RlimitsEnv = "CORRAL_RLIMITS"

// ExecLimited applies the limits found in RlimitsEnv to the calling
// process and replaces it with argv. It only returns on failure.
func ExecLimited(argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}

	var limits []specs.POSIXRlimit
	if raw := os.Getenv(RlimitsEnv); raw != "" {
		if err := json.Unmarshal([]byte(raw), &limits); err != nil {
			return fmt.Errorf("invalid %s: %w", RlimitsEnv, err)
		}
	}
	if err := applyRlimits(0, limits); err != nil {
		return err
	}
	if err := os.Unsetenv(RlimitsEnv); err != nil {
		return err
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	return unix.Exec(path, argv, os.Environ())
}

// limitedCommand wraps argv in helper so the limits hold from the worker's
// first instruction
func limitedCommand(helper, argv []string, limits []specs.POSIXRlimit) ([]string, string, error) {
	raw, err := json.Marshal(limits)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode rlimits: %w", err)
	}
	wrapped := make([]string, 0, len(helper)+len(argv))
	wrapped = append(wrapped, helper...)
	wrapped = append(wrapped, argv...)
	return wrapped, RlimitsEnv + "=" + string(raw), nil
}
