//go:build unix && !linux

package process

import (
	"errors"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func applyRlimits(pid int, limits []specs.POSIXRlimit) error {
	if len(limits) > 0 {
		return errors.New("rlimits are only supported on linux")
	}
	return nil
}
