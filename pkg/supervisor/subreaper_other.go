//go:build unix && !linux

package supervisor

import "errors"

func setSubreaper() error {
	return errors.New("child subreaper is only supported on linux")
}
