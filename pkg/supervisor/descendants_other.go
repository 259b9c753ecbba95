//go:build unix && !linux

package supervisor

import "errors"

func descendants(root int) ([]int, error) {
	return nil, errors.New("listing descendants is only supported on linux")
}
