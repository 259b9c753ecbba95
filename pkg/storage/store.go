package storage

import (
	"github.com/cuemby/corral/pkg/types"
)

// Store persists configuration versions and the active version pointer
type Store interface {
	// CreateVersion assigns the next version number to cv and stores it.
	// Numbers come from a persisted sequence and are never reused.
	CreateVersion(cv *types.ConfigVersion) (types.Version, error)
	GetVersion(v types.Version) (*types.ConfigVersion, error)
	ListVersions() ([]*types.ConfigVersion, error)
	UpdateVersion(cv *types.ConfigVersion) error
	DeleteVersion(v types.Version) error

	// Activate stores active and every superseded version and moves the
	// active pointer in a single transaction
	Activate(active *types.ConfigVersion, superseded ...*types.ConfigVersion) error
	GetActive() (types.Version, error)

	Close() error
}
