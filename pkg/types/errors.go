package types

import "errors"

var (
	// ErrInvalidConfig is returned when a submitted document fails validation.
	// The active version is never affected.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrBackendUnavailable is returned when no worker could serve a request
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrHealthCheckTimeout is returned when a worker misses its start deadline
	ErrHealthCheckTimeout = errors.New("health check timeout")

	// ErrReapFailure is logged by the supervisor when waiting on exited children fails
	ErrReapFailure = errors.New("reap failure")

	// ErrDrainDeadlineExceeded is logged when a draining worker still had
	// in-flight requests at its deadline and was terminated anyway
	ErrDrainDeadlineExceeded = errors.New("drain deadline exceeded")

	// ErrRestartBudgetExceeded marks a group failed after too many crashes
	ErrRestartBudgetExceeded = errors.New("restart budget exceeded")

	// ErrVersionNotFound is returned for unknown version numbers
	ErrVersionNotFound = errors.New("version not found")

	// ErrGroupRetired is returned when waiting on a group that was drained
	ErrGroupRetired = errors.New("group retired")

	// ErrShuttingDown is returned by operations refused during shutdown
	ErrShuttingDown = errors.New("shutting down")
)
