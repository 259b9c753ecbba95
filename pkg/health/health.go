package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
	CheckTypeGRPC CheckType = "grpc"
	CheckTypeNone CheckType = "none"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains common configuration for all health checks
type Config struct {
	// Interval is the time between health checks
	Interval time.Duration

	// Timeout is the maximum time to wait for a single check
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: time.Second,
		Timeout:  2 * time.Second,
		Retries:  3,
	}
}

// Status tracks the health of one worker across checks
type Status struct {
	// ConsecutiveFailures tracks the number of consecutive failed checks
	ConsecutiveFailures int

	// ConsecutiveSuccesses tracks the number of consecutive successful checks
	ConsecutiveSuccesses int

	// LastCheck is the timestamp of the last health check
	LastCheck time.Time

	// LastResult is the result of the last health check
	LastResult Result

	// Healthy is set by the first passing check and cleared once
	// Retries consecutive checks fail
	Healthy bool

	// Unhealthy is set once Retries consecutive checks fail
	Unhealthy bool
}

// NewStatus creates a Status for a worker that has not been checked yet
func NewStatus() *Status {
	return &Status{}
}

// Update updates the status based on a new health check result and
// reports whether Healthy or Unhealthy changed
func (s *Status) Update(result Result, config Config) bool {
	wasHealthy, wasUnhealthy := s.Healthy, s.Unhealthy

	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		s.Unhealthy = false
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0

		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
			s.Unhealthy = true
		}
	}

	return wasHealthy != s.Healthy || wasUnhealthy != s.Unhealthy
}
