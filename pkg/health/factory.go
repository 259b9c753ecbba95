package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/corral/pkg/types"
)

// Target is what a checker probes: one worker process
type Target struct {
	// Addr is the worker's loopback host:port
	Addr string
	// Env and Dir are passed to exec checks
	Env []string
	Dir string
	// Alive reports whether the process is still running
	Alive func() bool
}

// Factory builds a checker for a worker; tests substitute their own
type Factory func(hc *types.HealthCheck, target Target) Checker

// New builds the checker described by hc for target
func New(hc *types.HealthCheck, target Target) Checker {
	if hc == nil {
		return &NoneChecker{Alive: target.Alive}
	}

	timeout := hc.Timeout.Or(DefaultConfig().Timeout)

	switch hc.Type {
	case types.HealthCheckHTTP:
		return NewHTTPChecker(fmt.Sprintf("http://%s%s", target.Addr, hc.Path)).WithTimeout(timeout)
	case types.HealthCheckTCP:
		return newPortChecker(target, timeout)
	case types.HealthCheckExec:
		c := NewExecChecker(hc.Command).WithTimeout(timeout).WithEnv(target.Env)
		c.Dir = target.Dir
		return c
	case types.HealthCheckGRPC:
		c := NewGRPCChecker(target.Addr, hc.Service)
		c.Timeout = timeout
		return c
	default:
		return &NoneChecker{Alive: target.Alive}
	}
}

// ConfigFor returns the check cadence described by hc
func ConfigFor(hc *types.HealthCheck) Config {
	cfg := DefaultConfig()
	if hc == nil {
		return cfg
	}
	cfg.Interval = hc.Interval.Or(cfg.Interval)
	cfg.Timeout = hc.Timeout.Or(cfg.Timeout)
	if hc.Retries > 0 {
		cfg.Retries = hc.Retries
	}
	return cfg
}

// NoneChecker passes while the process is alive
type NoneChecker struct {
	Alive func() bool
}

// Check reports the process liveness
func (n *NoneChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if n.Alive != nil && !n.Alive() {
		return failed(start, "process exited")
	}
	return Result{Healthy: true, Message: "process running", CheckedAt: start}
}

// Type returns the health check type
func (n *NoneChecker) Type() CheckType {
	return CheckTypeNone
}

// CheckerFunc adapts a function to the Checker interface
type CheckerFunc func(ctx context.Context) Result

// Check calls f
func (f CheckerFunc) Check(ctx context.Context) Result {
	return f(ctx)
}

// Type returns CheckTypeNone
func (f CheckerFunc) Type() CheckType {
	return CheckTypeNone
}
