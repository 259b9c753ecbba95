package health

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// PortChecker passes once the worker accepts connections on its port
type PortChecker struct {
	target  Target
	timeout time.Duration
	dialer  net.Dialer
}

func newPortChecker(target Target, timeout time.Duration) *PortChecker {
	return &PortChecker{
		target:  target,
		timeout: timeout,
		dialer:  net.Dialer{KeepAlive: -1},
	}
}

// Check dials the worker's address. A process that already exited fails
// without a dial.
func (p *PortChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if p.target.Alive != nil && !p.target.Alive() {
		return failed(start, "process exited")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", p.target.Addr)
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return failed(start, "nothing listening on %s", p.target.Addr)
	case errors.Is(err, context.DeadlineExceeded):
		return failed(start, "no answer from %s within %s", p.target.Addr, p.timeout)
	case err != nil:
		return failed(start, "dial %s: %v", p.target.Addr, err)
	}
	_ = conn.Close()

	return Result{
		Healthy:   true,
		Message:   "accepting connections on " + p.target.Addr,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns CheckTypeTCP
func (p *PortChecker) Type() CheckType {
	return CheckTypeTCP
}
