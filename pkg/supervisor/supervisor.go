//go:build unix

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Signals that start a shutdown when received
var terminating = map[os.Signal]bool{
	unix.SIGTERM: true,
	unix.SIGINT:  true,
	unix.SIGQUIT: true,
	unix.SIGHUP:  true,
}

// Signals passed through to the child without starting a shutdown
var passthrough = []os.Signal{unix.SIGUSR1, unix.SIGUSR2, unix.SIGWINCH}

// Config configures the supervisor
type Config struct {
	// Command is the child to run, usually corral serve
	Command []string
	Env     []string
	Dir     string

	// GracePeriod is how long the child may take to exit after a
	// termination signal before its process group is killed
	GracePeriod time.Duration

	// ReapInterval is how often orphans are reaped when no SIGCHLD arrives
	ReapInterval time.Duration

	// Subreaper registers as child subreaper when not running as PID 1, so
	// orphaned descendants are reparented here instead of to init
	Subreaper bool
}

// Supervisor runs one child process the way an init process would
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger
	sigs   chan os.Signal

	reaped atomic.Int64
}

// New creates a supervisor for cfg
func New(cfg Config) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 35 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		logger: log.WithComponent("supervisor"),
		sigs:   make(chan os.Signal, 32),
	}
}

// Run starts the child and supervises it until it exits. The returned code
// is what the supervisor should exit with: 0 after a clean shutdown,
// otherwise the child's exit status, or 128+N when it died of signal N.
// Cancelling ctx behaves like receiving SIGTERM.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if len(s.cfg.Command) == 0 {
		return 1, errors.New("no command to supervise")
	}

	if s.cfg.Subreaper && os.Getpid() != 1 {
		if err := setSubreaper(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to become child subreaper; orphans will go to init")
		} else {
			s.logger.Debug().Msg("Registered as child subreaper")
		}
	}

	notify := append([]os.Signal{unix.SIGCHLD}, passthrough...)
	for sig := range terminating {
		notify = append(notify, sig)
	}
	signal.Notify(s.sigs, notify...)
	defer signal.Stop(s.sigs)

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Dir = s.cfg.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// The child is reaped with wait4 below, never with cmd.Wait, so both
	// never race for its exit status
	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("failed to start %s: %w", s.cfg.Command[0], err)
	}
	pid := cmd.Process.Pid
	s.logger.Info().Int("pid", pid).Strs("command", s.cfg.Command).Msg("Child started")

	status, forwarded := s.supervise(ctx, pid)
	code := exitCode(status, forwarded)

	s.terminateGroup(pid)
	s.terminateDescendants()

	s.logger.Info().
		Int("pid", pid).
		Int("exit_code", code).
		Int64("reaped", s.reaped.Load()).
		Msg("Child exited")
	return code, nil
}

// supervise forwards signals and reaps until the child exits. It returns
// the child's wait status and the first termination signal forwarded.
func (s *Supervisor) supervise(ctx context.Context, pid int) (unix.WaitStatus, os.Signal) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	var (
		forwarded os.Signal
		grace     <-chan time.Time
		done      = ctx.Done()
	)

	shutdown := func(sig os.Signal) {
		s.forward(pid, sig)
		if forwarded != nil {
			return
		}
		forwarded = sig
		grace = time.After(s.cfg.GracePeriod)
		s.logger.Info().
			Str("signal", sig.String()).
			Dur("grace", s.cfg.GracePeriod).
			Msg("Shutting down child")
	}

	for {
		select {
		case sig := <-s.sigs:
			switch {
			case sig == unix.SIGCHLD:
				if status, ok := s.reapChild(pid); ok {
					return status, forwarded
				}
			case terminating[sig]:
				shutdown(sig)
			default:
				s.forward(pid, sig)
			}

		case <-done:
			done = nil
			shutdown(unix.SIGTERM)

		case <-grace:
			grace = nil
			s.logger.Warn().
				Int("pid", pid).
				Dur("grace", s.cfg.GracePeriod).
				Msg("Child did not exit within grace period, killing process group")
			if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				s.logger.Error().Err(err).Int("pgid", pid).Msg("Failed to kill process group")
			}

		case <-ticker.C:
			if status, ok := s.reapChild(pid); ok {
				return status, forwarded
			}
		}
	}
}

// forward passes sig to the child, retrying transient failures
func (s *Supervisor) forward(pid int, sig os.Signal) {
	num, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	err := retry.Do(
		func() error {
			return unix.Kill(pid, num)
		},
		retry.Attempts(3),
		retry.Delay(20*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, unix.ESRCH)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if !errors.Is(err, unix.ESRCH) {
			s.logger.Error().Err(err).Str("signal", sig.String()).Int("pid", pid).Msg("Failed to forward signal")
		}
		return
	}
	metrics.SignalsForwardedTotal.WithLabelValues(sig.String()).Inc()
	s.logger.Debug().Str("signal", sig.String()).Int("pid", pid).Msg("Forwarded signal")
}

// reapChild reaps every exited process and reports the child's status if
// it was among them
func (s *Supervisor) reapChild(pid int) (unix.WaitStatus, bool) {
	var (
		status unix.WaitStatus
		found  bool
	)
	s.reapFunc(func(reaped int, ws unix.WaitStatus) {
		if reaped == pid {
			status, found = ws, true
		}
	})
	return status, found
}

// reap collects exited processes without blocking and reports whether
// any children are left
func (s *Supervisor) reap() bool {
	return s.reapFunc(nil)
}

func (s *Supervisor) reapFunc(fn func(pid int, ws unix.WaitStatus)) bool {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return false
		case err != nil:
			metrics.ReapFailuresTotal.Inc()
			s.logger.Warn().Err(fmt.Errorf("%w: %v", types.ErrReapFailure, err)).Msg("Reap failed, retrying on next tick")
			return true
		case pid <= 0:
			return true
		}

		s.reaped.Add(1)
		metrics.ReapedTotal.Inc()
		s.logger.Debug().Int("pid", pid).Int("status", int(ws)).Msg("Reaped process")
		if fn != nil {
			fn(pid, ws)
		}
	}
}

// terminateGroup stops whatever is left in the child's process group
func (s *Supervisor) terminateGroup(pgid int) {
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		return
	}
	s.logger.Info().Int("pgid", pgid).Msg("Terminating remaining processes")

	deadline := time.Now().Add(s.stopWait())
	for time.Now().Before(deadline) {
		s.reap()
		if err := unix.Kill(-pgid, 0); errors.Is(err, unix.ESRCH) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.logger.Warn().Int("pgid", pgid).Msg("Killing remaining processes")
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

// terminateDescendants stops whatever outlived the child in other process
// groups, such as workers the child started with their own group, then
// reaps until no children are left
func (s *Supervisor) terminateDescendants() {
	if !s.reap() {
		return
	}
	s.logger.Info().Msg("Terminating remaining descendants")
	s.signalDescendants(unix.SIGTERM)
	if s.reapUntil(time.Now().Add(s.stopWait())) {
		return
	}

	s.logger.Warn().Msg("Killing remaining descendants")
	s.signalDescendants(unix.SIGKILL)
	if !s.reapUntil(time.Now().Add(s.stopWait())) {
		s.logger.Error().Msg("Descendants still running after SIGKILL")
	}
}

// signalDescendants sends sig to every live process below the supervisor.
// As PID 1 that is every other process in the namespace.
func (s *Supervisor) signalDescendants(sig unix.Signal) {
	if os.Getpid() == 1 {
		if err := unix.Kill(-1, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			s.logger.Error().Err(err).Str("signal", sig.String()).Msg("Failed to signal remaining processes")
		}
		return
	}

	pids, err := descendants(os.Getpid())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list descendants")
		return
	}
	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err == nil {
			s.logger.Debug().Int("pid", pid).Str("signal", sig.String()).Msg("Signalled descendant")
		}
	}
}

// reapUntil reaps until no children are left. It reports false if some
// are still running at deadline.
func (s *Supervisor) reapUntil(deadline time.Time) bool {
	for {
		if !s.reap() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// stopWait bounds each stage of the cleanup after the child exited
func (s *Supervisor) stopWait() time.Duration {
	if s.cfg.GracePeriod > 5*time.Second {
		return 5 * time.Second
	}
	return s.cfg.GracePeriod
}

// exitCode mirrors the child's status. Dying of the termination signal the
// supervisor forwarded counts as a clean shutdown.
func exitCode(ws unix.WaitStatus, forwarded os.Signal) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		if forwarded != nil && ws.Signal() == forwarded {
			return 0
		}
		return 128 + int(ws.Signal())
	}
	return 1
}
