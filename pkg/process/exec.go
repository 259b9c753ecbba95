//go:build unix

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ExecSpawner starts workers as child processes, each in its own process
// group so signals reach any helpers the worker forks
type ExecSpawner struct {
	// WaitDelay bounds how long output copying may outlive the process
	WaitDelay time.Duration

	// Helper is prepended to the command of workers with rlimits. It must
	// apply the limits in RlimitsEnv and exec the rest of its arguments, as
	// ExecLimited does. Without a helper the limits are set with prlimit
	// right after start, and the worker's first instructions run under the
	// limits it inherited.
	Helper []string
}

// NewExecSpawner creates a spawner with default settings
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{WaitDelay: 2 * time.Second}
}

// Spawn starts the process described by spec. ctx only bounds the start
// itself; the process outlives it.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := spec.Command
	env := append(os.Environ(), spec.Env...)
	limited := len(spec.Rlimits) > 0 && len(s.Helper) > 0
	if limited {
		wrapped, limitsVar, err := limitedCommand(s.Helper, argv, spec.Rlimits)
		if err != nil {
			return nil, err
		}
		argv = wrapped
		env = append(env, limitsVar)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = s.WaitDelay

	stdout := newLineWriter(spec.Logger, "stdout")
	stderr := newLineWriter(spec.Logger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command[0], err)
	}

	if !limited {
		if err := applyRlimits(cmd.Process.Pid, spec.Rlimits); err != nil {
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
			_ = cmd.Wait()
			return nil, err
		}
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return h.cmd.Process.Signal(sig)
	}
	if !Alive(h) {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-h.Pid(), s); err != nil {
		// The worker may have left its group; fall back to the process
		return h.cmd.Process.Signal(sig)
	}
	return nil
}

func (h *execHandle) Kill() error {
	return h.Signal(syscall.SIGKILL)
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) Err() error {
	return h.err
}
