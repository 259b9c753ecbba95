//go:build unix

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func shell(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

// readyFile returns a path the child touches once its traps are installed
func readyFile(t *testing.T) (string, []string) {
	path := filepath.Join(t.TempDir(), "ready")
	return path, []string{"READY=" + path}
}

func waitFile(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "child never became ready")
}

type result struct {
	code int
	err  error
}

func start(s *Supervisor, ctx context.Context) <-chan result {
	out := make(chan result, 1)
	go func() {
		code, err := s.Run(ctx)
		out <- result{code: code, err: err}
	}()
	return out
}

func wait(t *testing.T, out <-chan result, within time.Duration) result {
	t.Helper()
	select {
	case r := <-out:
		return r
	case <-time.After(within):
		t.Fatalf("supervisor did not exit within %s", within)
		return result{}
	}
}

func TestExitCodeMirrored(t *testing.T) {
	tests := []struct {
		name   string
		script string
		code   int
	}{
		{name: "success", script: "exit 0", code: 0},
		{name: "failure", script: "exit 7", code: 7},
		{name: "killed", script: "kill -KILL $$", code: 128 + int(unix.SIGKILL)},
		{name: "own SIGTERM is not a clean shutdown", script: "kill -TERM $$", code: 128 + int(unix.SIGTERM)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{Command: shell(tt.script), ReapInterval: 50 * time.Millisecond})
			r := wait(t, start(s, context.Background()), 5*time.Second)
			require.NoError(t, r.err)
			assert.Equal(t, tt.code, r.code)
		})
	}
}

func TestShutdownIsClean(t *testing.T) {
	s := New(Config{
		Command:      []string{"sleep", "30"},
		GracePeriod:  5 * time.Second,
		ReapInterval: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	out := start(s, ctx)

	time.Sleep(100 * time.Millisecond)
	begin := time.Now()
	cancel()

	r := wait(t, out, 5*time.Second)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code)
	assert.Less(t, time.Since(begin), 2*time.Second)
}

func TestShutdownMirrorsTrappedExit(t *testing.T) {
	ready, env := readyFile(t)
	s := New(Config{
		Command:      shell(`trap 'exit 5' TERM; touch "$READY"; while :; do sleep 0.05; done`),
		Env:          env,
		ReapInterval: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	out := start(s, ctx)
	waitFile(t, ready)

	s.sigs <- unix.SIGTERM

	r := wait(t, out, 5*time.Second)
	cancel()
	require.NoError(t, r.err)
	assert.Equal(t, 5, r.code)
}

func TestGracePeriodKillsGroup(t *testing.T) {
	ready, env := readyFile(t)
	s := New(Config{
		Command:      shell(`trap '' TERM; touch "$READY"; while :; do sleep 0.05; done`),
		Env:          env,
		GracePeriod:  200 * time.Millisecond,
		ReapInterval: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := start(s, ctx)
	waitFile(t, ready)

	begin := time.Now()
	cancel()

	r := wait(t, out, 5*time.Second)
	require.NoError(t, r.err)
	assert.Equal(t, 128+int(unix.SIGKILL), r.code)
	assert.Less(t, time.Since(begin), 3*time.Second)
}

func TestPassthroughSignal(t *testing.T) {
	ready, env := readyFile(t)
	s := New(Config{
		Command:      shell(`trap 'exit 3' USR1; touch "$READY"; while :; do sleep 0.05; done`),
		Env:          env,
		ReapInterval: 50 * time.Millisecond,
	})
	out := start(s, context.Background())
	waitFile(t, ready)

	s.sigs <- unix.SIGUSR1

	r := wait(t, out, 5*time.Second)
	require.NoError(t, r.err)
	assert.Equal(t, 3, r.code)
}

func TestRunErrors(t *testing.T) {
	_, err := New(Config{}).Run(context.Background())
	assert.Error(t, err)

	code, err := New(Config{Command: []string{"/nonexistent/binary"}}).Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestExitCode(t *testing.T) {
	exited := unix.WaitStatus(4 << 8)
	assert.Equal(t, 4, exitCode(exited, nil))

	signaled := unix.WaitStatus(unix.SIGINT)
	assert.Equal(t, 0, exitCode(signaled, unix.SIGINT))
	assert.Equal(t, 128+int(unix.SIGINT), exitCode(signaled, unix.SIGTERM))
	assert.Equal(t, 128+int(unix.SIGINT), exitCode(signaled, nil))
}
