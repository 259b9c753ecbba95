package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestShutdownReapsDescendants(t *testing.T) {
	ready, env := readyFile(t)
	s := New(Config{
		Command:      shell(`sleep 30 & sleep 30 & touch "$READY"; wait`),
		Env:          env,
		GracePeriod:  2 * time.Second,
		ReapInterval: 50 * time.Millisecond,
		Subreaper:    true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := start(s, ctx)
	waitFile(t, ready)

	begin := time.Now()
	cancel()

	r := wait(t, out, 5*time.Second)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code)
	assert.Less(t, time.Since(begin), 2*time.Second)

	// The shell and both orphaned sleeps were reaped here
	assert.GreaterOrEqual(t, s.reaped.Load(), int64(3))
}

func readPid(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return pid
}

func assertGone(t *testing.T, pid int) {
	t.Helper()
	err := unix.Kill(pid, 0)
	assert.True(t, errors.Is(err, unix.ESRCH), "process %d still exists: %v", pid, err)
}

func TestKilledChildLeavesNoDescendants(t *testing.T) {
	ready, env := readyFile(t)
	pidFile := filepath.Join(t.TempDir(), "worker.pid")
	s := New(Config{
		// The worker runs in a session of its own and inherits the
		// ignored SIGTERM, so only SIGKILL stops it
		Command:      shell(`trap '' TERM; setsid sleep 30 & echo $! > "$WORKER_PID"; touch "$READY"; wait`),
		Env:          append(env, "WORKER_PID="+pidFile),
		GracePeriod:  300 * time.Millisecond,
		ReapInterval: 50 * time.Millisecond,
		Subreaper:    true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := start(s, ctx)
	waitFile(t, ready)
	worker := readPid(t, pidFile)

	cancel()

	r := wait(t, out, 5*time.Second)
	require.NoError(t, r.err)
	assert.Equal(t, 128+int(unix.SIGKILL), r.code)
	assertGone(t, worker)
	assert.GreaterOrEqual(t, s.reaped.Load(), int64(2))
}

func TestShutdownWaitsForDrainingWorker(t *testing.T) {
	ready, env := readyFile(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "worker.pid")
	gotTerm := filepath.Join(dir, "got-term")
	drained := filepath.Join(dir, "drained")
	workerReady := filepath.Join(dir, "worker-ready")

	// The worker holds a request for 200ms after SIGTERM before exiting
	worker := `trap 'sleep 0.2; touch "$DRAINED"; exit 0' TERM; touch "$WORKER_READY"; while :; do sleep 0.05; done`
	// The parent tells the worker to drain and exits without waiting for it
	parent := `setsid sh -c "$WORKER" & echo $! > "$WORKER_PID"
trap 'touch "$GOT_TERM"; kill -TERM $(cat "$WORKER_PID"); exit 0' TERM
while [ ! -f "$WORKER_READY" ]; do sleep 0.01; done
touch "$READY"
while :; do sleep 0.05; done`

	s := New(Config{
		Command: shell(parent),
		Env: append(env,
			"WORKER="+worker,
			"WORKER_PID="+pidFile,
			"GOT_TERM="+gotTerm,
			"DRAINED="+drained,
			"WORKER_READY="+workerReady,
		),
		GracePeriod:  2 * time.Second,
		ReapInterval: 50 * time.Millisecond,
		Subreaper:    true,
	})
	out := start(s, context.Background())
	waitFile(t, ready)
	workerPid := readPid(t, pidFile)

	begin := time.Now()
	s.sigs <- unix.SIGTERM

	r := wait(t, out, 5*time.Second)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.code)
	assert.Less(t, time.Since(begin), 2*time.Second)

	assert.FileExists(t, gotTerm, "parent never received SIGTERM")
	assert.FileExists(t, drained, "worker was stopped before its request finished")
	assertGone(t, workerPid)
	assert.GreaterOrEqual(t, s.reaped.Load(), int64(2))
}
