package process

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

// Spec describes one worker process
type Spec struct {
	Command []string
	Env     []string
	Dir     string
	Rlimits []specs.POSIXRlimit

	// Logger receives the process's stdout and stderr, one event per line
	Logger zerolog.Logger
}

// Handle controls a started process
type Handle interface {
	Pid() int
	// Signal delivers sig to the process group of the process
	Signal(sig os.Signal) error
	// Kill sends SIGKILL to the process group
	Kill() error
	// Done is closed once the process has exited and been waited for
	Done() <-chan struct{}
	// Err returns the wait error; only valid after Done is closed
	Err() error
}

// Spawner starts worker processes. The pool decides when and with what
// parameters; the spawner performs the OS-level work.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// Alive reports whether h has not exited yet
func Alive(h Handle) bool {
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// AllocatePort reserves a free loopback port by binding and releasing it.
// The port may be taken again before the worker binds it; a worker that
// fails to bind exits and is respawned with a fresh port.
func AllocatePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Expand substitutes ${NAME} and $NAME references found in vars. Unknown
// references are left untouched so shell syntax in arguments survives.
func Expand(s string, vars map[string]string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}

// WorkerVars returns the variables every worker can reference
func WorkerVars(port int, workerID, group string) map[string]string {
	return map[string]string{
		"PORT":             strconv.Itoa(port),
		"WORKER_ID":        workerID,
		"CORRAL_WORKER_ID": workerID,
		"CORRAL_GROUP":     group,
	}
}

// BuildSpec expands command and env for one worker and appends the worker
// variables to its environment
func BuildSpec(command, env []string, dir string, vars map[string]string) Spec {
	spec := Spec{Dir: dir}
	for _, arg := range command {
		spec.Command = append(spec.Command, Expand(arg, vars))
	}
	for _, kv := range env {
		spec.Env = append(spec.Env, Expand(kv, vars))
	}
	for _, k := range []string{"PORT", "CORRAL_WORKER_ID", "CORRAL_GROUP"} {
		if v, ok := vars[k]; ok {
			spec.Env = append(spec.Env, k+"="+v)
		}
	}
	return spec
}
