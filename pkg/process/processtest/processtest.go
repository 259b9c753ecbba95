// Package processtest provides an in-memory process.Spawner for tests
package processtest

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/cuemby/corral/pkg/process"
)

// Handle is a fake process. It exits on SIGKILL, on SIGTERM unless
// IgnoreTerm is set, or when Exit is called.
type Handle struct {
	Spec       process.Spec
	IgnoreTerm bool

	pid  int
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	err     error
	signals []os.Signal
}

// Pid returns the fake process ID
func (h *Handle) Pid() int { return h.pid }

// Signal records sig and exits when the signal would end the process
func (h *Handle) Signal(sig os.Signal) error {
	if !process.Alive(h) {
		return os.ErrProcessDone
	}
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()

	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !h.IgnoreTerm) {
		h.Exit(nil)
	}
	return nil
}

// Kill sends SIGKILL
func (h *Handle) Kill() error {
	return h.Signal(syscall.SIGKILL)
}

// Done is closed when the fake process exits
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the exit error passed to Exit
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Exit ends the fake process with err
func (h *Handle) Exit(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// Signals returns every signal delivered so far
func (h *Handle) Signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

// Spawner records every spawn and hands out fake handles
type Spawner struct {
	mu         sync.Mutex
	handles    []*Handle
	nextPid    int
	err        error
	ignoreTerm bool
}

// NewSpawner creates a fake spawner
func NewSpawner() *Spawner {
	return &Spawner{nextPid: 1000}
}

// Spawn returns a new running fake process
func (s *Spawner) Spawn(ctx context.Context, spec process.Spec) (process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextPid++
	h := &Handle{
		Spec:       spec,
		IgnoreTerm: s.ignoreTerm,
		pid:        s.nextPid,
		done:       make(chan struct{}),
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// FailWith makes subsequent spawns return err; nil restores success
func (s *Spawner) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// IgnoreTerm makes subsequently spawned processes survive SIGTERM
func (s *Spawner) IgnoreTerm(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoreTerm = ignore
}

// Handles returns every handle spawned so far
func (s *Spawner) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

// Count returns the number of spawns
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Running returns the handles that have not exited
func (s *Spawner) Running() []*Handle {
	var out []*Handle
	for _, h := range s.Handles() {
		if process.Alive(h) {
			out = append(out, h)
		}
	}
	return out
}
