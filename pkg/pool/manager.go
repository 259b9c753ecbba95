package pool

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/health"
	"github.com/cuemby/corral/pkg/process"
	"github.com/cuemby/corral/pkg/types"
)

// Options wires the manager to the OS and the rest of the daemon
type Options struct {
	// Spawner starts worker processes
	Spawner process.Spawner

	// Checkers builds health checkers, health.New when nil
	Checkers health.Factory

	// Events receives group and worker events, optional
	Events events.Publisher

	// AllocatePort picks the port a worker listens on,
	// process.AllocatePort when nil
	AllocatePort func() (int, error)
}

// Manager owns every live process group. Groups are keyed by the digest
// of their spec so identical groups are shared between versions.
type Manager struct {
	opts Options

	mu     sync.Mutex
	groups map[string]*Group // instance ID -> group
	live   map[string]*Group // spec digest -> group accepting reuse
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a worker pool manager
func NewManager(opts Options) *Manager {
	if opts.Checkers == nil {
		opts.Checkers = health.New
	}
	if opts.AllocatePort == nil {
		opts.AllocatePort = process.AllocatePort
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		groups: make(map[string]*Group),
		live:   make(map[string]*Group),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Ensure returns a live group running spec, starting one if none exists.
// A failed group is retired and replaced by a fresh instance.
func (m *Manager) Ensure(spec types.ProcessGroupSpec, digest string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, types.ErrShuttingDown
	}

	if g, ok := m.live[digest]; ok {
		if g.State() != types.GroupFailed {
			return g, nil
		}
		delete(m.live, digest)
		g.Drain()
	}

	g := newGroup(m.ctx, spec, digest, &m.opts)
	m.groups[g.id] = g
	m.live[digest] = g

	g.logger.Info().
		Int("replicas", spec.Replicas).
		Str("digest", digest).
		Msg("Starting process group")

	g.onStop = m.remove
	go g.run()
	return g, nil
}

// Retain drains every group whose instance ID is not in keep
func (m *Manager) Retain(keep map[string]bool) {
	m.mu.Lock()
	var retired []*Group
	for id, g := range m.groups {
		if keep[id] {
			continue
		}
		if m.live[g.digest] == g {
			delete(m.live, g.digest)
		}
		retired = append(retired, g)
	}
	m.mu.Unlock()

	for _, g := range retired {
		g.Drain()
	}
}

// Get returns the group with the given instance ID
func (m *Manager) Get(id string) (*Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	return g, ok
}

// Alive reports whether the group with the given instance ID has not stopped
func (m *Manager) Alive(id string) bool {
	_, ok := m.Get(id)
	return ok
}

// Snapshot returns the status of every live group, ordered by name
func (m *Manager) Snapshot() []types.GroupStatus {
	m.mu.Lock()
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	out := make([]types.GroupStatus, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// Shutdown drains every group. When ctx expires first the remaining
// workers are killed and ctx's error is returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.live = make(map[string]*Group)
	m.mu.Unlock()

	for _, g := range groups {
		g.Drain()
	}

	var err error
	for _, g := range groups {
		select {
		case <-g.Done():
		case <-ctx.Done():
			err = ctx.Err()
			m.cancel()
			<-g.Done()
		}
	}
	m.cancel()
	return err
}

func (m *Manager) remove(g *Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, g.id)
	if m.live[g.digest] == g {
		delete(m.live, g.digest)
	}
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}
