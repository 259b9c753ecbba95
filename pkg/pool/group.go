package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/process"
	"github.com/cuemby/corral/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultStartTimeout  = 30 * time.Second
	defaultDrainTimeout  = 30 * time.Second
	defaultStopTimeout   = 10 * time.Second
	defaultRestartWindow = time.Minute

	drainPollInterval = 50 * time.Millisecond
)

type eventKind int

const (
	workerHealthy eventKind = iota
	workerUnhealthy
	workerStartTimeout
	workerExited
)

type workerEvent struct {
	worker  *Worker
	kind    eventKind
	message string
}

// Group is the live instance of a ProcessGroupSpec. A single goroutine
// owns its lifecycle; every state change goes through transition.
type Group struct {
	name   string
	id     string
	digest string
	spec   types.ProcessGroupSpec
	opts   *Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    types.GroupState
	message  string
	err      error
	slots    []*Worker
	misses   []int
	restarts int
	changed  chan struct{}

	routable atomic.Pointer[[]*Worker]
	next     atomic.Uint64

	budget    *rate.Limiter
	events    chan workerEvent
	drainCh   chan struct{}
	drainOnce sync.Once
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	onStop    func(*Group)
}

func newGroup(parent context.Context, spec types.ProcessGroupSpec, digest string, opts *Options) *Group {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	g := &Group{
		name:    spec.Name,
		id:      id,
		digest:  digest,
		spec:    spec,
		opts:    opts,
		logger:  log.WithGroup(spec.Name, id),
		state:   types.GroupEmpty,
		slots:   make([]*Worker, spec.Replicas),
		misses:  make([]int, spec.Replicas),
		changed: make(chan struct{}),
		budget:  newBudget(spec.RestartBudget, spec.RestartWindow.Or(defaultRestartWindow)),
		events:  make(chan workerEvent, 16),
		drainCh: make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	empty := []*Worker{}
	g.routable.Store(&empty)
	return g
}

// newBudget allows budget restarts per window, refilled evenly
func newBudget(budget int, window time.Duration) *rate.Limiter {
	if budget <= 0 {
		return rate.NewLimiter(0, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(budget)), budget)
}

// Name returns the group name from the document
func (g *Group) Name() string { return g.name }

// ID returns the instance ID, unique across the lifetime of the process
func (g *Group) ID() string { return g.id }

// Digest identifies the spec the group runs
func (g *Group) Digest() string { return g.digest }

// Done is closed once the group has stopped
func (g *Group) Done() <-chan struct{} { return g.done }

// State returns the current lifecycle state
func (g *Group) State() types.GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Err returns the reason the group failed, if it did
func (g *Group) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Pick reserves a routable worker other than exclude, round robin.
// The caller must Release the returned worker.
func (g *Group) Pick(exclude string) *Worker {
	list := *g.routable.Load()
	n := len(list)
	if n == 0 {
		return nil
	}
	start := g.next.Add(1)
	for i := 0; i < n; i++ {
		w := list[(start+uint64(i))%uint64(n)]
		if w.id == exclude {
			continue
		}
		if w.Acquire() {
			return w
		}
	}
	return nil
}

// WaitReady blocks until the group is ready, failed or retired
func (g *Group) WaitReady(ctx context.Context) error {
	for {
		g.mu.Lock()
		state, err, changed := g.state, g.err, g.changed
		g.mu.Unlock()

		switch state {
		case types.GroupReady:
			return nil
		case types.GroupFailed:
			return fmt.Errorf("group %s failed: %w", g.name, err)
		case types.GroupDraining, types.GroupStopped:
			return fmt.Errorf("group %s: %w", g.name, types.ErrGroupRetired)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("group %s not ready: %w", g.name, ctx.Err())
		}
	}
}

// Drain asks the group to stop once its in-flight requests finish
func (g *Group) Drain() {
	g.drainOnce.Do(func() { close(g.drainCh) })
}

// Status returns a point-in-time view of the group
func (g *Group) Status() types.GroupStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := types.GroupStatus{
		Name:       g.name,
		InstanceID: g.id,
		Digest:     g.digest,
		State:      g.state,
		Desired:    g.spec.Replicas,
		Restarts:   g.restarts,
		Message:    g.message,
	}
	for _, w := range g.slots {
		if w == nil {
			continue
		}
		if w.Health() == types.WorkerHealthHealthy && !w.stopping.Load() {
			st.Ready++
		}
		st.Workers = append(st.Workers, w.status())
	}
	return st
}

func (g *Group) run() {
	defer close(g.done)
	defer g.cancel()
	defer func() {
		if g.onStop != nil {
			g.onStop(g)
		}
	}()

	g.start()
	for {
		select {
		case ev := <-g.events:
			g.handle(ev)
		case <-g.drainCh:
			g.drain()
			return
		case <-g.ctx.Done():
			g.drain()
			return
		}
	}
}

func (g *Group) start() {
	g.transition(types.GroupStarting, "starting workers", nil)
	for slot := range g.slots {
		if g.State() != types.GroupStarting {
			return
		}
		g.spawn(slot)
	}
	g.checkReady()
}

// transition moves the group to next if the state machine allows it
func (g *Group) transition(next types.GroupState, message string, err error) bool {
	g.mu.Lock()
	prev := g.state
	if prev == next || !prev.CanTransition(next) {
		g.mu.Unlock()
		if prev != next {
			g.logger.Warn().
				Str("from", string(prev)).
				Str("to", string(next)).
				Msg("Rejected group state transition")
		}
		return false
	}
	g.state = next
	g.message = message
	if err != nil {
		g.err = err
	}
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()

	g.logger.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Str("message", message).
		Msg("Group state changed")

	if t, ok := groupEventTypes[next]; ok {
		g.publish(t, message, nil)
	}
	return true
}

var groupEventTypes = map[types.GroupState]events.EventType{
	types.GroupStarting: events.EventGroupStarting,
	types.GroupReady:    events.EventGroupReady,
	types.GroupDraining: events.EventGroupDraining,
	types.GroupStopped:  events.EventGroupStopped,
	types.GroupFailed:   events.EventGroupFailed,
}

func (g *Group) publish(t events.EventType, message string, extra map[string]string) {
	if g.opts.Events == nil {
		return
	}
	md := map[string]string{"group": g.name, "instance_id": g.id}
	for k, v := range extra {
		md[k] = v
	}
	g.opts.Events.Publish(&events.Event{Type: t, Message: message, Metadata: md})
}

// spawn starts a worker in slot. A spawn error counts as a crash.
func (g *Group) spawn(slot int) {
	if g.ctx.Err() != nil {
		return
	}

	port, err := g.opts.AllocatePort()
	if err == nil {
		id := fmt.Sprintf("%s-%d-%s", g.name, slot, uuid.NewString()[:8])
		spec := process.BuildSpec(g.spec.Command, g.spec.Env, g.spec.Dir, process.WorkerVars(port, id, g.name))
		if g.spec.Resources != nil {
			spec.Rlimits = g.spec.Resources.Rlimits
		}
		spec.Logger = log.WithWorkerID(g.logger, id)

		var h process.Handle
		h, err = g.opts.Spawner.Spawn(g.ctx, spec)
		if err == nil {
			w := newWorker(g.ctx, id, slot, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), h)
			g.mu.Lock()
			g.slots[slot] = w
			g.mu.Unlock()

			metrics.WorkerStartsTotal.WithLabelValues(g.name).Inc()
			g.logger.Info().
				Str("worker_id", id).
				Int("pid", h.Pid()).
				Str("addr", w.addr).
				Msg("Worker started")
			g.publish(events.EventWorkerStarted, "worker started", map[string]string{
				"worker_id": id,
				"pid":       strconv.Itoa(h.Pid()),
			})

			go g.monitor(w)
			return
		}
	}

	g.logger.Error().Err(err).Int("slot", slot).Msg("Failed to spawn worker")
	g.respawn(slot, "spawn_failed")
}

// respawn replaces the worker in slot if the restart budget allows it
func (g *Group) respawn(slot int, reason string) {
	if !g.budget.Allow() {
		g.fail(fmt.Errorf("%w: more than %d restarts within %s",
			types.ErrRestartBudgetExceeded, g.spec.RestartBudget, g.spec.RestartWindow.Or(defaultRestartWindow)))
		return
	}
	g.countRestart(reason)
	g.spawn(slot)
}

func (g *Group) countRestart(reason string) {
	g.mu.Lock()
	g.restarts++
	g.mu.Unlock()
	metrics.WorkerRestartsTotal.WithLabelValues(g.name, reason).Inc()
}

func (g *Group) handle(ev workerEvent) {
	w := ev.worker
	state := g.State()
	running := state == types.GroupStarting || state == types.GroupReady

	g.mu.Lock()
	current := g.slots[w.slot] == w
	g.mu.Unlock()

	switch ev.kind {
	case workerHealthy:
		if !current || w.stopping.Load() {
			return
		}
		w.setHealth(types.WorkerHealthHealthy)
		g.mu.Lock()
		g.misses[w.slot] = 0
		g.mu.Unlock()
		g.logger.Info().Str("worker_id", w.id).Msg("Worker healthy")
		g.refreshRoutable()
		g.checkReady()

	case workerUnhealthy:
		if !current || w.stopping.Load() {
			return
		}
		wasHealthy := w.Health() == types.WorkerHealthHealthy
		w.setHealth(types.WorkerHealthUnhealthy)
		if !wasHealthy || !running {
			// Not yet healthy: the start deadline decides
			return
		}
		g.logger.Warn().Str("worker_id", w.id).Str("reason", ev.message).Msg("Worker became unhealthy")
		g.publish(events.EventWorkerUnhealthy, ev.message, map[string]string{"worker_id": w.id})
		g.replace(w)
		g.respawn(w.slot, "unhealthy")

	case workerStartTimeout:
		if !current || w.stopping.Load() || !running {
			return
		}
		metrics.HealthCheckTimeouts.WithLabelValues(g.name).Inc()
		g.mu.Lock()
		g.misses[w.slot]++
		misses := g.misses[w.slot]
		g.mu.Unlock()

		timeout := g.spec.StartTimeout.Or(defaultStartTimeout)
		g.logger.Warn().
			Str("worker_id", w.id).
			Int("misses", misses).
			Dur("start_timeout", timeout).
			Msg("Worker missed start deadline")

		g.replace(w)
		if misses > 1 {
			g.fail(fmt.Errorf("worker slot %d: %w: not healthy within %s twice", w.slot, types.ErrHealthCheckTimeout, timeout))
			return
		}
		g.countRestart("start_timeout")
		g.spawn(w.slot)

	case workerExited:
		w.mu.Lock()
		if w.killTimer != nil {
			w.killTimer.Stop()
		}
		w.mu.Unlock()
		w.cancel()

		msg := exitMessage(w.handle.Err())
		g.logger.Info().Str("worker_id", w.id).Int("pid", w.Pid()).Str("exit", msg).Msg("Worker exited")
		g.publish(events.EventWorkerExited, msg, map[string]string{"worker_id": w.id})

		if !current {
			return
		}
		g.clear(w)
		if w.stopping.Load() || !running {
			return
		}
		g.logger.Warn().Str("worker_id", w.id).Str("exit", msg).Msg("Worker exited unexpectedly")
		g.respawn(w.slot, "crashed")
	}
}

// replace terminates w and frees its slot for a new worker
func (g *Group) replace(w *Worker) {
	w.forceClose()
	g.terminate(w)
	g.clear(w)
}

func (g *Group) clear(w *Worker) {
	g.mu.Lock()
	if g.slots[w.slot] == w {
		g.slots[w.slot] = nil
	}
	g.mu.Unlock()
	g.refreshRoutable()
}

func (g *Group) checkReady() {
	if g.State() != types.GroupStarting {
		return
	}
	g.mu.Lock()
	for _, w := range g.slots {
		if w == nil || w.Health() != types.WorkerHealthHealthy {
			g.mu.Unlock()
			return
		}
	}
	g.mu.Unlock()

	g.transition(types.GroupReady, fmt.Sprintf("%d/%d workers healthy", g.spec.Replicas, g.spec.Replicas), nil)
	g.refreshRoutable()
}

// refreshRoutable publishes the healthy workers Pick may choose from
func (g *Group) refreshRoutable() {
	g.mu.Lock()
	list := make([]*Worker, 0, len(g.slots))
	if g.state.Routable() {
		for _, w := range g.slots {
			if w != nil && !w.stopping.Load() && w.Health() == types.WorkerHealthHealthy {
				list = append(list, w)
			}
		}
	}
	g.mu.Unlock()
	g.routable.Store(&list)
}

// fail halts reconciliation and stops every worker of the group
func (g *Group) fail(err error) {
	if !g.transition(types.GroupFailed, err.Error(), err) {
		return
	}
	g.logger.Error().Err(err).Msg("Group failed")
	g.refreshRoutable()
	for _, w := range g.workers() {
		w.forceClose()
		g.terminate(w)
	}
}

// terminate sends SIGTERM and schedules SIGKILL after the stop timeout
func (g *Group) terminate(w *Worker) {
	if !w.stopping.CompareAndSwap(false, true) {
		return
	}
	w.cancel()

	if err := w.handle.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		g.logger.Warn().Err(err).Str("worker_id", w.id).Msg("Failed to signal worker")
	}

	stop := g.spec.StopTimeout.Or(defaultStopTimeout)
	w.mu.Lock()
	w.killTimer = time.AfterFunc(stop, func() {
		if w.alive() {
			g.logger.Warn().Str("worker_id", w.id).Dur("stop_timeout", stop).Msg("Worker did not stop, killing")
			_ = w.handle.Kill()
		}
	})
	w.mu.Unlock()
}

func (g *Group) workers() []*Worker {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Worker
	for _, w := range g.slots {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

// drain claims each worker once its in-flight count reaches zero, forcing
// the rest at the drain deadline, and stops the group when all exited
func (g *Group) drain() {
	g.transition(types.GroupDraining, "draining", nil)
	timer := metrics.NewTimer()

	timeout := g.spec.DrainTimeout.Or(defaultDrainTimeout)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	pending := g.claim(g.workers())
	ctxDone := g.ctx.Done()

	for len(pending) > 0 || len(g.workers()) > 0 {
		select {
		case ev := <-g.events:
			g.handle(ev)
			if ev.kind == workerExited {
				pending = without(pending, ev.worker)
			}
		case <-ticker.C:
			pending = g.claim(pending)
		case <-deadline.C:
			for _, w := range pending {
				metrics.DrainDeadlineExceeded.WithLabelValues(g.name).Inc()
				g.logger.Warn().
					Err(types.ErrDrainDeadlineExceeded).
					Str("worker_id", w.id).
					Int64("in_flight", w.InFlight()).
					Dur("drain_timeout", timeout).
					Msg("Drain deadline exceeded, stopping worker")
				g.publish(events.EventWorkerDrainForced, "drain deadline exceeded", map[string]string{"worker_id": w.id})
				w.forceClose()
				g.terminate(w)
			}
			pending = nil
		case <-ctxDone:
			ctxDone = nil
			for _, w := range g.workers() {
				w.forceClose()
				g.terminate(w)
				_ = w.handle.Kill()
			}
			pending = nil
		}
	}

	timer.ObserveDuration(metrics.DrainDuration)
	g.transition(types.GroupStopped, "stopped", nil)
}

// claim closes every worker to new requests, terminates the idle ones and
// returns those still busy
func (g *Group) claim(workers []*Worker) []*Worker {
	var busy []*Worker
	for _, w := range workers {
		if w.closeIdle() {
			g.terminate(w)
			continue
		}
		busy = append(busy, w)
	}
	return busy
}

func without(list []*Worker, w *Worker) []*Worker {
	out := list[:0]
	for _, x := range list {
		if x != w {
			out = append(out, x)
		}
	}
	return out
}

func (g *Group) send(ev workerEvent) {
	select {
	case g.events <- ev:
	case <-g.done:
	}
}

func exitMessage(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
