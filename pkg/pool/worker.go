package pool

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/corral/pkg/process"
	"github.com/cuemby/corral/pkg/types"
)

// closedBias is added to the in-flight counter when a worker is closed.
// A negative counter refuses Acquire while Release keeps working.
const closedBias = math.MinInt64 / 2

// Worker is one running process of a group
type Worker struct {
	id        string
	slot      int
	addr      string
	handle    process.Handle
	startedAt time.Time

	inflight atomic.Int64
	health   atomic.Value // types.WorkerHealth
	stopping atomic.Bool

	// ctx bounds the worker's health checks
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	killTimer *time.Timer
}

func newWorker(parent context.Context, id string, slot int, addr string, h process.Handle) *Worker {
	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		id:        id,
		slot:      slot,
		addr:      addr,
		handle:    h,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	w.health.Store(types.WorkerHealthUnknown)
	return w
}

// ID returns the worker ID
func (w *Worker) ID() string { return w.id }

// Addr returns the loopback host:port the worker listens on
func (w *Worker) Addr() string { return w.addr }

// Pid returns the worker's process ID
func (w *Worker) Pid() int { return w.handle.Pid() }

// Health returns the last observed health
func (w *Worker) Health() types.WorkerHealth {
	return w.health.Load().(types.WorkerHealth)
}

func (w *Worker) setHealth(h types.WorkerHealth) {
	w.health.Store(h)
}

// Acquire reserves the worker for one request. It fails once the worker
// has been closed for draining.
func (w *Worker) Acquire() bool {
	for {
		n := w.inflight.Load()
		if n < 0 {
			return false
		}
		if w.inflight.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release ends a request started with Acquire
func (w *Worker) Release() {
	w.inflight.Add(-1)
}

// InFlight returns the number of requests currently dispatched to the worker
func (w *Worker) InFlight() int64 {
	n := w.inflight.Load()
	if n < 0 {
		n -= closedBias
	}
	return n
}

// Closed reports whether the worker refuses new requests
func (w *Worker) Closed() bool {
	return w.inflight.Load() < 0
}

// closeIdle closes the worker and reports whether it has no requests in
// flight. A closed worker's count only falls, so an idle answer is final.
func (w *Worker) closeIdle() bool {
	w.forceClose()
	return w.InFlight() == 0
}

// forceClose closes the worker regardless of in-flight requests
func (w *Worker) forceClose() {
	for {
		n := w.inflight.Load()
		if n < 0 {
			return
		}
		if w.inflight.CompareAndSwap(n, n+closedBias) {
			return
		}
	}
}

func (w *Worker) alive() bool {
	return process.Alive(w.handle)
}

func (w *Worker) status() types.WorkerStatus {
	return types.WorkerStatus{
		ID:        w.id,
		Pid:       w.handle.Pid(),
		Addr:      w.addr,
		Health:    w.Health(),
		InFlight:  w.InFlight(),
		Draining:  w.Closed(),
		StartedAt: w.startedAt,
	}
}
