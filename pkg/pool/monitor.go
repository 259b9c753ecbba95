package pool

import (
	"context"
	"time"

	"github.com/cuemby/corral/pkg/health"
)

// monitor health checks w until it stops, reporting state changes and the
// process exit to the group loop
func (g *Group) monitor(w *Worker) {
	hc := g.spec.HealthCheck
	checker := g.opts.Checkers(hc, health.Target{
		Addr:  w.addr,
		Env:   append(append([]string(nil), g.spec.Env...), "PORT="+portOf(w.addr)),
		Dir:   g.spec.Dir,
		Alive: w.alive,
	})
	cfg := health.ConfigFor(hc)
	status := health.NewStatus()

	startDeadline := time.NewTimer(g.spec.StartTimeout.Or(defaultStartTimeout))
	defer startDeadline.Stop()
	deadline := startDeadline.C

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	check := func() {
		ctx, cancel := context.WithTimeout(w.ctx, cfg.Timeout)
		result := checker.Check(ctx)
		cancel()
		if w.ctx.Err() != nil {
			return
		}
		if !status.Update(result, cfg) {
			return
		}
		switch {
		case status.Healthy:
			deadline = nil
			g.send(workerEvent{worker: w, kind: workerHealthy})
		case status.Unhealthy:
			g.send(workerEvent{worker: w, kind: workerUnhealthy, message: result.Message})
		}
	}

	check()
	for {
		select {
		case <-w.handle.Done():
			g.send(workerEvent{worker: w, kind: workerExited})
			return
		case <-w.ctx.Done():
			select {
			case <-w.handle.Done():
				g.send(workerEvent{worker: w, kind: workerExited})
			case <-g.done:
			}
			return
		case <-deadline:
			deadline = nil
			if !status.Healthy {
				g.send(workerEvent{worker: w, kind: workerStartTimeout})
			}
		case <-ticker.C:
			check()
		}
	}
}
