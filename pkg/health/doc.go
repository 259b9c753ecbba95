/*
Package health implements the probes that decide whether a worker is ready
to receive traffic and whether it stays healthy afterwards.

# Checkers

Every probe implements Checker:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

	http   GET http://<worker addr><path>, status 200-399 passes (redirects are not followed)
	tcp    the worker process is alive and accepts a connection on its port
	exec   a command exits 0; it runs with the worker's PORT in its environment
	grpc   grpc.health.v1.Health/Check returns SERVING
	none   the process is still running

New builds the checker described by a group's types.HealthCheck for one
worker Target. The worker pool takes a Factory so tests can inject fakes.

# Status

Status accumulates results for a single worker:

	            pass                      Retries consecutive failures
	unknown ───────────► Healthy ─────────────────────────────────► Unhealthy
	   │                    ▲                                           │
	   │ Retries failures   └─────────────────── pass ──────────────────┘
	   ▼
	Unhealthy

A worker becomes ready on its first passing check. Before that, the start
deadline applies rather than the retry count. Update reports whether the
Healthy/Unhealthy pair changed so callers only act on transitions.

# Example

	checker := health.New(spec.HealthCheck, health.Target{Addr: "127.0.0.1:40112"})
	cfg := health.ConfigFor(spec.HealthCheck)
	status := health.NewStatus()

	ctx, cancel := context.WithTimeout(parent, cfg.Timeout)
	if status.Update(checker.Check(ctx), cfg) && status.Healthy {
		// worker became ready
	}
	cancel()
*/
package health
