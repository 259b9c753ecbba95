/*
Package metrics exposes Prometheus metrics and component health for corral.

All collectors are package-level variables registered with the default
Prometheus registry in init, so any package can record a value without
plumbing a registry around. Handler serves them on /metrics of the control
interface.

# Metric families

	corral_versions_total{status}                  gauge     stored versions by status
	corral_active_version                          gauge     active version number
	corral_submissions_total{result}               counter   accepted / invalid submissions
	corral_converge_duration_seconds               histogram apply → cutover or failure
	corral_cutovers_total{result}                  counter   active / failed / noop
	corral_groups_total{state}                     gauge     live process groups
	corral_workers_total{health}                   gauge     live workers
	corral_worker_starts_total{group}              counter   spawns
	corral_worker_restarts_total{group,reason}     counter   respawns (crash, unhealthy, start_timeout)
	corral_health_check_timeouts_total{group}      counter   missed start deadlines
	corral_drain_duration_seconds                  histogram drain start → stopped
	corral_drain_deadline_exceeded_total{group}    counter   forced terminations
	corral_router_requests_total{listener,route,code}
	corral_router_request_duration_seconds{listener,route}
	corral_router_in_flight_requests               gauge
	corral_backend_retries_total{group}            counter
	corral_backend_unavailable_total{group}        counter
	corral_supervisor_reaped_total                 counter
	corral_supervisor_reap_failures_total          counter
	corral_supervisor_signals_forwarded_total{signal}
	corral_api_requests_total{route,status}
	corral_api_request_duration_seconds{route}

Gauges describing stored state (versions, groups, workers) are refreshed by
a Collector on an interval; counters and histograms are recorded inline by
the component that observes the event.

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConvergeDuration)

# Health

Components report their state with UpdateComponent. /health fails when any
registered component is unhealthy; /ready fails until every critical
component (store, controlplane, router by default) is registered and
healthy.

	metrics.UpdateComponent(metrics.ComponentStore, true, "")
	mux.Handle("/ready", metrics.ReadyHandler())
*/
package metrics
