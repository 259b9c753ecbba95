package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Control plane metrics
	VersionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_versions_total",
			Help: "Number of stored configuration versions by status",
		},
		[]string{"status"},
	)

	ActiveVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_active_version",
			Help: "Currently active configuration version (0 when none)",
		},
	)

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_submissions_total",
			Help: "Configuration submissions by result (accepted, invalid)",
		},
		[]string{"result"},
	)

	ConvergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corral_converge_duration_seconds",
			Help:    "Time from apply to cutover or failure",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	CutoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_cutovers_total",
			Help: "Apply outcomes by result (active, failed, noop)",
		},
		[]string{"result"},
	)

	// Worker pool metrics
	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_groups_total",
			Help: "Live process groups by state",
		},
		[]string{"state"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_workers_total",
			Help: "Live workers by health",
		},
		[]string{"health"},
	)

	WorkerStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_worker_starts_total",
			Help: "Worker process spawns by group",
		},
		[]string{"group"},
	)

	WorkerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_worker_restarts_total",
			Help: "Worker respawns by group and reason",
		},
		[]string{"group", "reason"},
	)

	HealthCheckTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_health_check_timeouts_total",
			Help: "Workers that missed their start deadline",
		},
		[]string{"group"},
	)

	DrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corral_drain_duration_seconds",
			Help:    "Time from drain start until the worker was stopped",
			Buckets: prometheus.DefBuckets,
		},
	)

	DrainDeadlineExceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_drain_deadline_exceeded_total",
			Help: "Workers terminated with requests still in flight",
		},
		[]string{"group"},
	)

	// Router metrics
	RouterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_router_requests_total",
			Help: "Routed requests by listener, route and status code",
		},
		[]string{"listener", "route", "code"},
	)

	RouterRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_router_request_duration_seconds",
			Help:    "Routed request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"listener", "route"},
	)

	RouterInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_router_in_flight_requests",
			Help: "Requests currently being proxied",
		},
	)

	BackendRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_backend_retries_total",
			Help: "Requests retried on another worker after a connection failure",
		},
		[]string{"group"},
	)

	BackendUnavailableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_backend_unavailable_total",
			Help: "Requests answered with 503 because no worker could serve them",
		},
		[]string{"group"},
	)

	// Supervisor metrics
	ReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_supervisor_reaped_total",
			Help: "Child processes reaped by the supervisor",
		},
	)

	ReapFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_supervisor_reap_failures_total",
			Help: "Failed wait calls in the supervisor reap loop",
		},
	)

	SignalsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_supervisor_signals_forwarded_total",
			Help: "Signals forwarded to the supervised child",
		},
		[]string{"signal"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_api_requests_total",
			Help: "Total number of control API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(VersionsTotal)
	prometheus.MustRegister(ActiveVersion)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(ConvergeDuration)
	prometheus.MustRegister(CutoversTotal)
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerStartsTotal)
	prometheus.MustRegister(WorkerRestartsTotal)
	prometheus.MustRegister(HealthCheckTimeouts)
	prometheus.MustRegister(DrainDuration)
	prometheus.MustRegister(DrainDeadlineExceeded)
	prometheus.MustRegister(RouterRequestsTotal)
	prometheus.MustRegister(RouterRequestDuration)
	prometheus.MustRegister(RouterInFlight)
	prometheus.MustRegister(BackendRetriesTotal)
	prometheus.MustRegister(BackendUnavailableTotal)
	prometheus.MustRegister(ReapedTotal)
	prometheus.MustRegister(ReapFailuresTotal)
	prometheus.MustRegister(SignalsForwardedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
