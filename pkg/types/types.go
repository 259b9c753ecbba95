package types

import (
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Version is the monotonically increasing number assigned to every accepted
// configuration document. Versions are never reused.
type Version uint64

// Document is the declarative configuration submitted by an operator
type Document struct {
	Listeners []Listener         `yaml:"listeners" json:"listeners"`
	Routes    []Route            `yaml:"routes" json:"routes"`
	Groups    []ProcessGroupSpec `yaml:"groups" json:"groups"`
}

// Listener is a TCP address the router accepts requests on
type Listener struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
}

// PathType defines how a route path is matched
type PathType string

const (
	PathTypePrefix PathType = "prefix"
	PathTypeExact  PathType = "exact"
)

// Route maps requests on a listener to a process group
type Route struct {
	Name        string     `yaml:"name" json:"name"`
	Listener    string     `yaml:"listener" json:"listener"`
	Host        string     `yaml:"host,omitempty" json:"host,omitempty"` // exact or "*.example.com"; empty matches all
	Path        string     `yaml:"path" json:"path"`
	PathType    PathType   `yaml:"path_type,omitempty" json:"path_type,omitempty"`
	Methods     []string   `yaml:"methods,omitempty" json:"methods,omitempty"` // empty matches all
	Group       string     `yaml:"group" json:"group"`
	StripPrefix string     `yaml:"strip_prefix,omitempty" json:"strip_prefix,omitempty"`
	RateLimit   *RateLimit `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// RateLimit configures per-client request throttling on a route
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// ProcessGroupSpec is the desired state of a set of identical workers
type ProcessGroupSpec struct {
	Name          string       `yaml:"name" json:"name"`
	Replicas      int          `yaml:"replicas" json:"replicas"`
	Command       []string     `yaml:"command" json:"command"`
	Env           []string     `yaml:"env,omitempty" json:"env,omitempty"`
	Dir           string       `yaml:"dir,omitempty" json:"dir,omitempty"`
	HealthCheck   *HealthCheck `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	Resources     *Resources   `yaml:"resources,omitempty" json:"resources,omitempty"`
	StartTimeout  Duration     `yaml:"start_timeout,omitempty" json:"start_timeout,omitempty"`
	DrainTimeout  Duration     `yaml:"drain_timeout,omitempty" json:"drain_timeout,omitempty"`
	StopTimeout   Duration     `yaml:"stop_timeout,omitempty" json:"stop_timeout,omitempty"`
	RestartBudget int          `yaml:"restart_budget,omitempty" json:"restart_budget,omitempty"`
	RestartWindow Duration     `yaml:"restart_window,omitempty" json:"restart_window,omitempty"`
}

// Resources holds OS-level limits applied to each worker process
type Resources struct {
	Rlimits []specs.POSIXRlimit `yaml:"rlimits,omitempty" json:"rlimits,omitempty"`
}

// HealthCheckType is the probe used to decide whether a worker is ready
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
	HealthCheckExec HealthCheckType = "exec"
	HealthCheckGRPC HealthCheckType = "grpc"
	HealthCheckNone HealthCheckType = "none"
)

// HealthCheck configures the readiness and liveness probe of a group
type HealthCheck struct {
	Type     HealthCheckType `yaml:"type" json:"type"`
	Path     string          `yaml:"path,omitempty" json:"path,omitempty"`       // http
	Command  []string        `yaml:"command,omitempty" json:"command,omitempty"` // exec
	Service  string          `yaml:"service,omitempty" json:"service,omitempty"` // grpc
	Interval Duration        `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout  Duration        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries  int             `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// VersionStatus is the lifecycle state of a configuration version
type VersionStatus string

const (
	VersionPending    VersionStatus = "pending"
	VersionConverging VersionStatus = "converging"
	VersionActive     VersionStatus = "active"
	VersionSuperseded VersionStatus = "superseded"
	VersionFailed     VersionStatus = "failed"
)

// ConfigVersion is a validated, immutable document plus its lifecycle record
type ConfigVersion struct {
	Version     Version       `json:"version"`
	Digest      string        `json:"digest"`
	Document    Document      `json:"document"`
	Status      VersionStatus `json:"status"`
	Message     string        `json:"message,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ActivatedAt *time.Time    `json:"activated_at,omitempty"`

	// GroupDigests maps group name to the digest identifying its live instance
	GroupDigests map[string]string `json:"group_digests,omitempty"`

	// GroupRecords holds the groups that had failed when the version failed
	GroupRecords []GroupStatus `json:"group_records,omitempty"`

	// Groups is filled by status queries and is not persisted
	Groups []GroupStatus `json:"groups,omitempty"`
}

// WorkerHealth is the last observed health of a worker
type WorkerHealth string

const (
	WorkerHealthUnknown   WorkerHealth = "unknown"
	WorkerHealthHealthy   WorkerHealth = "healthy"
	WorkerHealthUnhealthy WorkerHealth = "unhealthy"
)

// GroupStatus is a point-in-time view of a live process group
type GroupStatus struct {
	Name       string         `json:"name"`
	InstanceID string         `json:"instance_id"`
	Digest     string         `json:"digest"`
	State      GroupState     `json:"state"`
	Desired    int            `json:"desired"`
	Ready      int            `json:"ready"`
	Restarts   int            `json:"restarts"`
	Message    string         `json:"message,omitempty"`
	Workers    []WorkerStatus `json:"workers,omitempty"`
}

// WorkerStatus is a point-in-time view of a worker
type WorkerStatus struct {
	ID        string       `json:"id"`
	Pid       int          `json:"pid"`
	Addr      string       `json:"addr"`
	Health    WorkerHealth `json:"health"`
	InFlight  int64        `json:"in_flight"`
	Draining  bool         `json:"draining,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}
