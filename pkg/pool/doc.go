/*
Package pool manages the worker processes behind each process group.

A Group is the live instance of one ProcessGroupSpec. The Manager keys
groups by the digest of their spec, so when a new configuration version
contains a group identical to one already running, the running instance is
reused and no worker restarts.

# Group Lifecycle

Each group is driven by one goroutine. Worker goroutines only observe
(health checks and process exit) and report to it through a channel, so
state never changes outside that loop.

	  ┌───────┐  spawn  ┌──────────┐  all healthy  ┌───────┐
	  │ empty │ ──────▶ │ starting │ ────────────▶ │ ready │
	  └───────┘         └──────────┘               └───────┘
	                      │       │                  │   │
	                      │ fail  └──── Drain ────┐  │   │ fail
	                      ▼                       ▼  ▼   │
	                  ┌────────┐   Drain   ┌──────────┐  │
	                  │ failed │ ────────▶ │ draining │  │
	                  └────────┘           └──────────┘  │
	                      ▲                     │        │
	                      └─────────────────────┼────────┘
	                                            ▼ all workers exited
	                                       ┌─────────┐
	                                       │ stopped │
	                                       └─────────┘

The transition table lives in types.GroupState; Group.transition rejects
anything it does not list.

# Workers

Every worker listens on a loopback port chosen by the manager and exposed
to the process as $PORT. Its in-flight counter is an atomic.Int64:

  - Acquire increments it unless the counter is negative
  - Release decrements it
  - draining adds a large negative bias to every worker at once, so busy
    workers stop taking requests too, and stops each worker only once its
    count has fallen to zero

At the drain deadline busy workers are closed anyway, a warning carrying
ErrDrainDeadlineExceeded is logged and they are stopped. Stopping sends
SIGTERM to the worker's process group and SIGKILL after the stop timeout.

# Failure Handling

  - Start deadline: a worker that is not healthy within start_timeout is
    killed and respawned once. A second consecutive miss in the same slot
    fails the group with ErrHealthCheckTimeout.
  - Crashes: an unexpected exit or a health regression of a healthy worker
    respawns it at once. Respawns draw from a token bucket of
    restart_budget tokens refilled over restart_window; an empty bucket
    fails the group with ErrRestartBudgetExceeded.

A failed group stops its workers and does no further reconciliation. Other
groups are never affected.
*/
package pool
