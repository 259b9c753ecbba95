/*
Package types defines the core data structures shared by every corral package.

# Configuration documents

A Document is what an operator submits: listeners the router binds, routes
that map host/path/method onto a process group, and the process groups
themselves. Once validated a document is wrapped in a ConfigVersion and
never mutated again; a change always produces a new Version.

	Document
	  ├── Listeners  (name, address)
	  ├── Routes     (listener, host, path, methods → group)
	  └── Groups     (command, replicas, health check, timeouts, rlimits)

# Version lifecycle

	pending ──Apply──► converging ──all groups ready──► active ──newer cutover──► superseded
	                        │
	                        └──timeout / group failed──► failed

At most one version is active. A failed convergence never touches the
active version.

# Group state machine

Live process groups move through an explicit transition table, see
GroupState.CanTransition:

	empty → starting → ready → draining → stopped
	           │         │
	           └────┬────┘
	                ▼
	             failed → draining → stopped

# Errors

errors.go holds the sentinel errors used across the tree. Callers wrap them
with fmt.Errorf("...: %w", err) and match with errors.Is.

# Durations

Duration wraps time.Duration so documents and API responses carry values
such as "30s" in both YAML and JSON.
*/
package types
