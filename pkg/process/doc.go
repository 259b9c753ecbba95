// Package process starts worker processes for the pool. The pool decides
// what to run through Spawner; ExecSpawner does the OS work: a new process
// group per worker, resource limits, and stdout/stderr logged line by line.
//
// Resource limits are applied before the worker's program starts when the
// spawner has a Helper: the helper (corral exec-limited) sets them on itself
// and execs the worker. Without one they are set with prlimit just after
// start, which leaves a short window under the inherited limits.
package process
