/*
Package controlplane owns configuration versions and decides which one
the router serves.

# Versions

Every accepted document becomes a new version with a monotonically
increasing number:

	Submit ──▶ pending ──Apply──▶ converging ──all groups ready──▶ active
	                                  │                              │
	                                  ▼                              ▼ next cutover
	                               failed                        superseded

Submitting never touches the running system. Apply only queues the version;
a single loop (Run) converges queued versions one at a time, so two applies
never race on the route table.

# Convergence

For a version to converge:

 1. Its listeners are bound. Addresses already bound are kept.
 2. Each group is ensured in the pool by the digest of its spec. Groups
    unchanged since the active version are reused as they are.
 3. The loop waits until every group is ready, bounded by the converge
    timeout.
 4. A route table is built and swapped into the router atomically.

Groups and listeners only the previous version used are then drained and
closed. Until the swap the previous version keeps serving every request.

If any step fails, the version is marked failed with the reason. Every
group is waited on to the end, so one failure does not cancel its siblings.
Groups that became ready stay up for a corrected version to reuse, and
failed groups stay visible with their message; the rest are drained. All
of them are retired by the next cutover. The active version is untouched.

# Restart

Restore runs before Run on startup. A version left converging by a crash
is marked failed, and the active version is queued again so its groups are
started from scratch.

# History

With a history limit, the oldest superseded or failed versions are pruned
after each cutover. A version is kept while any of its groups still has a
live worker.
*/
package controlplane
