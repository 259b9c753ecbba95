/*
Package events distributes control plane and worker pool events to
subscribers such as the /v1/events stream.

	controlplane ──┐
	               ├──Publish──► eventCh (buffered) ──run──► subscriber channels
	pool groups ───┘

Publish never blocks: when the queue or a subscriber buffer is full the
event is dropped for that consumer. Events are an observability feed, the
authoritative state is always Status.

Event types follow "<object>.<transition>":

	version.submitted version.rejected version.converging version.active
	version.superseded version.failed
	group.starting group.ready group.draining group.stopped group.failed
	worker.started worker.exited worker.unhealthy worker.drain_forced
*/
package events
