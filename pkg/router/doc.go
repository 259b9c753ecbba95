/*
Package router dispatches HTTP requests to the workers of the active
configuration version.

# Architecture

	  listener "web" ─┐
	  listener "admin"┼─▶ dispatch ─▶ active.Load() ─▶ RouteTable.match
	                  │                                     │
	                  │                    rate limit ◀─────┘
	                  │                        │
	                  │                  Backend.Pick (in-flight +1)
	                  │                        │
	                  │               httputil.ReverseProxy ─▶ worker
	                  │                        │
	                  └──────────────── Endpoint.Release (in-flight -1)

A RouteTable is built once per version by the control plane and never
changes afterwards. The router holds the active one in an atomic.Pointer;
each request loads it exactly once, so a Swap during a request does not
move that request to another version.

# Matching

Routes are matched per listener. Among the routes whose host, path and
method match, the most specific wins:

 1. exact host over wildcard host over any host
 2. exact path over prefix path
 3. longer prefix over shorter prefix

A path that matches but with the wrong method answers 405, no match at
all answers 404.

# Failures

Connection failures reaching a worker surface as ErrBackendUnavailable.
A GET, HEAD, OPTIONS, TRACE, PUT or DELETE request without a body is
retried once on another worker of the group; anything else gets 503.
Failures after the response started are not retried.

# Listeners

Prepare binds a version's listeners before its groups start, so a bad
address fails the version early. Retire closes the listeners the new
active version no longer names and lets their in-flight requests finish.
*/
package router
