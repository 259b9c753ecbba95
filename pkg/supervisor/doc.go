/*
Package supervisor runs a single child process the way a container's init
process should.

# Responsibilities

  - forward SIGTERM, SIGINT, SIGQUIT and SIGHUP to the child and start the
    grace period
  - forward SIGUSR1, SIGUSR2 and SIGWINCH without shutting down
  - reap every exited process, including orphans reparented to PID 1
  - kill the child's process group once the grace period expires
  - exit with the child's status

# Exit Codes

	child exited with N                         N
	child died of the signal we forwarded       0
	child died of any other signal N            128+N

When not running as PID 1 on Linux the supervisor can register as child
subreaper so orphans are still reparented to it.

The child is started in its own process group. After it exits, whatever
is left in that group gets SIGTERM and then SIGKILL. Descendants in other
groups, such as workers the child started in groups of their own, are then
stopped the same way: as PID 1 with kill(-1), otherwise by walking /proc
for processes below the supervisor. Run returns once no children are left
to reap, or when the SIGKILL stage times out.
*/
package supervisor
