/*
Package storage persists configuration versions in an embedded BoltDB file
(<data_dir>/corral.db).

# Layout

	versions/  <uint64 big-endian version> → JSON ConfigVersion
	meta/      "active"                    → uint64 big-endian version

Version numbers come from the versions bucket's NextSequence, which is
stored in the same file, so numbers are monotonic across restarts and never
reused after a version is pruned. Big-endian keys make ForEach iterate in
version order.

Activate writes the newly active version, every version it supersedes and
the active pointer in one transaction, so a crash can never leave two
active versions on disk.

Live group status (ConfigVersion.Groups) is derived from the worker pool at
query time and is stripped before writing.
*/
package storage
