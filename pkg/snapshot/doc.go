/*
Package snapshot implements Snapshot, the immutable, concurrency-safe read
view pinned to one committed version of the whole multistore (the top-level
version plus each substore's version as of that commit).

A Snapshot is cheap to clone — it holds only a backend handle, the routing
config, and a small version map — so handing one to every reader is the
engine's concurrency story: readers never block commit and commit never
blocks readers, the publish side skipping a subscriber outright rather than
waiting on it.

Snapshot implements StateRead only; StateDelta (pkg/delta) layers writes on
top of a StateRead. The write methods (PutRaw, Delete, ...) are defined on
StateDelta itself; there is no separate write interface.
*/
package snapshot
