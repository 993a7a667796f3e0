/*
Package storage drives the commit pipeline: it partitions a StateDelta's
staged writes by substore, feeds each substore's Jellyfish Merkle Tree,
folds every substore's new root into the main tree, and persists the whole
version in one atomic backend batch before publishing a new Snapshot to
subscribers.

Commit applies a single mutex around the whole pipeline, so "partition ops
by substore, then mutate each substore's tree" runs as one serialized step
per commit; Storage.Load reconstructs the version cache from the backend
on reopen by replaying its persisted bookkeeping keys. Before doing any of
that, Commit checks that the delta's parent snapshot is still the current
one, failing a stale commit with storeerr.KindVersion rather than silently
applying it on top of a view nothing else sees anymore. Snapshot
publication is a non-blocking broadcast: a slow subscriber's channel fills
up, the broadcast skips it via select/default (noting which subscription
id got dropped), and commit proceeds regardless — see Storage.Subscribe
and Storage.publish.
*/
package storage
