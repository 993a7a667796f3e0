/*
Package delta implements StateDelta, a stackable copy-on-write overlay that
stages writes above a parent StateRead (a Snapshot or another StateDelta)
without touching the backend until the top-level delta is committed.

A StateDelta holds its pending writes in a sorted slice rather than a map,
because the engine needs ordered, merge-friendly iteration for PrefixRaw:
reads merge the overlay's sorted writes with the parent's own PrefixRaw
stream in one linear pass, the overlay's entry winning on a tie (including
masking out parent entries the overlay deleted).

BeginTransaction pushes a child StateDelta whose parent is the current one;
Apply folds the child's writes into the parent's overlay; abandoning a
child (never calling Apply) silently discards it — nothing is visible until
Apply runs. Nested transactions are isolated until applied, and an
unapplied transaction has no effect.

Exactly one goroutine is expected to mutate a given delta chain at a time;
these types carry no internal locking, matching the single-writer
discipline the rest of the engine's mutation paths assume.

Each StateDelta carries its own id, assigned once by New and returned by
ID, so a commit log line can name which delta it applied.
*/
package delta
