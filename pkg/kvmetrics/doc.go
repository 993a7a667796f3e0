/*
Package kvmetrics provides the storage engine's Prometheus metrics:
package-level collectors registered in init(), a Handler for exposition,
and a Timer helper for observing durations without threading a
prometheus.Histogram through every call site's error-handling paths.

# Metrics

  - jmtkv_commit_duration_seconds: time from partitioning a delta through
    publishing its snapshot.
  - jmtkv_commits_total / jmtkv_commit_errors_total: commit outcomes.
  - jmtkv_snapshot_version: the top-level version of the latest published
    snapshot, so an operator can watch commit progress without reading logs.
  - jmtkv_read_duration_seconds: read latency, labeled by operation
    (get/get_with_proof/prefix).
  - jmtkv_subscribers_total / jmtkv_subscriber_drops_total: snapshot
    broadcast health — drops mean a subscriber is falling behind the commit
    rate, not that commit is blocked (commit never blocks on a subscriber).

Nothing here is collected by polling on a ticker: pkg/storage records the
commit and subscriber metrics at the point a commit or subscription change
happens, and cmd/jmtkv observes read latency around each read it serves.
*/
package kvmetrics
