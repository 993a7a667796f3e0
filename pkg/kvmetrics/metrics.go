package kvmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jmtkv_commit_duration_seconds",
			Help:    "Time taken to commit a delta, from partitioning through snapshot publish",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jmtkv_commits_total",
			Help: "Total number of completed commits",
		},
	)

	CommitErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jmtkv_commit_errors_total",
			Help: "Total number of commits that failed before the backend batch applied",
		},
	)

	SnapshotVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jmtkv_snapshot_version",
			Help: "Top-level version of the most recently published snapshot",
		},
	)

	ReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jmtkv_read_duration_seconds",
			Help:    "Time taken to serve a read, by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jmtkv_subscribers_total",
			Help: "Current number of live snapshot subscribers",
		},
	)

	SubscriberDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jmtkv_subscriber_drops_total",
			Help: "Total number of snapshot broadcasts dropped because a subscriber's channel was full",
		},
	)
)

func init() {
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitErrorsTotal)
	prometheus.MustRegister(SnapshotVersion)
	prometheus.MustRegister(ReadDuration)
	prometheus.MustRegister(SubscribersTotal)
	prometheus.MustRegister(SubscriberDropsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
