package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockstore_sync_duration_seconds",
			Help:    "Time taken for a sync (commit) to complete, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database"},
	)

	SyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockstore_sync_total",
			Help: "Total number of syncs by result",
		},
		[]string{"database", "result"},
	)

	BackpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockstore_backpressure_total",
			Help: "Total number of times a write was forced to wait on backpressure",
		},
		[]string{"database"},
	)

	CommitMarker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockstore_commit_marker",
			Help: "Current commit marker epoch observed by this instance",
		},
		[]string{"database"},
	)

	IsLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockstore_is_leader",
			Help: "Whether this instance holds leadership for the database (1 = leader, 0 = follower)",
		},
		[]string{"database"},
	)

	LeaderElectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockstore_leader_elections_total",
			Help: "Total number of times this instance acquired leadership",
		},
		[]string{"database"},
	)
)

func init() {
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(SyncTotal)
	prometheus.MustRegister(BackpressureTotal)
	prometheus.MustRegister(CommitMarker)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(LeaderElectionsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
