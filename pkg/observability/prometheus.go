package observability

import (
	"time"

	"github.com/cuemby/blockstore/pkg/metrics"
)

// PrometheusHooks reports every lifecycle event to the engine's registered
// Prometheus collectors (pkg/metrics). It carries no state of its own; the
// collectors are package-global so multiple engines in one process share
// one registry, distinguished by the database label.
type PrometheusHooks struct{}

func (PrometheusHooks) SyncStart(db string) {
	metrics.BackpressureTotal.WithLabelValues(db) // touch the series into existence at 0
}

func (PrometheusHooks) SyncSuccess(db string, d time.Duration) {
	metrics.SyncDuration.WithLabelValues(db).Observe(d.Seconds())
	metrics.SyncTotal.WithLabelValues(db, "success").Inc()
}

func (PrometheusHooks) SyncFailure(db string, err error) {
	metrics.SyncTotal.WithLabelValues(db, "failure").Inc()
}

func (PrometheusHooks) Backpressure(db string, dirtyBlocks int) {
	metrics.BackpressureTotal.WithLabelValues(db).Inc()
}

func (PrometheusHooks) Error(db string, err error) {}

var _ Hooks = PrometheusHooks{}

// SetCommitMarker publishes the current commit marker epoch for db. Called
// by pkg/engine at open and after every successful commit; it is not part
// of Hooks, and neither are the leader/election gauges below, which
// pkg/engine's coordination hooks adapter drives on leadership changes
// without depending on the full Hooks interface.
func SetCommitMarker(db string, marker uint64) {
	metrics.CommitMarker.WithLabelValues(db).Set(float64(marker))
}

// SetLeader publishes whether this instance currently holds leadership
// for db.
func SetLeader(db string, isLeader bool) {
	v := 0.0
	if isLeader {
		v = 1.0
	}
	metrics.IsLeader.WithLabelValues(db).Set(v)
}

// RecordLeaderElection increments the count of times this instance
// acquired leadership for db.
func RecordLeaderElection(db string) {
	metrics.LeaderElectionsTotal.WithLabelValues(db).Inc()
}
