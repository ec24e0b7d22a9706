package engine

import "github.com/cuemby/blockstore/pkg/observability"

// coordinationHooks adapts the narrower coordination.Hooks interface onto
// the Coordination Metrics gauges (pkg/observability), so a leadership
// change is visible on the Prometheus surface regardless of which
// observability.Hooks implementation the caller configured for sync
// events.
type coordinationHooks struct {
	db string
}

func (h *coordinationHooks) LeaderElected(db string, instanceID string) {
	observability.SetLeader(db, true)
	observability.RecordLeaderElection(db)
}

func (h *coordinationHooks) LeadershipLost(db string) {
	observability.SetLeader(db, false)
}
