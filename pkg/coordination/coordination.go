// Package coordination implements single-writer leader election across
// process instances that share a logical database through a backend's
// coordination keyspace (not a replicated consensus log — see the
// teacher-deviation note in the grounding ledger for why
// hashicorp/raft has no home here).
package coordination

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/blockstore/pkg/backend"
	"github.com/cuemby/blockstore/pkg/log"
	"github.com/cuemby/blockstore/pkg/types"
	"github.com/google/uuid"
)

// State is this instance's position in the leader election state
// machine: Unknown -> Follower -> Candidate -> Leader -> SteppingDown -> Follower.
type State int

const (
	Unknown State = iota
	Follower
	Candidate
	Leader
	SteppingDown
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case SteppingDown:
		return "stepping_down"
	default:
		return "unknown"
	}
}

// DefaultLeaderExpiry is how stale a leader's heartbeat may be before a
// challenger treats the leadership as vacant, matching spec.md §4.7's
// "a few seconds".
const DefaultLeaderExpiry = 5 * time.Second

// Coordinator races other instances of this process (or other process
// instances sharing the same backend) for leadership of one logical
// database.
type Coordinator struct {
	db           string
	instanceID   string
	coordination backend.Coordination
	leaderExpiry time.Duration
	hooks        Hooks

	state State
}

// Hooks lets a caller observe election transitions without pulling in
// pkg/observability's full Hooks interface; pkg/engine adapts its own
// observability.Hooks into this narrower shape.
type Hooks interface {
	LeaderElected(db string, instanceID string)
	LeadershipLost(db string)
}

type noopHooks struct{}

func (noopHooks) LeaderElected(string, string) {}
func (noopHooks) LeadershipLost(string)        {}

// NewCoordinator builds a Coordinator for db over the given backend
// coordination keyspace. If hooks is nil, a no-op implementation is
// used so call sites never need a nil check.
func NewCoordinator(db string, coord backend.Coordination, hooks Hooks) *Coordinator {
	if hooks == nil {
		hooks = noopHooks{}
	}
	return &Coordinator{
		db:           db,
		instanceID:   uuid.NewString(),
		coordination: coord,
		leaderExpiry: DefaultLeaderExpiry,
		hooks:        hooks,
		state:        Follower,
	}
}

// InstanceID returns this coordinator's unique instance id.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// State returns this coordinator's current position in the election
// state machine.
func (c *Coordinator) State() State {
	return c.state
}

// IsLeader reports whether this instance currently believes itself to
// be the leader.
func (c *Coordinator) IsLeader() bool {
	return c.state == Leader
}

func leaderKey(db string) string    { return "leader_" + db }
func heartbeatKey(db string) string { return "heartbeat_" + db }
func instancesKey(db string) string { return "instances_" + db }

// TryAcquireLeadership registers this instance and attempts the CAS
// race for leadership: leader_<db> moves from absent-or-expired to this
// instance's id. It is safe to call repeatedly (e.g. from a poll loop);
// a follower whose believed leader has expired will attempt to take
// over.
func (c *Coordinator) TryAcquireLeadership(ctx context.Context) error {
	if err := c.registerInstance(); err != nil {
		return err
	}

	wasLeader := c.state == Leader
	c.state = Candidate

	current, found, err := c.coordination.Get(leaderKey(c.db))
	if err != nil {
		return types.NewError(types.StorageUnavailable, "try_acquire_leadership", err)
	}

	ownedByUs := false
	if found {
		if id, _, ok := splitLeaderValue(current); ok {
			ownedByUs = id == c.instanceID
		}
	}
	vacant := !found || c.leaderExpired(current)

	if found && !vacant && !ownedByUs {
		c.state = Follower
		return nil
	}

	oldValue := ""
	if found {
		oldValue = current
	}
	newValue := joinLeaderValue(c.instanceID, time.Now().UnixMilli())

	swapped, err := c.coordination.CAS(leaderKey(c.db), oldValue, newValue)
	if err != nil {
		return types.NewError(types.StorageUnavailable, "try_acquire_leadership", err)
	}
	if !swapped {
		c.state = Follower
		return nil
	}
	if err := c.coordination.Put(heartbeatKey(c.db), strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		c.state = Follower
		return types.NewError(types.StorageUnavailable, "try_acquire_leadership", err)
	}

	c.state = Leader
	if !wasLeader {
		log.WithComponent("coordination").Info().Str("database", c.db).Str("instance", c.instanceID).Msg("acquired leadership")
		c.hooks.LeaderElected(c.db, c.instanceID)
	}
	return nil
}

// leaderExpired parses the stored leader value ("<instanceID>@<heartbeatUnixMS>")
// and reports whether its heartbeat is older than leaderExpiry.
func (c *Coordinator) leaderExpired(current string) bool {
	_, heartbeatMS, ok := splitLeaderValue(current)
	if !ok {
		return true
	}
	age := time.Since(time.UnixMilli(heartbeatMS))
	return age > c.leaderExpiry
}

func splitLeaderValue(value string) (instanceID string, heartbeatMS int64, ok bool) {
	idx := strings.LastIndex(value, "@")
	if idx < 0 {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(value[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return value[:idx], ms, true
}

func joinLeaderValue(instanceID string, heartbeatMS int64) string {
	return fmt.Sprintf("%s@%d", instanceID, heartbeatMS)
}

// Heartbeat renews this leader's heartbeat. Calling it while not the
// leader is a no-op, since a follower has nothing to renew.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	if c.state != Leader {
		return nil
	}
	return c.renewHeartbeat()
}

func (c *Coordinator) renewHeartbeat() error {
	value := joinLeaderValue(c.instanceID, time.Now().UnixMilli())
	if err := c.coordination.Put(leaderKey(c.db), value); err != nil {
		return types.NewError(types.StorageUnavailable, "heartbeat", err)
	}
	return c.coordination.Put(heartbeatKey(c.db), strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// StepDown voluntarily releases leadership, used on graceful close so
// another instance does not have to wait out the full expiry window.
func (c *Coordinator) StepDown() error {
	if c.state != Leader {
		return nil
	}
	c.state = SteppingDown
	current, found, err := c.coordination.Get(leaderKey(c.db))
	if err == nil && found {
		if instanceID, _, ok := splitLeaderValue(current); ok && instanceID == c.instanceID {
			_, _ = c.coordination.CAS(leaderKey(c.db), current, "")
		}
	}
	log.WithComponent("coordination").Info().Str("database", c.db).Str("instance", c.instanceID).Msg("stepped down")
	c.hooks.LeadershipLost(c.db)
	c.state = Follower
	return err
}

func (c *Coordinator) registerInstance() error {
	current, _, err := c.coordination.Get(instancesKey(c.db))
	if err != nil {
		return types.NewError(types.StorageUnavailable, "register_instance", err)
	}
	members := map[string]bool{}
	for _, id := range strings.Split(current, ",") {
		if id != "" {
			members[id] = true
		}
	}
	if members[c.instanceID] {
		return nil
	}
	members[c.instanceID] = true
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return c.coordination.Put(instancesKey(c.db), strings.Join(ids, ","))
}

// RequireLeader returns ErrNotLeader unless this instance is the leader
// or override is set, per spec.md §9's non-leader write override.
func (c *Coordinator) RequireLeader(override bool) error {
	if override || c.IsLeader() {
		return nil
	}
	return types.NewError(types.NotLeader, "require_leader", nil)
}
