// Package autosync implements the policy deciding when a sync should
// run implicitly: threshold triggers evaluated inline on every write,
// plus an optional timer goroutine for environments with a blocking
// timer available.
package autosync

import (
	"context"
	"time"

	"github.com/cuemby/blockstore/pkg/types"
)

// Policy configures auto-sync triggers. At least one of IntervalMS,
// MaxDirtyBlocks, or MaxDirtyBytes must be set; a policy with none of
// them configured silently never syncs, which is never the right
// default, so NewPolicy rejects it outright.
type Policy struct {
	IntervalMS       int64
	MaxDirtyBlocks   int
	MaxDirtyBytes    int
	DebounceMS       int64
	VerifyAfterWrite bool
}

// NewPolicy validates p and returns it unchanged if valid. Callers that
// want threshold-only behavior pass IntervalMS: 0; callers that want
// timer-only behavior pass MaxDirtyBlocks/MaxDirtyBytes: 0. Configuring
// none of the three is rejected rather than silently disabling
// auto-sync.
func NewPolicy(p Policy) (*Policy, error) {
	if p.IntervalMS <= 0 && p.MaxDirtyBlocks <= 0 && p.MaxDirtyBytes <= 0 {
		return nil, types.NewError(types.InvalidInput, "new_auto_sync_policy", nil)
	}
	return &p, nil
}

// ShouldSync reports whether the current dirty set has crossed a
// configured threshold. It never suspends and never spawns a goroutine;
// callers invoke it inline from the writer's logical task, per spec.md
// §4.8's "runs inline... never in a separate thread without
// coordination".
func (p *Policy) ShouldSync(dirtyCount int, dirtyBytes int) bool {
	if p.MaxDirtyBlocks > 0 && dirtyCount >= p.MaxDirtyBlocks {
		return true
	}
	if p.MaxDirtyBytes > 0 && dirtyBytes >= p.MaxDirtyBytes {
		return true
	}
	return false
}

// Debounce returns a function that, called on every write, returns true
// at most once per DebounceMS window: the first call in a burst returns
// true immediately (so the caller can arm a deferred sync), subsequent
// calls within the window return false. A DebounceMS of 0 disables
// coalescing and every call returns true.
func (p *Policy) Debounce() func() bool {
	if p.DebounceMS <= 0 {
		return func() bool { return true }
	}
	var last time.Time
	window := time.Duration(p.DebounceMS) * time.Millisecond
	return func() bool {
		now := time.Now()
		if now.Sub(last) < window {
			return false
		}
		last = now
		return true
	}
}

// RunTimer blocks, invoking syncFn every IntervalMS until ctx is
// cancelled. It is the native, blocking-timer-capable embedder's
// equivalent of an event-loop's periodic idle callback; embedders with
// no blocking timer available (spec.md's "event-loop-only
// environments") simply never call RunTimer and rely on ShouldSync plus
// their own idle/visibility hooks instead. Calling RunTimer on a policy
// with IntervalMS <= 0 returns immediately.
func (p *Policy) RunTimer(ctx context.Context, syncFn func(context.Context) error) {
	if p.IntervalMS <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(p.IntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = syncFn(ctx)
		}
	}
}
