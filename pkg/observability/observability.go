// Package observability defines the engine's telemetry hooks interface and
// a Prometheus-backed implementation, so pkg/engine never imports
// pkg/metrics directly and a caller embedding the engine without Prometheus
// can pass NoopHooks instead.
package observability

import "time"

// Hooks receives engine lifecycle events. Every method must return
// promptly; a slow hook stalls the commit path that invoked it.
type Hooks interface {
	SyncStart(db string)
	SyncSuccess(db string, d time.Duration)
	SyncFailure(db string, err error)
	Backpressure(db string, dirtyBlocks int)
	Error(db string, err error)
}

// NoopHooks discards every event. It is the default so call sites never
// need a nil check before invoking a hook.
type NoopHooks struct{}

func (NoopHooks) SyncStart(db string)                     {}
func (NoopHooks) SyncSuccess(db string, d time.Duration)  {}
func (NoopHooks) SyncFailure(db string, err error)        {}
func (NoopHooks) Backpressure(db string, dirtyBlocks int) {}
func (NoopHooks) Error(db string, err error)              {}

var _ Hooks = NoopHooks{}
