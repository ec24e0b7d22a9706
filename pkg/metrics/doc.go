// Package metrics defines and registers the engine's Prometheus metrics
// (sync duration/result, backpressure, commit marker, leader status) and
// a small health-check surface (liveness/readiness/health HTTP handlers)
// used to report backend and coordination health to an operator.
package metrics
