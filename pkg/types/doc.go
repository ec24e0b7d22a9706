// Package types defines the core data structures shared by every layer of
// the block storage engine: blocks, block ids, per-block metadata, the
// allocation manifest, the commit marker, and the error taxonomy used to
// report failures across the cache, backend, recovery, and coordination
// packages.
package types
