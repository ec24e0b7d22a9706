// Package backend implements the persistence back-end: the two-phase
// commit protocol that moves dirty blocks, metadata, and the allocation
// manifest to durable storage, shared by a bbolt-backed implementation
// and a plain-file implementation.
package backend

import (
	"github.com/cuemby/blockstore/pkg/types"
)

// CommitRequest is everything a single commit needs to persist.
type CommitRequest struct {
	DirtyBlocks     map[types.BlockID]types.Block
	UpdatedMetadata types.MetadataTable
	RemovedIDs      []types.BlockID
	Allocation      types.AllocationManifest
	NewMarker       types.CommitMarker
}

// Backend is the storage-medium-agnostic persistence interface. Both
// pkg/engine and pkg/recovery operate against this interface and never
// against a concrete backend type.
type Backend interface {
	// Manifest returns the live metadata table and commit marker.
	Manifest() (types.MetadataTable, types.CommitMarker, error)

	// PendingManifest returns the pending metadata table and candidate
	// marker, and whether one exists. A parse failure is reported as an
	// error; callers must treat a parse error the same as "roll back".
	PendingManifest() (types.MetadataTable, types.CommitMarker, bool, error)

	// AllocationManifest returns the persisted allocation manifest.
	AllocationManifest() (types.AllocationManifest, error)

	// LoadBlock returns a block's bytes and whether it exists.
	LoadBlock(id types.BlockID) (types.Block, bool, error)

	// BlockSize returns the on-disk size of a block file/record, or false
	// if it does not exist. Used by recovery's cross-check.
	BlockSize(id types.BlockID) (int, bool, error)

	// ListBlockFiles enumerates every block id with a persisted file,
	// live or stray.
	ListBlockFiles() ([]types.BlockID, error)

	// Commit runs the full two-phase commit protocol for req.
	Commit(req CommitRequest) error

	// FinalizePendingManifest atomically promotes the pending manifest
	// to live, used by recovery when the pending manifest cross-checks
	// clean.
	FinalizePendingManifest() error

	// DiscardPendingManifest removes the pending manifest without
	// touching the live one, used by recovery's rollback path.
	DiscardPendingManifest() error

	// RemoveBlockFile deletes a stray or deallocated block's file.
	RemoveBlockFile(id types.BlockID) error

	// Coordination exposes the shared keyspace leader election races
	// over; it is independent of the block/metadata keyspace.
	Coordination() Coordination

	// Close releases any resources (file handles, db handle) the
	// backend holds open.
	Close() error
}

// Coordination is the shared, strongly-consistent KV primitive multiple
// engine instances race over for leader election. It is intentionally
// narrow: get, put, and compare-and-swap are all pkg/coordination needs.
type Coordination interface {
	Get(key string) (string, bool, error)
	Put(key string, value string) error
	CAS(key string, oldValue string, newValue string) (bool, error)
}
