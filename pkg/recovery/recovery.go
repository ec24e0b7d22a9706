// Package recovery implements the scan that runs on every open, before
// any normal I/O is permitted: resolving a pending commit manifest left
// behind by an interrupted write, sweeping stray block files, and
// reconciling the allocation manifest against the metadata table.
package recovery

import (
	"github.com/cuemby/blockstore/pkg/backend"
	"github.com/cuemby/blockstore/pkg/log"
	"github.com/cuemby/blockstore/pkg/types"
	"github.com/rs/zerolog"
)

// CorruptionPolicy controls how the scanner reacts to a corrupt block it
// cannot otherwise explain away as a resolvable pending commit.
type CorruptionPolicy int

const (
	// Report surfaces a Corruption error and refuses to proceed. This is
	// the default: silent data loss is never the right default behavior.
	Report CorruptionPolicy = iota
	// AutoRepair drops the offending block (file and metadata removed,
	// deallocated) and continues, logging the loss.
	AutoRepair
)

// Result summarizes what the scan found and did, useful for tests and
// for surfacing to an operator via logs/metrics.
type Result struct {
	Finalized         bool
	RolledBack        bool
	StrayFilesRemoved []types.BlockID
	ReconciledAllocs  []types.BlockID
	RepairedBlocks    []types.BlockID
	Marker            types.CommitMarker
	Metadata          types.MetadataTable
}

// Scan runs the four-step recovery procedure against b and returns the
// converged metadata table and commit marker an engine should open with.
func Scan(b backend.Backend, db string, policy CorruptionPolicy) (Result, error) {
	logger := log.WithComponent("recovery").With().Str("database", db).Logger()

	liveMeta, liveMarker, err := b.Manifest()
	if err != nil {
		return Result{}, err
	}

	result := Result{Metadata: liveMeta, Marker: liveMarker}

	pendingMeta, pendingMarker, hasPending, err := b.PendingManifest()
	if err != nil {
		// A parse failure is reported as an error by Backend.PendingManifest;
		// per spec this counts as "parse fails" and triggers rollback.
		logger.Warn().Err(err).Msg("pending manifest failed to parse, rolling back")
		if discardErr := b.DiscardPendingManifest(); discardErr != nil {
			return Result{}, discardErr
		}
		result.RolledBack = true
	} else if hasPending {
		if crossCheckPending(b, pendingMeta) {
			if err := b.FinalizePendingManifest(); err != nil {
				return Result{}, err
			}
			logger.Info().Uint64("marker", uint64(pendingMarker)).Msg("finalized pending commit")
			result.Finalized = true
			result.Metadata = pendingMeta
			result.Marker = pendingMarker
		} else {
			logger.Warn().Msg("pending commit failed cross-check, rolling back")
			if err := b.DiscardPendingManifest(); err != nil {
				return Result{}, err
			}
			result.RolledBack = true
		}
	}

	strayFiles, err := sweepStrayBlocks(b, result.Metadata)
	if err != nil {
		return Result{}, err
	}
	result.StrayFilesRemoved = strayFiles
	if len(strayFiles) > 0 {
		logger.Warn().Int("stray_count", len(strayFiles)).Msg("removed stray block files")
	}

	alloc, err := b.AllocationManifest()
	if err != nil {
		return Result{}, err
	}
	reconciled := reconcileAllocations(&alloc, result.Metadata)
	result.ReconciledAllocs = reconciled

	repaired, err := applyCorruptionPolicy(b, result.Metadata, policy, logger)
	if err != nil {
		return Result{}, err
	}
	result.RepairedBlocks = repaired
	for _, id := range repaired {
		delete(result.Metadata, id)
		delete(alloc.Allocated, id)
	}

	if len(reconciled) > 0 || len(repaired) > 0 {
		if err := b.Commit(backend.CommitRequest{
			UpdatedMetadata: result.Metadata,
			Allocation:      alloc,
			NewMarker:       result.Marker,
		}); err != nil {
			return Result{}, err
		}
	}

	return result, nil
}

// crossCheckPending verifies every block id the pending manifest
// references has a block file that exists and is exactly BlockSize
// bytes, per spec's rollback condition.
func crossCheckPending(b backend.Backend, pending types.MetadataTable) bool {
	for id := range pending {
		size, found, err := b.BlockSize(id)
		if err != nil || !found || size != types.BlockSize {
			return false
		}
	}
	return true
}

// sweepStrayBlocks removes every persisted block file whose id has no
// entry in the converged metadata table.
func sweepStrayBlocks(b backend.Backend, metadata types.MetadataTable) ([]types.BlockID, error) {
	allFiles, err := b.ListBlockFiles()
	if err != nil {
		return nil, err
	}
	var removed []types.BlockID
	for _, id := range allFiles {
		if _, live := metadata[id]; live {
			continue
		}
		if err := b.RemoveBlockFile(id); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// reconcileAllocations restores any allocation entry missing for a live
// metadata id. Metadata wins: an allocation with no metadata entry is
// left allocated (an allocated-but-never-written id is a valid state);
// any block file it has is removed by sweepStrayBlocks.
func reconcileAllocations(alloc *types.AllocationManifest, metadata types.MetadataTable) []types.BlockID {
	if alloc.Allocated == nil {
		alloc.Allocated = make(map[types.BlockID]struct{})
	}
	var restored []types.BlockID
	for id := range metadata {
		if _, ok := alloc.Allocated[id]; !ok {
			alloc.Allocated[id] = struct{}{}
			if id >= alloc.NextID {
				alloc.NextID = id + 1
			}
			restored = append(restored, id)
		}
	}
	return restored
}

// applyCorruptionPolicy verifies every live metadata entry's block file
// is present and correctly sized, applying policy to any mismatch.
func applyCorruptionPolicy(b backend.Backend, metadata types.MetadataTable, policy CorruptionPolicy, logger zerolog.Logger) ([]types.BlockID, error) {
	var repaired []types.BlockID
	for id := range metadata {
		size, found, err := b.BlockSize(id)
		if err != nil {
			return repaired, err
		}
		if found && size == types.BlockSize {
			continue
		}
		switch policy {
		case AutoRepair:
			_ = b.RemoveBlockFile(id)
			logger.Warn().Uint64("block", uint64(id)).Msg("auto-repair dropped corrupt block")
			repaired = append(repaired, id)
		default:
			return repaired, types.NewError(types.Corruption, "recovery_scan", nil).WithBlock(id)
		}
	}
	return repaired, nil
}
