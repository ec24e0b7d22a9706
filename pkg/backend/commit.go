package backend

import (
	"encoding/json"

	"github.com/cuemby/blockstore/pkg/types"
)

// manifestDoc is the wire shape of both the live and pending metadata
// manifests: the full metadata table plus the marker it corresponds to.
type manifestDoc struct {
	Metadata types.MetadataTable `json:"metadata"`
	Marker   types.CommitMarker  `json:"marker"`
}

// rawStore is the minimal set of durability primitives a concrete
// storage medium must provide. runCommit drives both BoltBackend and
// FileBackend through the identical phase sequence against this
// interface, so the two-phase commit protocol is implemented exactly
// once.
type rawStore interface {
	writeBlock(id types.BlockID, data types.Block) error
	writePendingManifest(doc manifestDoc) error
	finalizeManifest() error
	discardPendingManifest() error
	writeAllocation(manifest types.AllocationManifest) error
	removeBlock(id types.BlockID) error
	barrier() error
}

// runCommit executes the four-phase commit protocol from spec §4.4:
//
//  1. Data first — every dirty block is written and made durable.
//  2. Intent — the pending metadata manifest (full post-commit table
//     plus candidate marker) is written atomically.
//  3. Finalize — the pending manifest atomically replaces the live one.
//     This is the commit point; readers now observe the new marker.
//  4. Cleanup — the allocation manifest is persisted and removed-id
//     block files are deleted, best-effort.
//
// A cleanup-only commit (no dirty blocks, empty UpdatedMetadata diff)
// still runs every phase so allocation-only changes get the same
// crash-consistency guarantee as a data commit.
func runCommit(s rawStore, req CommitRequest) error {
	for id, data := range req.DirtyBlocks {
		if err := s.writeBlock(id, data); err != nil {
			return types.NewError(types.Transient, "commit", err).WithBlock(id).WithPhase("phase1")
		}
	}
	if err := s.barrier(); err != nil {
		return types.NewError(types.Transient, "commit", err).WithPhase("phase1")
	}

	doc := manifestDoc{Metadata: req.UpdatedMetadata, Marker: req.NewMarker}
	if err := s.writePendingManifest(doc); err != nil {
		return types.NewError(types.Transient, "commit", err).WithPhase("phase2a")
	}
	if err := s.barrier(); err != nil {
		return types.NewError(types.Transient, "commit", err).WithPhase("phase2a")
	}

	if err := s.finalizeManifest(); err != nil {
		return types.NewError(types.Transient, "commit", err).WithPhase("phase2b")
	}

	// Phase 3 is best-effort: a failure here is recovered on the next
	// open rather than surfaced as a commit failure, since the commit
	// point (phase 2b) has already passed.
	_ = s.writeAllocation(req.Allocation)
	for _, id := range req.RemovedIDs {
		_ = s.removeBlock(id)
	}
	return nil
}

func marshalManifest(doc manifestDoc) ([]byte, error) {
	return json.Marshal(doc)
}

func unmarshalManifest(data []byte) (manifestDoc, error) {
	var doc manifestDoc
	err := json.Unmarshal(data, &doc)
	return doc, err
}
