package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/blockstore/pkg/alloc"
	"github.com/cuemby/blockstore/pkg/autosync"
	"github.com/cuemby/blockstore/pkg/backend"
	"github.com/cuemby/blockstore/pkg/cache"
	"github.com/cuemby/blockstore/pkg/checksum"
	"github.com/cuemby/blockstore/pkg/coordination"
	"github.com/cuemby/blockstore/pkg/log"
	"github.com/cuemby/blockstore/pkg/observability"
	"github.com/cuemby/blockstore/pkg/recovery"
	"github.com/cuemby/blockstore/pkg/types"
)

// Config configures a single logical database's Storage.
type Config struct {
	// Backend is the already-opened persistence back-end this database
	// reads and commits through.
	Backend backend.Backend

	// CacheCapacity bounds the number of clean block entries held in
	// memory; 0 uses the cache package's own default.
	CacheCapacity int

	// AutoSync configures implicit sync triggers. A nil policy disables
	// auto-sync entirely; callers must invoke Sync/ForceSync themselves.
	AutoSync *autosync.Policy

	// CorruptionPolicy controls how the recovery scan reacts to a
	// corrupt live block on open.
	CorruptionPolicy recovery.CorruptionPolicy

	// Hooks receives sync/backpressure/error lifecycle events. A nil
	// Hooks is replaced with observability.NoopHooks.
	Hooks observability.Hooks

	// LeaderOverride bypasses the NotLeader check on every mutating
	// call, per spec.md §9's documented write override.
	LeaderOverride bool
}

// Storage is the block-device interface consumed by a VFS adapter:
// Open, ReadBlock/WriteBlock, AllocateBlock/DeallocateBlock,
// Sync/ForceSync, CommitMarker, Close.
type Storage struct {
	db       string
	backend  backend.Backend
	cache    *cache.Cache
	alloc    *alloc.Map
	gate     *commitGate
	loader   *backendLoader
	coord    *coordination.Coordinator
	policy   *autosync.Policy
	hooks    observability.Hooks
	override bool

	metaMu      sync.Mutex
	metadata    types.MetadataTable
	pendingFree []types.BlockID

	commitMu sync.Mutex
	closed   bool
}

// Open recovers db's durable state, reconciles it, and returns a ready
// Storage. Recovery always runs, unconditionally, before any read or
// write is permitted.
func Open(db string, cfg Config) (*Storage, error) {
	if cfg.Hooks == nil {
		cfg.Hooks = observability.NoopHooks{}
	}

	result, err := recovery.Scan(cfg.Backend, db, cfg.CorruptionPolicy)
	if err != nil {
		return nil, err
	}

	allocManifest, err := cfg.Backend.AllocationManifest()
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:       db,
		backend:  cfg.Backend,
		alloc:    alloc.New(allocManifest),
		gate:     newCommitGate(uint64(result.Marker)),
		hooks:    cfg.Hooks,
		policy:   cfg.AutoSync,
		override: cfg.LeaderOverride,
		metadata: result.Metadata.Clone(),
	}

	s.loader = newBackendLoader(cfg.Backend, s.gate, s.metadata)
	s.cache = cache.New(cfg.CacheCapacity, s.loader)
	for id, md := range s.metadata {
		s.cache.SeedMetadata(id, md)
	}

	s.coord = coordination.NewCoordinator(db, cfg.Backend.Coordination(), &coordinationHooks{db: db})
	if err := s.coord.TryAcquireLeadership(context.Background()); err != nil {
		log.WithComponent("engine").Warn().Err(err).Str("database", db).Msg("initial leadership attempt failed")
	}
	observability.SetCommitMarker(db, uint64(result.Marker))

	return s, nil
}

// ReadBlock returns id's current bytes. An id not present in the
// allocation map is reported NotFound; an allocated-but-never-written id
// returns a zero block (see DESIGN.md's open-question resolution).
func (s *Storage) ReadBlock(id types.BlockID) (types.Block, error) {
	if !s.alloc.Contains(id) {
		return types.Block{}, types.NewError(types.NotFound, "read_block", nil).WithBlock(id)
	}
	return s.cache.Read(id)
}

// WriteBlock upserts id's bytes through the cache and evaluates the
// auto-sync policy's inline threshold check. id must already be
// allocated; writing to an unallocated id is a programming error at the
// VFS adapter layer (it allocates before it writes).
func (s *Storage) WriteBlock(id types.BlockID, data types.Block) error {
	if err := s.coord.RequireLeader(s.override); err != nil {
		return err
	}
	if !s.alloc.Contains(id) {
		return types.NewError(types.InvalidInput, "write_block", nil).WithBlock(id)
	}

	s.cache.Write(id, data)

	if s.policy != nil && s.policy.ShouldSync(s.cache.DirtyCount(), s.cache.DirtyBytes()) {
		s.hooks.Backpressure(s.db, s.cache.DirtyCount())
		return s.Sync()
	}
	return nil
}

// AllocateBlock reserves and returns a fresh block id.
func (s *Storage) AllocateBlock() (types.BlockID, error) {
	if err := s.coord.RequireLeader(s.override); err != nil {
		return 0, err
	}
	return s.alloc.Allocate(), nil
}

// ReserveBlock marks a caller-chosen id allocated, used by the VFS
// adapter whose block ids are page numbers derived directly from byte
// offset rather than handed out by AllocateBlock's forward counter.
func (s *Storage) ReserveBlock(id types.BlockID) error {
	if err := s.coord.RequireLeader(s.override); err != nil {
		return err
	}
	s.alloc.Reserve(id)
	return nil
}

// AllocatedIDs returns a snapshot of every currently allocated block id.
func (s *Storage) AllocatedIDs() []types.BlockID {
	manifest := s.alloc.Snapshot()
	ids := make([]types.BlockID, 0, len(manifest.Allocated))
	for id := range manifest.Allocated {
		ids = append(ids, id)
	}
	return ids
}

// AllocatedCount returns the number of currently allocated block ids.
func (s *Storage) AllocatedCount() int {
	return s.alloc.Count()
}

// DeallocateBlock releases id, forgets its cached bytes/metadata, and
// schedules its block file for removal on the next commit's cleanup
// phase.
func (s *Storage) DeallocateBlock(id types.BlockID) error {
	if err := s.coord.RequireLeader(s.override); err != nil {
		return err
	}
	s.alloc.Deallocate(id)
	s.cache.Forget(id)

	s.metaMu.Lock()
	delete(s.metadata, id)
	s.pendingFree = append(s.pendingFree, id)
	s.metaMu.Unlock()
	return nil
}

// CheckLeader returns a NotLeader error unless this instance is the
// leader or LeaderOverride was configured. Exposed for callers (the VFS
// adapter's exclusive-lock path) that need the same gate WriteBlock
// applies without performing a write.
func (s *Storage) CheckLeader() error {
	return s.coord.RequireLeader(s.override)
}

// CommitMarker returns the current commit-marker epoch.
func (s *Storage) CommitMarker() types.CommitMarker {
	return types.CommitMarker(s.gate.Current())
}

// Sync runs the two-phase commit protocol only if there is something to
// persist: a dirty block, a pending deallocation, or a dirty allocation
// manifest. A no-op Sync does not advance the commit marker.
func (s *Storage) Sync() error {
	if s.cache.DirtyCount() == 0 && !s.alloc.Dirty() && len(s.pendingIDs()) == 0 {
		return nil
	}
	return s.doCommit()
}

// ForceSync is the unconditional durability barrier the VFS adapter's
// xSync must invoke: it always runs the full commit protocol and always
// advances the commit marker, even if nothing is dirty, so a caller that
// just called ForceSync can rely on the marker having strictly advanced
// past any write that preceded it.
func (s *Storage) ForceSync() error {
	return s.doCommit()
}

func (s *Storage) pendingIDs() []types.BlockID {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.pendingFree
}

func (s *Storage) doCommit() error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	start := time.Now()
	s.hooks.SyncStart(s.db)

	dirtyIDs := s.cache.DirtyIDs()
	candidate := types.CommitMarker(s.gate.Current() + 1)

	dirtyBlocks := make(map[types.BlockID]types.Block, len(dirtyIDs))
	for _, id := range dirtyIDs {
		data, ok := s.cache.BlockData(id)
		if !ok {
			continue
		}
		dirtyBlocks[id] = data
	}

	s.metaMu.Lock()
	officialMeta := make(types.MetadataTable, len(dirtyIDs))
	for _, id := range dirtyIDs {
		md, _ := s.cache.Metadata(id)
		md.Version = uint64(candidate)
		md.Algo = checksum.Default
		s.metadata[id] = md
		officialMeta[id] = md
	}
	// An id deallocated and then reserved again before this commit is live
	// once more, so its block file is not removed in cleanup.
	removedIDs := make([]types.BlockID, 0, len(s.pendingFree))
	for _, id := range s.pendingFree {
		if !s.alloc.Contains(id) {
			removedIDs = append(removedIDs, id)
		}
	}
	s.pendingFree = nil
	fullMetadata := s.metadata.Clone()
	s.metaMu.Unlock()

	req := backend.CommitRequest{
		DirtyBlocks:     dirtyBlocks,
		UpdatedMetadata: fullMetadata,
		RemovedIDs:      removedIDs,
		Allocation:      s.alloc.Snapshot(),
		NewMarker:       candidate,
	}

	if err := s.backend.Commit(req); err != nil {
		s.hooks.SyncFailure(s.db, err)
		s.metaMu.Lock()
		s.pendingFree = append(removedIDs, s.pendingFree...)
		s.metaMu.Unlock()
		return err
	}

	s.gate.Advance(uint64(candidate))
	s.cache.MarkPersisted(dirtyIDs, officialMeta)
	s.alloc.MarkClean()
	for _, id := range removedIDs {
		s.cache.Forget(id)
	}
	s.loader.replace(fullMetadata)
	observability.SetCommitMarker(s.db, uint64(candidate))
	s.hooks.SyncSuccess(s.db, time.Since(start))
	return nil
}

// Close steps down from leadership (if held) and releases the backend's
// resources. It does not implicitly sync; callers must Sync/ForceSync
// first if they want pending writes durable.
func (s *Storage) Close() error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.coord.StepDown()
	return s.backend.Close()
}
