// Package cache implements the in-memory block cache: a bounded map from
// block id to block bytes, with LRU eviction of clean entries and a
// tracked dirty set.
//
// Every exported method takes a shared (*Cache) receiver and never an
// exclusive one. The cache's mutable state is partitioned into
// independently-locked fields — the block map, the dirty set, and the
// metadata table each carry their own mutex — so that a goroutine blocked
// fetching one block id from the backend never blocks a concurrent
// caller touching a different id. No method holds a lock across a call
// into the Loader, which may suspend on backend I/O; this matters
// because the upstream SQL engine can re-enter the adapter (and this
// cache) from within such a call, e.g. while reading schema pages during
// statement preparation.
package cache

import (
	"sync"
	"time"

	"github.com/cuemby/blockstore/pkg/checksum"
	"github.com/cuemby/blockstore/pkg/types"
)

// Loader fetches a block and its metadata from the persistence back-end
// on a cache miss. A Cache never imports the backend package directly;
// pkg/engine supplies the live Backend as a Loader.
type Loader interface {
	LoadBlock(id types.BlockID) (types.Block, bool, error)
	LoadMetadata(id types.BlockID) (types.BlockMetadata, bool)
}

type blockEntry struct {
	data  types.Block
	dirty bool
}

// Cache is the bounded BlockID -> bytes map described in spec §4.1.
type Cache struct {
	capacity int
	loader   Loader

	blocksMu sync.RWMutex
	blocks   map[types.BlockID]*blockEntry

	metaMu sync.RWMutex
	meta   map[types.BlockID]types.BlockMetadata

	dirtyMu sync.Mutex
	dirty   map[types.BlockID]struct{}

	lruMu sync.Mutex
	lru   map[types.BlockID]time.Time
}

// New creates a Cache with the given bounded capacity for clean entries.
// Dirty entries are never evicted and may push the resident set above
// capacity until the next sync.
func New(capacity int, loader Loader) *Cache {
	if capacity <= 0 {
		capacity = 16
	}
	return &Cache{
		capacity: capacity,
		loader:   loader,
		blocks:   make(map[types.BlockID]*blockEntry),
		meta:     make(map[types.BlockID]types.BlockMetadata),
		dirty:    make(map[types.BlockID]struct{}),
		lru:      make(map[types.BlockID]time.Time),
	}
}

// Read returns the bytes for id: a cache hit returns immediately; a miss
// delegates to the Loader, verifies the checksum, inserts the block as a
// clean entry, and returns it. An unallocated id returns a zero block
// (see DESIGN.md for the open-question resolution), never an error.
func (c *Cache) Read(id types.BlockID) (types.Block, error) {
	if entry, ok := c.peek(id); ok {
		c.touch(id)
		return entry.data, nil
	}

	data, found, err := c.loader.LoadBlock(id)
	if err != nil {
		return types.Block{}, types.NewError(types.Transient, "read_block", err).WithBlock(id)
	}
	if !found {
		return types.ZeroBlock(), nil
	}

	md, _ := c.loader.LoadMetadata(id)
	if !checksum.Verify(md.Algo, data[:], md.Checksum) {
		return types.Block{}, types.NewError(types.Corruption, "read_block", nil).WithBlock(id)
	}

	c.insertClean(id, data, md)
	c.evictClean()
	return data, nil
}

// Write upserts data for id, marks it dirty, and tentatively advances its
// in-memory metadata version/timestamp ahead of the last persisted
// version. Once a commit succeeds, the committing caller records the
// official metadata through Cache.MarkPersisted; pkg/engine uses the
// commit's marker as that official version.
func (c *Cache) Write(id types.BlockID, data types.Block) {
	c.blocksMu.Lock()
	c.blocks[id] = &blockEntry{data: data, dirty: true}
	c.blocksMu.Unlock()

	c.markDirty(id)

	c.metaMu.Lock()
	prev := c.meta[id]
	c.meta[id] = types.BlockMetadata{
		Checksum:       checksum.Compute(data[:]),
		Version:        prev.Version + 1,
		LastModifiedMS: nowMS(),
		Algo:           checksum.Default,
	}
	c.metaMu.Unlock()

	c.untrack(id)
}

// Metadata returns the current in-memory metadata for id, which may be a
// tentative (not-yet-persisted) version.
func (c *Cache) Metadata(id types.BlockID) (types.BlockMetadata, bool) {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	md, ok := c.meta[id]
	return md, ok
}

// SeedMetadata installs metadata for id without marking it dirty, used
// when the engine loads persisted metadata at open time.
func (c *Cache) SeedMetadata(id types.BlockID, md types.BlockMetadata) {
	c.metaMu.Lock()
	c.meta[id] = md
	c.metaMu.Unlock()
}

// DirtyIDs returns a snapshot of the currently dirty block ids.
func (c *Cache) DirtyIDs() []types.BlockID {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	ids := make([]types.BlockID, 0, len(c.dirty))
	for id := range c.dirty {
		ids = append(ids, id)
	}
	return ids
}

// DirtyCount returns the number of dirty blocks.
func (c *Cache) DirtyCount() int {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	return len(c.dirty)
}

// DirtyBytes returns the total byte size of all dirty blocks.
func (c *Cache) DirtyBytes() int {
	return c.DirtyCount() * types.BlockSize
}

// BlockData returns the currently cached bytes for id, if resident.
func (c *Cache) BlockData(id types.BlockID) (types.Block, bool) {
	entry, ok := c.peek(id)
	if !ok {
		return types.Block{}, false
	}
	return entry.data, true
}

// MarkPersisted clears the dirty flag for the given ids and records their
// now-official metadata, called once a commit finishes phase 2b
// successfully. Ids not resident in the cache are ignored.
func (c *Cache) MarkPersisted(ids []types.BlockID, official types.MetadataTable) {
	c.blocksMu.Lock()
	for _, id := range ids {
		if entry, ok := c.blocks[id]; ok {
			entry.dirty = false
		}
	}
	c.blocksMu.Unlock()

	c.dirtyMu.Lock()
	for _, id := range ids {
		delete(c.dirty, id)
	}
	c.dirtyMu.Unlock()

	c.metaMu.Lock()
	for id, md := range official {
		c.meta[id] = md
	}
	c.metaMu.Unlock()

	for _, id := range ids {
		c.touch(id)
	}
	c.evictClean()
}

// Forget removes id entirely from the cache (block bytes, metadata, and
// dirty/lru tracking), used when a block is deallocated.
func (c *Cache) Forget(id types.BlockID) {
	c.blocksMu.Lock()
	delete(c.blocks, id)
	c.blocksMu.Unlock()

	c.metaMu.Lock()
	delete(c.meta, id)
	c.metaMu.Unlock()

	c.dirtyMu.Lock()
	delete(c.dirty, id)
	c.dirtyMu.Unlock()

	c.untrack(id)
}

// EvictClean evicts least-recently-used clean entries until the resident
// set is at or below capacity, or until only dirty entries remain.
func (c *Cache) EvictClean() {
	c.evictClean()
}

// ClearClean drops every clean (non-dirty) entry, used after external
// durability barriers to force subsequent reads back through the Loader.
func (c *Cache) ClearClean() {
	c.blocksMu.Lock()
	defer c.blocksMu.Unlock()
	for id, entry := range c.blocks {
		if !entry.dirty {
			delete(c.blocks, id)
			c.untrack(id)
		}
	}
}

func (c *Cache) peek(id types.BlockID) (blockEntry, bool) {
	c.blocksMu.RLock()
	defer c.blocksMu.RUnlock()
	entry, ok := c.blocks[id]
	if !ok {
		return blockEntry{}, false
	}
	return *entry, true
}

func (c *Cache) insertClean(id types.BlockID, data types.Block, md types.BlockMetadata) {
	c.blocksMu.Lock()
	c.blocks[id] = &blockEntry{data: data, dirty: false}
	c.blocksMu.Unlock()

	c.metaMu.Lock()
	c.meta[id] = md
	c.metaMu.Unlock()

	c.touch(id)
}

func (c *Cache) markDirty(id types.BlockID) {
	c.dirtyMu.Lock()
	c.dirty[id] = struct{}{}
	c.dirtyMu.Unlock()
}

func (c *Cache) touch(id types.BlockID) {
	c.lruMu.Lock()
	c.lru[id] = time.Now()
	c.lruMu.Unlock()
}

func (c *Cache) untrack(id types.BlockID) {
	c.lruMu.Lock()
	delete(c.lru, id)
	c.lruMu.Unlock()
}

// evictClean evicts clean entries oldest-first until resident size is at
// or below capacity. If every resident entry is dirty, the cache is
// permitted to grow beyond capacity until the next sync.
func (c *Cache) evictClean() {
	c.blocksMu.Lock()
	defer c.blocksMu.Unlock()

	if len(c.blocks) <= c.capacity {
		return
	}

	c.lruMu.Lock()
	order := make([]types.BlockID, 0, len(c.lru))
	for id := range c.lru {
		order = append(order, id)
	}
	// insertion sort by access time, oldest first; resident sets stay
	// small (capacity is a handful to a few dozen entries) so O(n^2) is fine.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && c.lru[order[j-1]].After(c.lru[order[j]]); j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
	c.lruMu.Unlock()

	for _, id := range order {
		if len(c.blocks) <= c.capacity {
			break
		}
		entry, ok := c.blocks[id]
		if !ok || entry.dirty {
			continue
		}
		delete(c.blocks, id)
		c.untrack(id)
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
