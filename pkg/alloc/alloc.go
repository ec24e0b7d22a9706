// Package alloc implements the allocation map: the set of block ids
// currently live in a database, plus the next-id hint used to avoid
// rescanning for a free slot on every allocation.
package alloc

import (
	"sync"

	"github.com/cuemby/blockstore/pkg/types"
)

// Map tracks which BlockIds are allocated. It is safe for concurrent use.
type Map struct {
	mu       sync.Mutex
	manifest types.AllocationManifest
	dirty    bool
}

// New builds a Map from a previously-persisted manifest. A zero-value
// manifest (NextID 0, no allocated ids) describes a brand new database;
// id 1 is handed out first since id 0 is reserved.
func New(manifest types.AllocationManifest) *Map {
	if manifest.Allocated == nil {
		manifest.Allocated = make(map[types.BlockID]struct{})
	}
	if manifest.NextID == 0 {
		manifest.NextID = 1
	}
	return &Map{manifest: manifest}
}

// Allocate reserves and returns a fresh BlockID. It never returns 0 and
// never returns an id already present in the map. Freed ids are not
// reused ahead of the NextID hint; the manifest only ever grows forward,
// keeping allocation O(1) at the cost of not repacking holes.
func (m *Map) Allocate() types.BlockID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.manifest.NextID
	for {
		if _, taken := m.manifest.Allocated[id]; !taken {
			break
		}
		id++
	}
	m.manifest.Allocated[id] = struct{}{}
	m.manifest.NextID = id + 1
	m.dirty = true
	return id
}

// Reserve marks id allocated directly, without consulting NextID, and
// advances NextID past it if necessary. It reports whether id was newly
// reserved (false if it was already allocated). Used by callers that
// address blocks by a caller-chosen id rather than asking for the next
// free one — the VFS adapter's page-number-as-block-id addressing, for
// instance — so the two addressing schemes never collide.
func (m *Map) Reserve(id types.BlockID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.manifest.Allocated[id]; ok {
		return false
	}
	m.manifest.Allocated[id] = struct{}{}
	if id >= m.manifest.NextID {
		m.manifest.NextID = id + 1
	}
	m.dirty = true
	return true
}

// Deallocate releases id. It is idempotent: releasing an id that is not
// allocated (or was already released) is a no-op.
func (m *Map) Deallocate(id types.BlockID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.manifest.Allocated[id]; !ok {
		return
	}
	delete(m.manifest.Allocated, id)
	m.dirty = true
}

// Contains reports whether id is currently allocated.
func (m *Map) Contains(id types.BlockID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.manifest.Allocated[id]
	return ok
}

// Count returns the number of currently allocated ids.
func (m *Map) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.manifest.Allocated)
}

// Dirty reports whether the manifest has changed since the last MarkClean.
func (m *Map) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.dirty
}

// MarkClean clears the dirty flag, typically called once the manifest
// has been durably persisted.
func (m *Map) MarkClean() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dirty = false
}

// Snapshot returns an independent copy of the current manifest, suitable
// for handing to a persistence backend's commit path without holding the
// map's lock across the write.
func (m *Map) Snapshot() types.AllocationManifest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := types.AllocationManifest{
		Allocated: make(map[types.BlockID]struct{}, len(m.manifest.Allocated)),
		NextID:    m.manifest.NextID,
	}
	for id := range m.manifest.Allocated {
		out.Allocated[id] = struct{}{}
	}
	return out
}
