package engine

import (
	"sync"

	"github.com/cuemby/blockstore/pkg/backend"
	"github.com/cuemby/blockstore/pkg/types"
)

// backendLoader adapts a backend.Backend plus the storage's authoritative
// metadata table into the cache.Loader interface. The cache never talks
// to the backend directly; every miss flows through here so the
// commit-marker gate gets a say before a block is handed back.
type backendLoader struct {
	b    backend.Backend
	gate *commitGate

	mu       sync.RWMutex
	metadata types.MetadataTable
}

func newBackendLoader(b backend.Backend, gate *commitGate, metadata types.MetadataTable) *backendLoader {
	return &backendLoader{b: b, gate: gate, metadata: metadata}
}

func (l *backendLoader) LoadBlock(id types.BlockID) (types.Block, bool, error) {
	md, ok := l.LoadMetadata(id)
	if !ok {
		return types.Block{}, false, nil
	}
	if !l.gate.Visible(md.Version) {
		return types.Block{}, false, nil
	}
	return l.b.LoadBlock(id)
}

func (l *backendLoader) LoadMetadata(id types.BlockID) (types.BlockMetadata, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	md, ok := l.metadata[id]
	return md, ok
}

// replace swaps in a new authoritative metadata table, called after each
// successful commit with the committed table, so the loader's view follows
// what is durable without the cache needing to know about metadata at all.
func (l *backendLoader) replace(metadata types.MetadataTable) {
	l.mu.Lock()
	l.metadata = metadata
	l.mu.Unlock()
}
