package engine

import "sync"

// Registry is a process-global map from logical database name to its
// open Storage, one entry per database, created on first open and
// retained until Clear/Remove — grounded on the teacher's single
// Manager instance owning all cluster-wide mutable state reached from
// multiple goroutines, generalized here to a registry of such contexts
// since this engine supports many independent logical databases at
// once rather than one cluster.
type Registry struct {
	mu    sync.Mutex
	store map[string]*Storage
}

// NewRegistry returns an empty Registry. Most callers use the
// process-global StorageRegistry instead of constructing their own.
func NewRegistry() *Registry {
	return &Registry{store: make(map[string]*Storage)}
}

// StorageRegistry is the process-global registry every VFS adapter in
// this process shares by default.
var StorageRegistry = NewRegistry()

// OpenOrGet returns the already-open Storage for db if one exists, or
// opens a fresh one with cfg and registers it.
func (r *Registry) OpenOrGet(db string, cfg Config) (*Storage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.store[db]; ok {
		return s, nil
	}
	s, err := Open(db, cfg)
	if err != nil {
		return nil, err
	}
	r.store[db] = s
	return s, nil
}

// Get returns the currently-registered Storage for db, if any.
func (r *Registry) Get(db string) (*Storage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.store[db]
	return s, ok
}

// Remove closes and unregisters db's Storage, if present.
func (r *Registry) Remove(db string) error {
	r.mu.Lock()
	s, ok := r.store[db]
	delete(r.store, db)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close()
}

// Clear closes and unregisters every Storage in the registry, used in
// tests and graceful process shutdown.
func (r *Registry) Clear() error {
	r.mu.Lock()
	entries := r.store
	r.store = make(map[string]*Storage)
	r.mu.Unlock()

	var firstErr error
	for _, s := range entries {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
