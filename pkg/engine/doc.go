// Package engine ties the cache, allocation map, persistence back-end,
// recovery scanner, commit-marker gate, and leader election together
// behind the block-device interface the VFS adapter consumes: Open,
// ReadBlock/WriteBlock, AllocateBlock/DeallocateBlock, Sync/ForceSync,
// CommitMarker, Close. It also holds the process-global StorageRegistry.
package engine
