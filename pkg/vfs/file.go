package vfs

import (
	"sync"

	"github.com/cuemby/blockstore/pkg/engine"
	"github.com/cuemby/blockstore/pkg/types"
)

// File is one open logical database as seen through the VFS interface.
type File struct {
	storage *engine.Storage

	lockMu    sync.Mutex
	locked    bool
	exclusive bool
}

// Open opens (or attaches to an already-open) logical database and
// wraps it for VFS-style access. This is xOpen.
func Open(name string, cfg engine.Config) (*File, error) {
	s, err := engine.StorageRegistry.OpenOrGet(name, cfg)
	if err != nil {
		return nil, err
	}
	return &File{storage: s}, nil
}

func blockIDForOffset(offset int64) types.BlockID {
	return types.BlockID(offset/types.BlockSize) + 1
}

func blockStartOffset(id types.BlockID) int64 {
	return int64(id-1) * types.BlockSize
}

// XRead assembles length bytes starting at offset from the underlying
// blocks, zero-filling any range past the allocated end of the file.
func (f *File) XRead(offset int64, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	out := make([]byte, length)

	firstID := blockIDForOffset(offset)
	lastID := blockIDForOffset(offset + length - 1)

	for id := firstID; id <= lastID; id++ {
		block, err := f.storage.ReadBlock(id)
		if err != nil {
			if kind, ok := types.KindOf(err); ok && kind == types.NotFound {
				block = types.Block{} // zero-fill past the allocated end
			} else {
				return nil, err
			}
		}

		blockStart := blockStartOffset(id)
		srcFrom := int64(0)
		if offset > blockStart {
			srcFrom = offset - blockStart
		}
		srcTo := int64(types.BlockSize)
		if blockStart+int64(types.BlockSize) > offset+length {
			srcTo = offset + length - blockStart
		}
		if srcFrom >= srcTo {
			continue
		}

		dstFrom := blockStart + srcFrom - offset
		copy(out[dstFrom:], block[srcFrom:srcTo])
	}

	return out, nil
}

// XWrite performs a read-modify-write of every block data covers,
// reserving (allocating) any block id touched for the first time.
func (f *File) XWrite(offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	length := int64(len(data))

	firstID := blockIDForOffset(offset)
	lastID := blockIDForOffset(offset + length - 1)

	for id := firstID; id <= lastID; id++ {
		if err := f.storage.ReserveBlock(id); err != nil {
			return err
		}

		block, err := f.storage.ReadBlock(id)
		if err != nil {
			return err
		}

		blockStart := blockStartOffset(id)
		dstFrom := int64(0)
		if offset > blockStart {
			dstFrom = offset - blockStart
		}
		dstTo := int64(types.BlockSize)
		if blockStart+int64(types.BlockSize) > offset+length {
			dstTo = offset + length - blockStart
		}
		if dstFrom >= dstTo {
			continue
		}

		srcFrom := blockStart + dstFrom - offset
		copy(block[dstFrom:dstTo], data[srcFrom:])

		if err := f.storage.WriteBlock(id, block); err != nil {
			return err
		}
	}

	return nil
}

// XTruncate deallocates every block whose first byte is at or past size.
func (f *File) XTruncate(size int64) error {
	for _, id := range f.storage.AllocatedIDs() {
		if blockStartOffset(id) >= size {
			if err := f.storage.DeallocateBlock(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// XFileSize returns the allocated block count times BlockSize.
func (f *File) XFileSize() (int64, error) {
	return int64(f.storage.AllocatedCount()) * types.BlockSize, nil
}

// XSync is the durability barrier: it always forces a full ForceSync,
// never honoring the auto-sync policy's debounce window, and does not
// return until the commit marker has advanced.
func (f *File) XSync(flags int) error {
	return f.storage.ForceSync()
}

// XLock acquires a local lock on this file handle. An EXCLUSIVE lock
// attempt by a non-leader instance (without an override) fails with a
// NotLeader error, per spec.md §4.9's xLock/xUnlock mapping.
func (f *File) XLock(exclusive bool) error {
	if exclusive {
		if err := f.storage.CheckLeader(); err != nil {
			return err
		}
	}
	f.lockMu.Lock()
	defer f.lockMu.Unlock()
	f.locked = true
	f.exclusive = exclusive
	return nil
}

// XUnlock releases this file handle's local lock.
func (f *File) XUnlock() error {
	f.lockMu.Lock()
	defer f.lockMu.Unlock()
	f.locked = false
	f.exclusive = false
	return nil
}

// XClose closes the underlying Storage.
func (f *File) XClose() error {
	return f.storage.Close()
}
