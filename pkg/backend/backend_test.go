package backend

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/blockstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns one fresh instance of every Backend implementation,
// each rooted in its own temp directory, so every test below exercises
// both BoltBackend and FileBackend identically.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	bolt, err := OpenBoltBackend(filepath.Join(dir, "bolt.db"), "testdb")
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	file, err := OpenFileBackend(filepath.Join(dir, "files"), "testdb")
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })

	return map[string]Backend{
		"bolt": bolt,
		"file": file,
	}
}

func blockOf(payload string) types.Block {
	var b types.Block
	copy(b[:], payload)
	return b
}

func TestEmptyBackendHasNoManifestOrBlocks(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			meta, marker, err := b.Manifest()
			require.NoError(t, err)
			assert.Empty(t, meta)
			assert.Equal(t, types.CommitMarker(0), marker)

			_, _, found, err := b.PendingManifest()
			require.NoError(t, err)
			assert.False(t, found)

			_, found, err = b.LoadBlock(1)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestCommitPersistsBlocksMetadataAndMarker(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			req := CommitRequest{
				DirtyBlocks: map[types.BlockID]types.Block{1: blockOf("hello")},
				UpdatedMetadata: types.MetadataTable{
					1: {Checksum: 42, Version: 1},
				},
				Allocation: types.AllocationManifest{
					Allocated: map[types.BlockID]struct{}{1: {}},
					NextID:    2,
				},
				NewMarker: 1,
			}
			require.NoError(t, b.Commit(req))

			meta, marker, err := b.Manifest()
			require.NoError(t, err)
			assert.Equal(t, types.CommitMarker(1), marker)
			assert.Equal(t, uint64(1), meta[1].Version)

			block, found, err := b.LoadBlock(1)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, blockOf("hello"), block)

			alloc, err := b.AllocationManifest()
			require.NoError(t, err)
			assert.Contains(t, alloc.Allocated, types.BlockID(1))

			_, _, found, err = b.PendingManifest()
			require.NoError(t, err)
			assert.False(t, found, "pending manifest must not survive a successful commit")
		})
	}
}

func TestCommitRemovesDeallocatedBlockFiles(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Commit(CommitRequest{
				DirtyBlocks:     map[types.BlockID]types.Block{1: blockOf("x")},
				UpdatedMetadata: types.MetadataTable{1: {Version: 1}},
				Allocation:      types.AllocationManifest{Allocated: map[types.BlockID]struct{}{1: {}}, NextID: 2},
				NewMarker:       1,
			}))

			require.NoError(t, b.Commit(CommitRequest{
				UpdatedMetadata: types.MetadataTable{},
				RemovedIDs:      []types.BlockID{1},
				Allocation:      types.AllocationManifest{Allocated: map[types.BlockID]struct{}{}, NextID: 2},
				NewMarker:       2,
			}))

			_, found, err := b.LoadBlock(1)
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestFinalizeAndDiscardPendingManifest(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// simulate a crash between phase 2a and 2b by driving the
			// rawStore primitives directly through a second commit whose
			// finalize we intercept is not possible through the public
			// interface, so instead verify the public recovery hooks
			// behave on an already-finalized (i.e. absent) pending state.
			assert.NoError(t, b.FinalizePendingManifest())
			assert.NoError(t, b.DiscardPendingManifest())
		})
	}
}

func TestListBlockFilesReflectsWrittenBlocks(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Commit(CommitRequest{
				DirtyBlocks: map[types.BlockID]types.Block{
					3: blockOf("a"), 1: blockOf("b"), 2: blockOf("c"),
				},
				UpdatedMetadata: types.MetadataTable{1: {}, 2: {}, 3: {}},
				Allocation: types.AllocationManifest{
					Allocated: map[types.BlockID]struct{}{1: {}, 2: {}, 3: {}},
					NextID:    4,
				},
				NewMarker: 1,
			}))

			ids, err := b.ListBlockFiles()
			require.NoError(t, err)
			assert.Equal(t, []types.BlockID{1, 2, 3}, ids)
		})
	}
}

func TestCoordinationCASOnlySwapsOnMatch(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			coord := b.Coordination()

			ok, err := coord.CAS("leader_testdb", "", "instance-a")
			require.NoError(t, err)
			assert.True(t, ok, "CAS against an absent key with empty oldValue must succeed")

			ok, err = coord.CAS("leader_testdb", "wrong", "instance-b")
			require.NoError(t, err)
			assert.False(t, ok)

			value, found, err := coord.Get("leader_testdb")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "instance-a", value)

			ok, err = coord.CAS("leader_testdb", "instance-a", "instance-c")
			require.NoError(t, err)
			assert.True(t, ok)

			value, _, _ = coord.Get("leader_testdb")
			assert.Equal(t, "instance-c", value)
		})
	}
}

func TestBlockSizeReportsExistence(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := b.BlockSize(99)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, b.Commit(CommitRequest{
				DirtyBlocks:     map[types.BlockID]types.Block{99: blockOf("z")},
				UpdatedMetadata: types.MetadataTable{99: {}},
				Allocation:      types.AllocationManifest{Allocated: map[types.BlockID]struct{}{99: {}}, NextID: 100},
				NewMarker:       1,
			}))

			size, found, err := b.BlockSize(99)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, types.BlockSize, size)
		})
	}
}
