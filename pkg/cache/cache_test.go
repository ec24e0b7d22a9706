package cache

import (
	"sync"
	"testing"

	"github.com/cuemby/blockstore/pkg/checksum"
	"github.com/cuemby/blockstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLoader stands in for a persistence backend: a fixed map of blocks
// and metadata, with an optional hook to simulate load errors.
type fakeLoader struct {
	mu      sync.Mutex
	blocks  map[types.BlockID]types.Block
	meta    map[types.BlockID]types.BlockMetadata
	loadErr error
	loads   int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		blocks: make(map[types.BlockID]types.Block),
		meta:   make(map[types.BlockID]types.BlockMetadata),
	}
}

func (f *fakeLoader) put(id types.BlockID, payload []byte) {
	var b types.Block
	copy(b[:], payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[id] = b
	f.meta[id] = types.BlockMetadata{
		Checksum: checksum.Compute(b[:]),
		Version:  1,
		Algo:     checksum.Default,
	}
}

func (f *fakeLoader) LoadBlock(id types.BlockID) (types.Block, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return types.Block{}, false, f.loadErr
	}
	b, ok := f.blocks[id]
	return b, ok, nil
}

func (f *fakeLoader) LoadMetadata(id types.BlockID) (types.BlockMetadata, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, ok := f.meta[id]
	return md, ok
}

func TestReadMissingBlockReturnsZeroBlock(t *testing.T) {
	loader := newFakeLoader()
	c := New(4, loader)

	b, err := c.Read(42)
	require.NoError(t, err)
	assert.Equal(t, types.ZeroBlock(), b)
}

func TestReadLoadsThroughOnMiss(t *testing.T) {
	loader := newFakeLoader()
	loader.put(1, []byte("hello block one"))
	c := New(4, loader)

	b, err := c.Read(1)
	require.NoError(t, err)
	assert.Equal(t, byte('h'), b[0])
	assert.Equal(t, 1, loader.loads)

	// second read is served from cache, not the loader again
	_, err = c.Read(1)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.loads)
}

func TestReadDetectsCorruption(t *testing.T) {
	loader := newFakeLoader()
	loader.put(1, []byte("original contents"))
	// corrupt the stored metadata's checksum so it no longer matches the block
	loader.mu.Lock()
	md := loader.meta[1]
	md.Checksum ^= 0xdeadbeef
	loader.meta[1] = md
	loader.mu.Unlock()

	c := New(4, loader)
	_, err := c.Read(1)
	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.Corruption, kind)
}

func TestWriteThenReadReturnsWrittenData(t *testing.T) {
	loader := newFakeLoader()
	c := New(4, loader)

	var payload types.Block
	copy(payload[:], "freshly written")
	c.Write(5, payload)

	b, err := c.Read(5)
	require.NoError(t, err)
	assert.Equal(t, payload, b)
	assert.Equal(t, 0, loader.loads, "a dirty write must be served from cache without touching the loader")
}

func TestWriteMarksBlockDirty(t *testing.T) {
	loader := newFakeLoader()
	c := New(4, loader)

	var payload types.Block
	c.Write(9, payload)

	assert.Contains(t, c.DirtyIDs(), types.BlockID(9))
	assert.Equal(t, 1, c.DirtyCount())
	assert.Equal(t, types.BlockSize, c.DirtyBytes())
}

func TestWriteBumpsVersion(t *testing.T) {
	loader := newFakeLoader()
	c := New(4, loader)

	var payload types.Block
	c.Write(1, payload)
	md1, _ := c.Metadata(1)

	c.Write(1, payload)
	md2, _ := c.Metadata(1)

	assert.Equal(t, md1.Version+1, md2.Version)
}

func TestMarkPersistedClearsDirtyAndUpdatesMetadata(t *testing.T) {
	loader := newFakeLoader()
	c := New(4, loader)

	var payload types.Block
	c.Write(1, payload)
	require.Equal(t, 1, c.DirtyCount())

	official := types.MetadataTable{
		1: {Checksum: checksum.Compute(payload[:]), Version: 1, Algo: checksum.Default},
	}
	c.MarkPersisted([]types.BlockID{1}, official)

	assert.Equal(t, 0, c.DirtyCount())
	md, ok := c.Metadata(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), md.Version)
}

func TestDirtyEntriesAreNeverEvicted(t *testing.T) {
	loader := newFakeLoader()
	c := New(2, loader)

	var payload types.Block
	for i := types.BlockID(1); i <= 5; i++ {
		c.Write(i, payload)
	}

	// capacity is 2 but every entry is dirty, so nothing was evicted
	assert.Equal(t, 5, c.DirtyCount())
	for i := types.BlockID(1); i <= 5; i++ {
		_, ok := c.BlockData(i)
		assert.True(t, ok, "dirty block %d must remain resident despite exceeding capacity", i)
	}
}

func TestCleanEntriesAreEvictedBeyondCapacity(t *testing.T) {
	loader := newFakeLoader()
	for i := types.BlockID(1); i <= 5; i++ {
		loader.put(i, []byte("payload"))
	}
	c := New(2, loader)

	for i := types.BlockID(1); i <= 5; i++ {
		_, err := c.Read(i)
		require.NoError(t, err)
	}

	resident := 0
	for i := types.BlockID(1); i <= 5; i++ {
		if _, ok := c.BlockData(i); ok {
			resident++
		}
	}
	assert.LessOrEqual(t, resident, 2)
}

func TestForgetRemovesAllTraces(t *testing.T) {
	loader := newFakeLoader()
	c := New(4, loader)

	var payload types.Block
	c.Write(3, payload)
	c.Forget(3)

	_, ok := c.BlockData(3)
	assert.False(t, ok)
	_, ok = c.Metadata(3)
	assert.False(t, ok)
	assert.NotContains(t, c.DirtyIDs(), types.BlockID(3))
}

func TestConcurrentReadsAndWritesToDifferentBlocksDoNotBlock(t *testing.T) {
	loader := newFakeLoader()
	for i := types.BlockID(1); i <= 20; i++ {
		loader.put(i, []byte("payload"))
	}
	c := New(50, loader)

	var wg sync.WaitGroup
	for i := types.BlockID(1); i <= 20; i++ {
		wg.Add(1)
		go func(id types.BlockID) {
			defer wg.Done()
			_, _ = c.Read(id)
			var payload types.Block
			c.Write(id, payload)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, c.DirtyCount())
}
