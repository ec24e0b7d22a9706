package backend

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/blockstore/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var coordinationBucket = []byte("coordination")

const (
	keyMetadata        = "metadata"
	keyMetadataPending = "metadata.pending"
	keyAllocations     = "allocations"
	blockKeyPrefix     = "block:"
)

// BoltBackend persists a single logical database's state in one bucket
// of a shared bbolt file, standing in for the single-writer, durable,
// asynchronous key-value store (IndexedDB) spec.md was written against.
// Keys inside the bucket follow the "<kind>[:<id>]" half of the
// "<db>:<kind>[:<id>]" format; the bucket name supplies the "<db>:"
// half, generalizing pkg/storage/boltdb.go's one-bucket-per-entity-kind
// layout to one bucket per logical database.
type BoltBackend struct {
	db     *bolt.DB
	bucket []byte
}

// OpenBoltBackend opens (creating if absent) a bbolt file at path and
// returns a backend scoped to the logical database named db.
func OpenBoltBackend(path string, db string) (*BoltBackend, error) {
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, types.NewError(types.StorageUnavailable, "open_backend", err)
	}
	bucket := []byte(db)
	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(coordinationBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, types.NewError(types.StorageUnavailable, "open_backend", err)
	}
	return &BoltBackend{db: bdb, bucket: bucket}, nil
}

// DefaultBoltPath returns the conventional bbolt file path for a data
// directory, mirroring the teacher's warren.db naming.
func DefaultBoltPath(dataDir string) string {
	return filepath.Join(dataDir, "blockstore.db")
}

func blockKey(id types.BlockID) []byte {
	return []byte(blockKeyPrefix + strconv.FormatUint(uint64(id), 10))
}

func blockIDFromKey(key string) (types.BlockID, bool) {
	if !strings.HasPrefix(key, blockKeyPrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(key, blockKeyPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return types.BlockID(n), true
}

func (b *BoltBackend) Manifest() (types.MetadataTable, types.CommitMarker, error) {
	var doc manifestDoc
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		raw := bucket.Get([]byte(keyMetadata))
		if raw == nil {
			doc = manifestDoc{Metadata: types.MetadataTable{}}
			return nil
		}
		var parseErr error
		doc, parseErr = unmarshalManifest(raw)
		return parseErr
	})
	if err != nil {
		return nil, 0, types.NewError(types.Corruption, "load_manifest", err)
	}
	if doc.Metadata == nil {
		doc.Metadata = types.MetadataTable{}
	}
	return doc.Metadata, doc.Marker, nil
}

func (b *BoltBackend) PendingManifest() (types.MetadataTable, types.CommitMarker, bool, error) {
	var (
		raw []byte
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw = tx.Bucket(b.bucket).Get([]byte(keyMetadataPending))
		return nil
	})
	if err != nil {
		return nil, 0, false, types.NewError(types.StorageUnavailable, "load_pending_manifest", err)
	}
	if raw == nil {
		return nil, 0, false, nil
	}
	doc, err := unmarshalManifest(raw)
	if err != nil {
		return nil, 0, true, types.NewError(types.Corruption, "load_pending_manifest", err)
	}
	return doc.Metadata, doc.Marker, true, nil
}

func (b *BoltBackend) AllocationManifest() (types.AllocationManifest, error) {
	var manifest types.AllocationManifest
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(b.bucket).Get([]byte(keyAllocations))
		if raw == nil {
			return nil
		}
		return manifest.UnmarshalJSON(raw)
	})
	if manifest.Allocated == nil {
		manifest.Allocated = make(map[types.BlockID]struct{})
	}
	if err != nil {
		return manifest, types.NewError(types.Corruption, "load_allocation_manifest", err)
	}
	return manifest, nil
}

func (b *BoltBackend) LoadBlock(id types.BlockID) (types.Block, bool, error) {
	var (
		block types.Block
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(b.bucket).Get(blockKey(id))
		if raw == nil {
			return nil
		}
		found = true
		parsed, convErr := types.BlockFromBytes(raw)
		if convErr != nil {
			return convErr
		}
		block = parsed
		return nil
	})
	if err != nil {
		return types.Block{}, false, types.NewError(types.Corruption, "load_block", err).WithBlock(id)
	}
	return block, found, nil
}

func (b *BoltBackend) BlockSize(id types.BlockID) (int, bool, error) {
	var size int
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(b.bucket).Get(blockKey(id))
		if raw == nil {
			return nil
		}
		found = true
		size = len(raw)
		return nil
	})
	return size, found, err
}

func (b *BoltBackend) ListBlockFiles() ([]types.BlockID, error) {
	var ids []types.BlockID
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if id, ok := blockIDFromKey(string(k)); ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, err
}

func (b *BoltBackend) Commit(req CommitRequest) error {
	return withRetry(func() error {
		return runCommit(&boltRawStore{backend: b}, req)
	})
}

func (b *BoltBackend) FinalizePendingManifest() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		pending := bucket.Get([]byte(keyMetadataPending))
		if pending == nil {
			return nil
		}
		if err := bucket.Put([]byte(keyMetadata), pending); err != nil {
			return err
		}
		return bucket.Delete([]byte(keyMetadataPending))
	})
}

func (b *BoltBackend) DiscardPendingManifest() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(keyMetadataPending))
	})
}

func (b *BoltBackend) RemoveBlockFile(id types.BlockID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete(blockKey(id))
	})
}

func (b *BoltBackend) Coordination() Coordination {
	return &boltCoordination{db: b.db}
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// boltRawStore adapts BoltBackend to the rawStore interface runCommit
// drives. Each write runs in its own transaction; bolt.DB.Update already
// fsyncs on commit, which stands in for the explicit barrier spec.md
// calls for between commit phases.
type boltRawStore struct {
	backend *BoltBackend
}

func (s *boltRawStore) writeBlock(id types.BlockID, data types.Block) error {
	return s.backend.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.backend.bucket).Put(blockKey(id), data[:])
	})
}

func (s *boltRawStore) writePendingManifest(doc manifestDoc) error {
	raw, err := marshalManifest(doc)
	if err != nil {
		return err
	}
	return s.backend.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.backend.bucket).Put([]byte(keyMetadataPending), raw)
	})
}

func (s *boltRawStore) finalizeManifest() error {
	return s.backend.FinalizePendingManifest()
}

func (s *boltRawStore) discardPendingManifest() error {
	return s.backend.DiscardPendingManifest()
}

func (s *boltRawStore) writeAllocation(manifest types.AllocationManifest) error {
	raw, err := manifest.MarshalJSON()
	if err != nil {
		return err
	}
	return s.backend.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.backend.bucket).Put([]byte(keyAllocations), raw)
	})
}

func (s *boltRawStore) removeBlock(id types.BlockID) error {
	return s.backend.RemoveBlockFile(id)
}

func (s *boltRawStore) barrier() error {
	// bolt.DB.Update already commits (and fsyncs, unless NoSync is set)
	// before returning, so the barrier between phases is implicit in
	// each prior transaction having already returned.
	return nil
}

// boltCoordination implements Coordination over the shared coordination
// bucket, independent of any single logical database's bucket.
type boltCoordination struct {
	db *bolt.DB
}

func (c *boltCoordination) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(coordinationBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		value = string(raw)
		return nil
	})
	return value, found, err
}

func (c *boltCoordination) Put(key string, value string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(coordinationBucket).Put([]byte(key), []byte(value))
	})
}

func (c *boltCoordination) CAS(key string, oldValue string, newValue string) (bool, error) {
	var swapped bool
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(coordinationBucket)
		current := bucket.Get([]byte(key))
		if (current == nil && oldValue != "") || (current != nil && string(current) != oldValue) {
			return nil
		}
		swapped = true
		return bucket.Put([]byte(key), []byte(newValue))
	})
	return swapped, err
}

var _ Backend = (*BoltBackend)(nil)
