package pmem

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlocks = []byte("blocks")
	bucketCA     = []byte("ca")
)

// BlockID identifies one allocated unit inside the arena. The arena never
// hands out 0, which callers use to mean "no block".
type BlockID uint64

// Arena is the persistent memory arena: a flat space of byte-slice blocks
// allocated and freed by id, all living in a single bbolt bucket.
type Arena struct {
	mu     sync.Mutex
	db     *bolt.DB
	free   *roaring64.Bitmap
	nextID uint64
}

// OpenArena opens (creating if absent) the arena's backing bbolt file
// under dataDir and recovers the next unused block id by scanning
// existing keys. The in-memory free-block bitmap is never persisted and
// starts empty on every open, so ids freed before the arena was closed
// are not reused afterwards; within one open, a freed id enters the
// bitmap only when its transaction commits.
func OpenArena(dataDir string) (*Arena, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "arena.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("pmem: open arena: %w", err)
	}
	a := &Arena{db: db, free: roaring64.New(), nextID: 1}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketCA); err != nil {
			return err
		}
		b, err := tx.CreateBucketIfNotExists(bucketBlocks)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			id := binary.BigEndian.Uint64(k)
			if id >= a.nextID {
				a.nextID = id + 1
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func blockKey(id BlockID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

// Alloc reserves a block id — reusing one freed by a prior committed
// transaction before minting a new one — and writes data into it within
// tx. The id is not visible to other readers until tx commits.
func (a *Arena) Alloc(tx *Tx, data []byte) (BlockID, error) {
	a.mu.Lock()
	var id BlockID
	if !a.free.IsEmpty() {
		it := a.free.Iterator()
		v := it.Next()
		a.free.Remove(v)
		id = BlockID(v)
	} else {
		id = BlockID(a.nextID)
		a.nextID++
	}
	a.mu.Unlock()

	if err := a.put(tx, id, data); err != nil {
		return 0, err
	}
	return id, nil
}

func (a *Arena) put(tx *Tx, id BlockID, data []byte) error {
	b := tx.btx.Bucket(bucketBlocks)
	if err := b.Put(blockKey(id), data); err != nil {
		return err
	}
	tx.addRange(id, data)
	return nil
}

// Write overwrites an already-allocated block in place.
func (a *Arena) Write(tx *Tx, id BlockID, data []byte) error {
	return a.put(tx, id, data)
}

// Free releases a block. The id is only returned to the free bitmap once
// the owning transaction commits (Tx.Commit calls Arena.reclaim), so an
// aborted free never lets the id be reused while a reader might still
// hold a reference to the block it named.
func (a *Arena) Free(tx *Tx, id BlockID) error {
	b := tx.btx.Bucket(bucketBlocks)
	if err := b.Delete(blockKey(id)); err != nil {
		return err
	}
	tx.addRange(id, nil)
	tx.freed = append(tx.freed, id)
	return nil
}

// ReplayRange applies one WAL-recorded range directly against the backing
// store outside of any Tx, the way WAL.Replay reconstructs arena state on
// pool open. A nil data redoes a free; otherwise it
// redoes a write, also advancing nextID so ids seen only through replay
// (never reaching a committed bolt transaction before the crash) are not
// handed out again.
func (a *Arena) ReplayRange(id BlockID, data []byte) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		if data == nil {
			return b.Delete(blockKey(id))
		}
		return b.Put(blockKey(id), data)
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	if uint64(id) >= a.nextID {
		a.nextID = uint64(id) + 1
	}
	a.mu.Unlock()
	return nil
}

// Read fetches a block's current committed bytes.
func (a *Arena) Read(id BlockID) ([]byte, error) {
	var out []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		v := b.Get(blockKey(id))
		if v == nil {
			return fmt.Errorf("%w: block %d", ErrNotFound, id)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// BytesInUse sums the size of every currently allocated block.
func (a *Arena) BytesInUse() uint64 {
	var n uint64
	_ = a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		return b.ForEach(func(_, v []byte) error {
			n += uint64(len(v))
			return nil
		})
	})
	return n
}

// BytesFree reports the number of block ids reclaimed and available for
// reuse. The arena grows its backing file on demand rather than
// pre-allocating a fixed-size region, so this counts logically free ids,
// not physical bytes reserved on disk.
func (a *Arena) BytesFree() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.GetCardinality()
}

// SaveCA writes a record under a single well-known key in its own
// bucket, used for the pool superblock, which the layout fixes at a
// known location rather than an allocated, freeable block.
func (a *Arena) SaveCA(tx *Tx, key string, data []byte) error {
	b := tx.btx.Bucket(bucketCA)
	if err := b.Put([]byte(key), data); err != nil {
		return err
	}
	return nil
}

// LoadCA reads back a record written by SaveCA.
func (a *Arena) LoadCA(key string) ([]byte, error) {
	var out []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Begin starts a new top-level transaction against the arena.
func (a *Arena) Begin() (*Tx, error) {
	btx, err := a.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("pmem: begin tx: %w", err)
	}
	return &Tx{arena: a, btx: btx, depth: 1}, nil
}

// Close closes the arena's backing store.
func (a *Arena) Close() error {
	return a.db.Close()
}

// reclaim returns freed block ids to the bitmap once their owning
// transaction has committed.
func (a *Arena) reclaim(ids []BlockID) {
	if len(ids) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		a.free.Add(uint64(id))
	}
}
