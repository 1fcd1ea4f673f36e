package index

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cuemby/vos/pkg/btree"
	"github.com/cuemby/vos/pkg/pmem"
	"github.com/cuemby/vos/pkg/types"
)

const maxMarkLen = 32

// ObjectHeader is the value stored in an object index entry: the root of
// the object's distribution-key tree, per-object flags, the epoch the
// object was first written at (for epoch-scoped listing), and an optional
// opaque mark.
type ObjectHeader struct {
	DkeyRoot      pmem.BlockID
	PunchHistRoot pmem.BlockID
	Flags         uint32
	CreatedEpoch  types.Epoch
	Mark          []byte
}

func encodeObjectHeader(h ObjectHeader) []byte {
	buf := make([]byte, 29+len(h.Mark))
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.DkeyRoot))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.PunchHistRoot))
	binary.BigEndian.PutUint32(buf[16:20], h.Flags)
	binary.BigEndian.PutUint64(buf[20:28], uint64(h.CreatedEpoch))
	buf[28] = byte(len(h.Mark))
	copy(buf[29:], h.Mark)
	return buf
}

func decodeObjectHeader(data []byte) (ObjectHeader, error) {
	if len(data) < 29 {
		return ObjectHeader{}, fmt.Errorf("index: truncated object header")
	}
	markLen := int(data[28])
	if len(data) < 29+markLen {
		return ObjectHeader{}, fmt.Errorf("index: truncated object header mark")
	}
	return ObjectHeader{
		DkeyRoot:      pmem.BlockID(binary.BigEndian.Uint64(data[0:8])),
		PunchHistRoot: pmem.BlockID(binary.BigEndian.Uint64(data[8:16])),
		Flags:         binary.BigEndian.Uint32(data[16:20]),
		CreatedEpoch:  types.Epoch(binary.BigEndian.Uint64(data[20:28])),
		Mark:          append([]byte(nil), data[29:29+markLen]...),
	}, nil
}

func objectIDKey(id types.ObjectID) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], id.Hi)
	binary.BigEndian.PutUint64(b[8:16], id.Lo)
	return b[:]
}

func objectIDFromKey(k []byte) types.ObjectID {
	return types.ObjectID{
		Hi: binary.BigEndian.Uint64(k[0:8]),
		Lo: binary.BigEndian.Uint64(k[8:16]),
	}
}

// ObjectIndex is the one-per-container tree mapping object-id to its
// ObjectHeader.
type ObjectIndex struct {
	tree *btree.Tree
}

// CreateObjectIndex allocates a fresh, empty object index.
func CreateObjectIndex(arena *pmem.Arena, tx *pmem.Tx) (*ObjectIndex, error) {
	t, err := btree.Create(arena, tx, btree.NewLexicalClass("object-index", 64))
	if err != nil {
		return nil, err
	}
	return &ObjectIndex{tree: t}, nil
}

// OpenObjectIndex reopens an object index at a previously persisted root.
func OpenObjectIndex(arena *pmem.Arena, root pmem.BlockID) *ObjectIndex {
	t := btree.Open(arena, btree.NewLexicalClass("object-index", 64), root)
	return &ObjectIndex{tree: t}
}

// Root returns the index's current root block.
func (oi *ObjectIndex) Root() pmem.BlockID { return oi.tree.Root() }

// Reset rewinds the handle to a previously captured root after an aborted
// transaction, discarding any cached nodes the abort invalidated.
func (oi *ObjectIndex) Reset(root pmem.BlockID) { oi.tree.Reset(root) }

// EnsureCreated inserts a header for id at createdEpoch the first time it
// is written, refusing any id whose type field is outside the closed
// enumeration. It is a no-op (returns the existing
// header) if id is already present.
func (oi *ObjectIndex) EnsureCreated(tx *pmem.Tx, id types.ObjectID, createdEpoch types.Epoch) (ObjectHeader, error) {
	if !id.Type().Valid() {
		return ObjectHeader{}, ErrInvalType
	}
	_, val, err := oi.tree.Fetch(btree.ProbeEq, objectIDKey(id))
	if err == nil {
		return decodeObjectHeader(val)
	}
	if !errors.Is(err, btree.ErrNotFound) {
		return ObjectHeader{}, err
	}
	h := ObjectHeader{CreatedEpoch: createdEpoch}
	if err := oi.tree.Update(tx, objectIDKey(id), encodeObjectHeader(h), btree.CondInsert); err != nil {
		return ObjectHeader{}, err
	}
	return h, nil
}

// Get returns the header for id.
func (oi *ObjectIndex) Get(id types.ObjectID) (ObjectHeader, error) {
	_, val, err := oi.tree.Fetch(btree.ProbeEq, objectIDKey(id))
	if errors.Is(err, btree.ErrNotFound) {
		return ObjectHeader{}, ErrNotFound
	}
	if err != nil {
		return ObjectHeader{}, err
	}
	return decodeObjectHeader(val)
}

// Put persists an updated header for id, e.g. after a dkey tree root
// changes on first write under it.
func (oi *ObjectIndex) Put(tx *pmem.Tx, id types.ObjectID, h ObjectHeader) error {
	return oi.tree.Update(tx, objectIDKey(id), encodeObjectHeader(h), btree.CondAny)
}

// Mark sets an opaque tag (≤32 bytes) on id's entry; it is
// cleared only by an explicit Clear call.
func (oi *ObjectIndex) Mark(tx *pmem.Tx, id types.ObjectID, tag []byte) error {
	if len(tag) > maxMarkLen {
		return fmt.Errorf("index: mark exceeds %d bytes", maxMarkLen)
	}
	h, err := oi.Get(id)
	if err != nil {
		return err
	}
	h.Mark = append([]byte(nil), tag...)
	return oi.Put(tx, id, h)
}

// Clear removes id's mark.
func (oi *ObjectIndex) Clear(tx *pmem.Tx, id types.ObjectID) error {
	h, err := oi.Get(id)
	if err != nil {
		return err
	}
	h.Mark = nil
	return oi.Put(tx, id, h)
}

// List enumerates object ids present at or before snapshotEpoch, in
// (Hi, Lo) id order — the tree key is the id's big-endian encoding, so
// the lexical class's byte order is id order — starting after anchor
// (nil for the beginning), up to max entries. Returns the batch and the
// new anchor to resume from.
func (oi *ObjectIndex) List(snapshotEpoch types.Epoch, anchor []byte, max int) ([]types.ObjectID, []byte, error) {
	it := oi.tree.IterPrepare(btree.IterOpts{})
	var err error
	if anchor == nil {
		err = it.IterProbe(btree.ProbeFirst, nil)
	} else {
		err = it.IterProbe(btree.ProbeGe, anchor)
		if err == nil {
			if k, _, ferr := it.IterFetch(); ferr == nil && string(k) == string(anchor) {
				err = it.IterNext()
			}
		}
	}
	if errors.Is(err, btree.ErrNotFound) {
		return nil, anchor, nil
	}
	if err != nil {
		return nil, anchor, err
	}

	var out []types.ObjectID
	var next []byte
	for len(out) < max {
		k, v, ferr := it.IterFetch()
		if ferr != nil {
			break
		}
		h, derr := decodeObjectHeader(v)
		if derr != nil {
			return out, next, derr
		}
		if h.CreatedEpoch <= snapshotEpoch {
			out = append(out, objectIDFromKey(k))
			next = append([]byte(nil), k...)
		}
		if nerr := it.IterNext(); nerr != nil {
			next = nil
			break
		}
	}
	return out, next, nil
}
