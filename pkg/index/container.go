// Package index implements the object index and container directory:
// thin wrappers over pkg/btree mapping container-id to container-root
// and, per container, object-id to object-root.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/vos/pkg/btree"
	"github.com/cuemby/vos/pkg/pmem"
	"github.com/cuemby/vos/pkg/types"
)

// ErrNotFound is returned when a container or object id is absent.
var ErrNotFound = errors.New("index: not found")

// ErrInvalType is returned when an object-id's type field falls outside
// the closed enumeration.
var ErrInvalType = errors.New("index: invalid object type")

// ContainerHeader is the value stored in the container directory: the
// root of that container's object index plus its aggregation cursor and
// policy descriptor.
type ContainerHeader struct {
	ObjIndexRoot pmem.BlockID
	AggCursor    types.Epoch
	Policy       []byte
}

func encodeContainerHeader(h ContainerHeader) []byte {
	buf := make([]byte, 16+len(h.Policy))
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.ObjIndexRoot))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.AggCursor))
	copy(buf[16:], h.Policy)
	return buf
}

func decodeContainerHeader(data []byte) (ContainerHeader, error) {
	if len(data) < 16 {
		return ContainerHeader{}, fmt.Errorf("index: truncated container header")
	}
	return ContainerHeader{
		ObjIndexRoot: pmem.BlockID(binary.BigEndian.Uint64(data[0:8])),
		AggCursor:    types.Epoch(binary.BigEndian.Uint64(data[8:16])),
		Policy:       append([]byte(nil), data[16:]...),
	}, nil
}

// ContainerDirectory is the one-per-pool tree mapping container UUID to its
// ContainerHeader.
type ContainerDirectory struct {
	tree *btree.Tree
}

// CreateContainerDirectory allocates a fresh, empty directory.
func CreateContainerDirectory(arena *pmem.Arena, tx *pmem.Tx) (*ContainerDirectory, error) {
	t, err := btree.Create(arena, tx, btree.NewLexicalClass("container-dir", 64))
	if err != nil {
		return nil, err
	}
	return &ContainerDirectory{tree: t}, nil
}

// OpenContainerDirectory reopens a directory at a previously persisted root.
func OpenContainerDirectory(arena *pmem.Arena, root pmem.BlockID) *ContainerDirectory {
	t := btree.Open(arena, btree.NewLexicalClass("container-dir", 64), root)
	return &ContainerDirectory{tree: t}
}

// Root returns the directory's current root block, for persisting into the
// pool superblock.
func (d *ContainerDirectory) Root() pmem.BlockID { return d.tree.Root() }

// Reset rewinds the handle to a previously captured root after an aborted
// transaction, discarding any cached nodes the abort invalidated.
func (d *ContainerDirectory) Reset(root pmem.BlockID) { d.tree.Reset(root) }

// Create registers a new container under id with an empty object index,
// failing if id already exists.
func (d *ContainerDirectory) Create(tx *pmem.Tx, arena *pmem.Arena, id uuid.UUID) (*ObjectIndex, error) {
	oi, err := CreateObjectIndex(arena, tx)
	if err != nil {
		return nil, err
	}
	h := ContainerHeader{ObjIndexRoot: oi.Root()}
	err = d.tree.Update(tx, id[:], encodeContainerHeader(h), btree.CondInsert)
	if err != nil {
		if errors.Is(err, btree.ErrPrecondFail) {
			return nil, fmt.Errorf("index: container %s already exists", id)
		}
		return nil, err
	}
	return oi, nil
}

// Open returns the object index and header for an existing container.
func (d *ContainerDirectory) Open(arena *pmem.Arena, id uuid.UUID) (*ObjectIndex, ContainerHeader, error) {
	_, val, err := d.tree.Fetch(btree.ProbeEq, id[:])
	if errors.Is(err, btree.ErrNotFound) {
		return nil, ContainerHeader{}, ErrNotFound
	}
	if err != nil {
		return nil, ContainerHeader{}, err
	}
	h, err := decodeContainerHeader(val)
	if err != nil {
		return nil, ContainerHeader{}, err
	}
	return OpenObjectIndex(arena, h.ObjIndexRoot), h, nil
}

// UpdateHeader persists h back for container id, e.g. after an object
// index root change from a write, or an aggregation-cursor advance.
func (d *ContainerDirectory) UpdateHeader(tx *pmem.Tx, id uuid.UUID, h ContainerHeader) error {
	return d.tree.Update(tx, id[:], encodeContainerHeader(h), btree.CondAny)
}

// Destroy frees a container's object index tree nodes and removes its
// directory entry. The per-object dkey/akey trees, punch histories and
// value blocks that the object headers point at are not freed.
func (d *ContainerDirectory) Destroy(tx *pmem.Tx, arena *pmem.Arena, id uuid.UUID) error {
	oi, _, err := d.Open(arena, id)
	if err != nil {
		return err
	}
	if err := oi.tree.Destroy(tx); err != nil {
		return err
	}
	return d.tree.Delete(tx, id[:])
}

// List enumerates container ids, forwarding to the directory's iterator.
func (d *ContainerDirectory) List(max int) ([]uuid.UUID, error) {
	it := d.tree.IterPrepare(btree.IterOpts{})
	if err := it.IterProbe(btree.ProbeFirst, nil); err != nil {
		if errors.Is(err, btree.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out []uuid.UUID
	for len(out) < max {
		k, _, err := it.IterFetch()
		if err != nil {
			return out, err
		}
		id, err := uuid.FromBytes(k)
		if err != nil {
			return out, err
		}
		out = append(out, id)
		if err := it.IterNext(); err != nil {
			break
		}
	}
	return out, nil
}
