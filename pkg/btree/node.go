package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/vos/pkg/pmem"
)

// entry is one (hash, optional full key) comparison key stored in a node.
type entry struct {
	Hash uint64
	Full []byte // present iff the owning class embeds keys
}

// less and equal define the tree's total order. A class with a Compare
// function orders by the full embedded key — this is what makes
// iteration, ge/le probes, and first/last reflect the key's own
// lexicographic (or numeric) order. Hash-only classes order by hash, so
// their iteration order is arbitrary but stable.
func (c *Class) less(a, b entry) bool {
	if c.Compare != nil {
		return c.Compare(a.Full, b.Full) < 0
	}
	return a.Hash < b.Hash
}

func (c *Class) equal(a, b entry) bool {
	if c.Compare != nil {
		return c.Compare(a.Full, b.Full) == 0
	}
	return a.Hash == b.Hash
}

// node is the in-memory decoded form of one on-disk B-tree node: a fixed
// header of flags and key count plus an inline array of (hashed-key,
// record-or-child-offset). This package models it as a B+tree node:
// internal nodes only route, leaves hold the records and are linked both
// ways for iteration.
type node struct {
	id       pmem.BlockID
	leaf     bool
	root     bool
	keys     []entry
	values   [][]byte       // leaf only, parallel to keys
	children []pmem.BlockID // internal only, len == len(keys)+1
	next     pmem.BlockID   // leaf only: right sibling, 0 if none
	prev     pmem.BlockID   // leaf only: left sibling, 0 if none
}

// flags byte bits.
const (
	flagLeaf = 1 << 0
	flagRoot = 1 << 1
)

func encodeNode(n *node, embedsKey bool) []byte {
	buf := make([]byte, 0, 64+len(n.keys)*32)
	var flags byte
	if n.leaf {
		flags |= flagLeaf
	}
	if n.root {
		flags |= flagRoot
	}
	buf = append(buf, flags)
	buf = appendUint64(buf, uint64(len(n.keys)))
	buf = appendUint64(buf, uint64(n.next))
	buf = appendUint64(buf, uint64(n.prev))
	for i, k := range n.keys {
		buf = appendUint64(buf, k.Hash)
		if embedsKey {
			buf = appendBytes(buf, k.Full)
		}
		if n.leaf {
			buf = appendBytes(buf, n.values[i])
		} else {
			buf = appendUint64(buf, uint64(n.children[i]))
		}
	}
	if !n.leaf {
		buf = appendUint64(buf, uint64(n.children[len(n.keys)]))
	}
	return buf
}

func decodeNode(id pmem.BlockID, data []byte, embedsKey bool) (*node, error) {
	if len(data) < 1+8+8+8 {
		return nil, fmt.Errorf("btree: truncated node %d", id)
	}
	n := &node{id: id}
	flags := data[0]
	n.leaf = flags&flagLeaf != 0
	n.root = flags&flagRoot != 0
	off := 1
	count, off := readUint64(data, off)
	nextVal, off := readUint64(data, off)
	n.next = pmem.BlockID(nextVal)
	prevVal, off := readUint64(data, off)
	n.prev = pmem.BlockID(prevVal)

	for i := uint64(0); i < count; i++ {
		var k entry
		var v uint64
		v, off = readUint64(data, off)
		k.Hash = v
		if embedsKey {
			var full []byte
			full, off = readBytes(data, off)
			k.Full = full
		}
		n.keys = append(n.keys, k)
		if n.leaf {
			var val []byte
			val, off = readBytes(data, off)
			n.values = append(n.values, val)
		} else {
			var child uint64
			child, off = readUint64(data, off)
			n.children = append(n.children, pmem.BlockID(child))
		}
	}
	if !n.leaf {
		var child uint64
		child, off = readUint64(data, off)
		n.children = append(n.children, pmem.BlockID(child))
	}
	return n, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint64(buf, uint64(len(v)))
	return append(buf, v...)
}

func readUint64(data []byte, off int) (uint64, int) {
	return binary.BigEndian.Uint64(data[off : off+8]), off + 8
}

func readBytes(data []byte, off int) ([]byte, int) {
	n, off := readUint64(data, off)
	end := off + int(n)
	return append([]byte(nil), data[off:end]...), end
}
