// Package btree implements a class-parameterised ordered map persisted
// in a pmem arena: records live adjacent to their keys inside
// arena-backed nodes, splits propagate leaf-to-root, and every mutation
// runs inside a pmem transaction. It is a persistent structure, distinct
// from the in-memory github.com/google/btree that pkg/epoch uses for its
// snapshot set.
package btree

import (
	"github.com/cespare/xxhash/v2"
)

// Features is a bitmask of optional per-class behaviour.
type Features uint32

const (
	// FeatEmbeddedKey stores the full key inline in the node alongside
	// its hash, instead of only the hash; required whenever the class
	// has a Compare function, since ordering by full key needs the
	// original bytes in every node.
	FeatEmbeddedKey Features = 1 << iota
	// FeatDynamicRoot marks a class whose tree root may be reassigned in
	// place. No constructor in this package sets it, and the tree does
	// not read it.
	FeatDynamicRoot
)

// Class supplies the per-tree-instance behaviour a tree needs: how keys
// are ordered (a full-key comparator, or a fixed-size hash for classes
// that never need key order), and the maximum fan-out of a node. It is a
// plain struct of functions rather than an interface, since every
// instance of a given class shares identical behaviour and only the tree
// instance (its arena, its root) varies.
type Class struct {
	// Name identifies the class for diagnostics (e.g. "dkey-lexical").
	Name string
	// Order bounds live keys per node to Order-1; an Order below 3 is
	// treated as 3.
	Order int
	// Features is the class's optional-behaviour bitmask.
	Features Features
	// Hash reduces a raw key to a fixed-size digest. For classes with a
	// Compare function it only feeds the iterator's collision counter;
	// for hash-only classes it IS the tree order.
	Hash func(key []byte) uint64
	// Compare, when non-nil, is the tree's total order over full keys.
	// A nil Compare means the tree orders by Hash alone and the class
	// forbids colliding distinct keys outright.
	Compare func(a, b []byte) int
}

// xxhashKey is the default Hash function shared by every class: a single
// fast, well-distributed 64-bit hash.
func xxhashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// lexicalCompare orders raw bytes lexicographically.
func lexicalCompare(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

// NewHashedClass builds a class for MULTI_HASHED/KV_HASHED-style keys:
// hashed only, no full-key embedding, collisions between distinct keys
// are rejected outright.
func NewHashedClass(name string, order int) *Class {
	return &Class{Name: name, Order: order, Hash: xxhashKey}
}

// NewLexicalClass builds a class for byte-string dkey/akey trees
// (DKEY_LEXICAL/AKEY_LEXICAL/MULTI_LEXICAL): the full key is embedded in
// the node and the tree is ordered lexicographically by it, so iteration
// and ge/le probes follow byte order, not hash order.
func NewLexicalClass(name string, order int) *Class {
	return &Class{
		Name: name, Order: order, Features: FeatEmbeddedKey,
		Hash: xxhashKey, Compare: lexicalCompare,
	}
}

// NewUint64Class builds a class for numerically-ordered uint64 keys
// (DKEY_UINT64/AKEY_UINT64): keys are fixed-width big-endian, so the
// lexicographic comparator doubles as numeric order, and the identity
// hash keeps the digest aligned with the key value.
func NewUint64Class(name string, order int) *Class {
	return &Class{
		Name: name, Order: order, Features: FeatEmbeddedKey,
		Hash: func(key []byte) uint64 {
			var v uint64
			for _, b := range key {
				v = v<<8 | uint64(b)
			}
			return v
		},
		Compare: lexicalCompare,
	}
}

func (c *Class) embedsKey() bool { return c.Features&FeatEmbeddedKey != 0 }

func (c *Class) maxKeys() int {
	if c.Order < 3 {
		return 2
	}
	return c.Order - 1
}
