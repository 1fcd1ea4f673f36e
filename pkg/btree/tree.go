package btree

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/vos/pkg/pmem"
)

// ErrPrecondFail is returned by Update when the caller's Cond is not
// met.
var ErrPrecondFail = errors.New("btree: precondition failed")

// ErrNotFound is returned by Fetch/Delete when no matching record exists.
var ErrNotFound = errors.New("btree: not found")

// ErrCollision is returned when a class with no full-key comparator would
// have to disambiguate two distinct keys sharing a hash; such a class
// forbids colliding distinct keys.
var ErrCollision = errors.New("btree: hash collision on non-comparable class")

// Cond is the update precondition a caller may request.
type Cond int

const (
	CondAny Cond = iota
	CondInsert
	CondReplace
	CondUpsert
)

// ProbeOp selects the comparison Fetch/iterator positioning uses.
type ProbeOp int

const (
	ProbeEq ProbeOp = iota
	ProbeGe
	ProbeLe
	ProbeFirst
	ProbeLast
)

// Tree is one B+tree instance: a class, a backing arena, and a root block.
// Internal nodes route; records live in leaves linked left-to-right (and
// right-to-left, via prev) for iteration.
type Tree struct {
	class *Class
	arena *pmem.Arena
	root  pmem.BlockID
	cache *lru.Cache[pmem.BlockID, *node]

	Splits int
	Merges int
	Hits   int
	Misses int
}

const defaultCacheSize = 4096

// Create allocates a new empty tree (a single empty root leaf) inside tx
// and returns a handle to it. The returned root offset must be persisted
// by the caller (e.g. in a container header) to reopen the tree later.
func Create(arena *pmem.Arena, tx *pmem.Tx, class *Class) (*Tree, error) {
	t := newTree(arena, class)
	root := &node{leaf: true, root: true}
	id, err := arena.Alloc(tx, encodeNode(root, class.embedsKey()))
	if err != nil {
		return nil, fmt.Errorf("btree: create root: %w", err)
	}
	root.id = id
	t.root = id
	t.cache.Add(id, root)
	return t, nil
}

// Open wraps an existing tree whose root is already persisted at root.
func Open(arena *pmem.Arena, class *Class, root pmem.BlockID) *Tree {
	t := newTree(arena, class)
	t.root = root
	return t
}

func newTree(arena *pmem.Arena, class *Class) *Tree {
	cache, _ := lru.New[pmem.BlockID, *node](defaultCacheSize)
	return &Tree{class: class, arena: arena, cache: cache}
}

// Root returns the current root block id, for a caller that needs to
// persist it (e.g. into a container's object-index header) after a
// mutation that may have grown the tree's depth.
func (t *Tree) Root() pmem.BlockID { return t.root }

// Reset discards the handle's in-memory node cache and rewinds its root
// to a previously captured value. Call it after aborting a transaction
// that mutated the tree through this handle: the arena already rolled the
// persistent nodes back, and the cached copies must not outlive them.
func (t *Tree) Reset(root pmem.BlockID) {
	t.root = root
	t.cache.Purge()
}

func (t *Tree) loadNode(id pmem.BlockID) (*node, error) {
	if n, ok := t.cache.Get(id); ok {
		t.Hits++
		return n, nil
	}
	t.Misses++
	raw, err := t.arena.Read(id)
	if err != nil {
		return nil, fmt.Errorf("btree: read node %d: %w", id, err)
	}
	n, err := decodeNode(id, raw, t.class.embedsKey())
	if err != nil {
		return nil, err
	}
	t.cache.Add(id, n)
	return n, nil
}

func (t *Tree) storeNode(tx *pmem.Tx, n *node) error {
	data := encodeNode(n, t.class.embedsKey())
	if n.id == 0 {
		id, err := t.arena.Alloc(tx, data)
		if err != nil {
			return fmt.Errorf("btree: alloc node: %w", err)
		}
		n.id = id
	} else {
		if err := t.arena.Write(tx, n.id, data); err != nil {
			return fmt.Errorf("btree: write node %d: %w", n.id, err)
		}
	}
	t.cache.Add(n.id, n)
	return nil
}

func (t *Tree) makeEntry(rawKey []byte) entry {
	e := entry{Hash: t.class.Hash(rawKey)}
	if t.class.embedsKey() {
		e.Full = append([]byte(nil), rawKey...)
	}
	return e
}

// descend walks from root to the leaf that would contain target,
// recording the path of (node, childIndex) for split/merge propagation.
type pathStep struct {
	n   *node
	idx int // index of the child we descended into
}

func (t *Tree) descend(target entry) ([]pathStep, *node, error) {
	var path []pathStep
	id := t.root
	for {
		n, err := t.loadNode(id)
		if err != nil {
			return nil, nil, err
		}
		if n.leaf {
			return path, n, nil
		}
		idx := len(n.keys)
		for i, k := range n.keys {
			if t.class.less(target, k) {
				idx = i
				break
			}
		}
		path = append(path, pathStep{n: n, idx: idx})
		id = n.children[idx]
	}
}

func (t *Tree) leafSearch(n *node, target entry) (pos int, found bool) {
	for i, k := range n.keys {
		if t.class.equal(k, target) {
			return i, true
		}
		if t.class.less(target, k) {
			return i, false
		}
	}
	return len(n.keys), false
}

// Fetch looks a key up under the given probe op. eq/ge/le/first/last
// all funnel through here. For ge/le it returns the tightest matching
// key's raw full-key bytes (when embedded) alongside the value so the
// caller can learn which key actually matched.
func (t *Tree) Fetch(op ProbeOp, rawKey []byte) (matchedKey []byte, value []byte, err error) {
	switch op {
	case ProbeFirst:
		return t.fetchEdge(true)
	case ProbeLast:
		return t.fetchEdge(false)
	}

	target := t.makeEntry(rawKey)
	_, leaf, err := t.descend(target)
	if err != nil {
		return nil, nil, err
	}
	pos, found := t.leafSearch(leaf, target)

	switch op {
	case ProbeEq:
		if !found {
			return nil, nil, ErrNotFound
		}
		return leaf.keys[pos].Full, leaf.values[pos], nil
	case ProbeGe:
		if found {
			return leaf.keys[pos].Full, leaf.values[pos], nil
		}
		cur, idx := leaf, pos
		for {
			if idx < len(cur.keys) {
				return cur.keys[idx].Full, cur.values[idx], nil
			}
			if cur.next == 0 {
				return nil, nil, ErrNotFound
			}
			cur, err = t.loadNode(cur.next)
			if err != nil {
				return nil, nil, err
			}
			idx = 0
		}
	case ProbeLe:
		cur, idx := leaf, pos
		if found {
			return cur.keys[idx].Full, cur.values[idx], nil
		}
		for {
			idx--
			if idx >= 0 {
				return cur.keys[idx].Full, cur.values[idx], nil
			}
			if cur.prev == 0 {
				return nil, nil, ErrNotFound
			}
			cur, err = t.loadNode(cur.prev)
			if err != nil {
				return nil, nil, err
			}
			idx = len(cur.keys)
		}
	default:
		return nil, nil, fmt.Errorf("btree: unknown probe op %d", op)
	}
}

func (t *Tree) fetchEdge(first bool) ([]byte, []byte, error) {
	id := t.root
	for {
		n, err := t.loadNode(id)
		if err != nil {
			return nil, nil, err
		}
		if n.leaf {
			if first {
				for len(n.keys) == 0 && n.next != 0 {
					if n, err = t.loadNode(n.next); err != nil {
						return nil, nil, err
					}
				}
			} else {
				for len(n.keys) == 0 && n.prev != 0 {
					if n, err = t.loadNode(n.prev); err != nil {
						return nil, nil, err
					}
				}
			}
			if len(n.keys) == 0 {
				return nil, nil, ErrNotFound
			}
			if first {
				return n.keys[0].Full, n.values[0], nil
			}
			return n.keys[len(n.keys)-1].Full, n.values[len(n.keys)-1], nil
		}
		if first {
			id = n.children[0]
		} else {
			id = n.children[len(n.children)-1]
		}
	}
}

// Update inserts or replaces a key's value subject to cond.
func (t *Tree) Update(tx *pmem.Tx, rawKey []byte, value []byte, cond Cond) error {
	target := t.makeEntry(rawKey)
	path, leaf, err := t.descend(target)
	if err != nil {
		return err
	}
	pos, found := t.leafSearch(leaf, target)

	switch cond {
	case CondInsert:
		if found {
			return ErrPrecondFail
		}
	case CondReplace:
		if !found {
			return ErrPrecondFail
		}
	case CondUpsert, CondAny:
	}

	if found {
		leaf.values[pos] = append([]byte(nil), value...)
		return t.storeNode(tx, leaf)
	}

	leaf.keys = append(leaf.keys, entry{})
	leaf.values = append(leaf.values, nil)
	copy(leaf.keys[pos+1:], leaf.keys[pos:])
	copy(leaf.values[pos+1:], leaf.values[pos:])
	leaf.keys[pos] = target
	leaf.values[pos] = append([]byte(nil), value...)

	if len(leaf.keys) <= t.class.maxKeys() {
		return t.storeNode(tx, leaf)
	}
	return t.splitLeaf(tx, path, leaf)
}

// splitLeaf splits an overfull leaf and propagates the new separator key
// up the recorded descent path, splitting ancestors in turn and growing
// the tree's depth if the root itself splits: a new root is allocated and
// the depth increases by one.
func (t *Tree) splitLeaf(tx *pmem.Tx, path []pathStep, leaf *node) error {
	t.Splits++
	mid := len(leaf.keys) / 2
	right := &node{leaf: true, next: leaf.next, prev: leaf.id}
	right.keys = append(right.keys, leaf.keys[mid:]...)
	right.values = append(right.values, leaf.values[mid:]...)
	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]

	oldNext := leaf.next
	leaf.next = 0 // placeholder until right is allocated

	if err := t.storeNode(tx, right); err != nil {
		return err
	}
	leaf.next = right.id
	right.next = oldNext
	if err := t.storeNode(tx, right); err != nil {
		return err
	}
	if oldNext != 0 {
		next, err := t.loadNode(oldNext)
		if err != nil {
			return err
		}
		next.prev = right.id
		if err := t.storeNode(tx, next); err != nil {
			return err
		}
	}
	if err := t.storeNode(tx, leaf); err != nil {
		return err
	}

	sep := right.keys[0]
	return t.insertUp(tx, path, sep, right.id)
}

// insertUp propagates a promoted separator key and its right child up the
// path recorded during descent, splitting internal nodes as needed and
// creating a new root when the path is exhausted.
func (t *Tree) insertUp(tx *pmem.Tx, path []pathStep, sep entry, rightChild pmem.BlockID) error {
	if len(path) == 0 {
		newRoot := &node{leaf: false, root: true}
		oldRootID := t.root
		oldRoot, err := t.loadNode(oldRootID)
		if err != nil {
			return err
		}
		oldRoot.root = false
		if err := t.storeNode(tx, oldRoot); err != nil {
			return err
		}
		newRoot.keys = []entry{sep}
		newRoot.children = []pmem.BlockID{oldRootID, rightChild}
		if err := t.storeNode(tx, newRoot); err != nil {
			return err
		}
		t.root = newRoot.id
		return nil
	}

	step := path[len(path)-1]
	parent := step.n
	insertAt := step.idx

	parent.keys = append(parent.keys, entry{})
	parent.children = append(parent.children, 0)
	copy(parent.keys[insertAt+1:], parent.keys[insertAt:])
	copy(parent.children[insertAt+2:], parent.children[insertAt+1:])
	parent.keys[insertAt] = sep
	parent.children[insertAt+1] = rightChild

	if len(parent.keys) <= t.class.maxKeys() {
		return t.storeNode(tx, parent)
	}
	return t.splitInternal(tx, path[:len(path)-1], parent, insertAt)
}

// splitInternal splits an overfull internal node. The middle key is
// promoted rather than copied (unlike a leaf split); ties on which side
// receives the newly inserted key are broken by placing it on the
// currently lighter side.
func (t *Tree) splitInternal(tx *pmem.Tx, path []pathStep, n *node, insertAt int) error {
	t.Splits++
	mid := len(n.keys) / 2
	// with an even key count the left half would keep one key more than
	// the right; a new key that landed left of mid shifts the pivot one
	// place left, so that key joins the lighter half (or is promoted)
	if len(n.keys)%2 == 0 && insertAt < mid {
		mid--
	}
	sep := n.keys[mid]

	right := &node{leaf: false}
	right.keys = append(right.keys, n.keys[mid+1:]...)
	right.children = append(right.children, n.children[mid+1:]...)

	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	if err := t.storeNode(tx, right); err != nil {
		return err
	}
	if err := t.storeNode(tx, n); err != nil {
		return err
	}
	return t.insertUp(tx, path, sep, right.id)
}

// Delete removes exactly one entry. Rebalancing is lazy: a leaf may fall
// below minimum fill between deletions, bounded only by the strict upper
// bound on node size, which deletion never violates.
func (t *Tree) Delete(tx *pmem.Tx, rawKey []byte) error {
	target := t.makeEntry(rawKey)
	_, leaf, err := t.descend(target)
	if err != nil {
		return err
	}
	pos, found := t.leafSearch(leaf, target)
	if !found {
		return ErrNotFound
	}
	leaf.keys = append(leaf.keys[:pos], leaf.keys[pos+1:]...)
	leaf.values = append(leaf.values[:pos], leaf.values[pos+1:]...)
	return t.storeNode(tx, leaf)
}

// Destroy frees every node reachable from the tree's root,
// transactionally.
func (t *Tree) Destroy(tx *pmem.Tx) error {
	return t.destroyNode(tx, t.root)
}

func (t *Tree) destroyNode(tx *pmem.Tx, id pmem.BlockID) error {
	n, err := t.loadNode(id)
	if err != nil {
		return err
	}
	if !n.leaf {
		for _, c := range n.children {
			if err := t.destroyNode(tx, c); err != nil {
				return err
			}
		}
	}
	return t.arena.Free(tx, id)
}
