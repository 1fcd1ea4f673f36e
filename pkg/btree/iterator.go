package btree

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalState is returned when an iterator method is called outside the
// state it permits.
var ErrInvalState = errors.New("btree: invalid iterator state")

// IterState is the iterator's state machine position: NONE → INIT →
// READY ⇌ READY (next) → FINI.
type IterState int

const (
	IterNone IterState = iota
	IterInit
	IterReady
	IterFini
)

// IterOpts configures iteration direction.
type IterOpts struct {
	Reverse bool
}

// Iterator produces a finite, forward-or-reverse sequence over a tree's
// leaves; it is not restartable after a mutation. It also tracks the run
// of same-hash keys it has stepped over at the current position, so a
// caller that saves an anchor mid-collision-run can resume past exactly
// the keys already seen.
type Iterator struct {
	tree    *Tree
	opts    IterOpts
	state   IterState
	cur     *node
	pos     int
	collide int
}

// IterPrepare opens a new iterator in INIT state.
func (t *Tree) IterPrepare(opts IterOpts) *Iterator {
	return &Iterator{tree: t, opts: opts, state: IterInit}
}

// IterProbe positions the iterator at the given probe op/key, transitioning
// INIT/READY → READY. first/last ignore rawKey.
func (it *Iterator) IterProbe(op ProbeOp, rawKey []byte) error {
	if it.state != IterInit && it.state != IterReady {
		return ErrInvalState
	}
	t := it.tree

	switch op {
	case ProbeFirst, ProbeLast:
		id := t.root
		for {
			n, err := t.loadNode(id)
			if err != nil {
				return err
			}
			if n.leaf {
				// lazy deletion may leave an empty edge leaf; walk the
				// sibling links inward until a populated one turns up
				if op == ProbeFirst {
					for len(n.keys) == 0 && n.next != 0 {
						if n, err = t.loadNode(n.next); err != nil {
							return err
						}
					}
					it.pos = 0
				} else {
					for len(n.keys) == 0 && n.prev != 0 {
						if n, err = t.loadNode(n.prev); err != nil {
							return err
						}
					}
					it.pos = len(n.keys) - 1
				}
				if len(n.keys) == 0 {
					it.state = IterInit
					return ErrNotFound
				}
				it.cur = n
				it.state = IterReady
				it.collide = 0
				return nil
			}
			if op == ProbeFirst {
				id = n.children[0]
			} else {
				id = n.children[len(n.children)-1]
			}
		}
	}

	target := t.makeEntry(rawKey)
	_, leaf, err := t.descend(target)
	if err != nil {
		return err
	}
	pos, found := t.leafSearch(leaf, target)

	switch op {
	case ProbeEq:
		// a miss leaves the iterator reusable: a follow-up ge/le probe on
		// the same key must continue from the adjacent key, not fail with
		// an invalid-state error
		if !found {
			it.state = IterInit
			return ErrNotFound
		}
		it.cur, it.pos = leaf, pos
	case ProbeGe:
		cur, idx := leaf, pos
		for idx >= len(cur.keys) && cur.next != 0 {
			cur, err = t.loadNode(cur.next)
			if err != nil {
				return err
			}
			idx = 0
		}
		if idx >= len(cur.keys) {
			it.state = IterInit
			return ErrNotFound
		}
		it.cur, it.pos = cur, idx
	case ProbeLe:
		cur, idx := leaf, pos
		if !found {
			idx--
		}
		for idx < 0 && cur.prev != 0 {
			cur, err = t.loadNode(cur.prev)
			if err != nil {
				return err
			}
			idx = len(cur.keys) - 1
		}
		if idx < 0 {
			it.state = IterInit
			return ErrNotFound
		}
		it.cur, it.pos = cur, idx
	default:
		return fmt.Errorf("btree: unknown probe op %d", op)
	}
	it.state = IterReady
	it.collide = 0
	return nil
}

// IterFetch returns the key/value at the current position. Only valid in
// READY state.
func (it *Iterator) IterFetch() (key []byte, value []byte, err error) {
	if it.state != IterReady {
		return nil, nil, ErrInvalState
	}
	return it.cur.keys[it.pos].Full, it.cur.values[it.pos], nil
}

// IterNext advances the iterator one position in its configured direction,
// crossing leaf boundaries via the sibling links. Returns ErrNotFound
// (state transitions to FINI) once the sequence is exhausted.
func (it *Iterator) IterNext() error {
	if it.state != IterReady {
		return ErrInvalState
	}
	t := it.tree
	if !it.opts.Reverse {
		if it.pos+1 < len(it.cur.keys) {
			if it.cur.keys[it.pos+1].Hash == it.cur.keys[it.pos].Hash {
				it.collide++
			} else {
				it.collide = 0
			}
			it.pos++
			return nil
		}
		if it.cur.next == 0 {
			it.state = IterFini
			return ErrNotFound
		}
		next, err := t.loadNode(it.cur.next)
		if err != nil {
			return err
		}
		for len(next.keys) == 0 && next.next != 0 {
			if next, err = t.loadNode(next.next); err != nil {
				return err
			}
		}
		if len(next.keys) == 0 {
			it.state = IterFini
			return ErrNotFound
		}
		it.cur, it.pos, it.collide = next, 0, 0
		return nil
	}

	if it.pos-1 >= 0 {
		if it.cur.keys[it.pos-1].Hash == it.cur.keys[it.pos].Hash {
			it.collide++
		} else {
			it.collide = 0
		}
		it.pos--
		return nil
	}
	if it.cur.prev == 0 {
		it.state = IterFini
		return ErrNotFound
	}
	prev, err := t.loadNode(it.cur.prev)
	if err != nil {
		return err
	}
	for len(prev.keys) == 0 && prev.prev != 0 {
		if prev, err = t.loadNode(prev.prev); err != nil {
			return err
		}
	}
	if len(prev.keys) == 0 {
		it.state = IterFini
		return ErrNotFound
	}
	it.cur, it.collide = prev, 0
	it.pos = len(prev.keys) - 1
	return nil
}

// IterFinish releases the iterator, transitioning it to FINI; it fails
// with ErrInvalState only on an iterator that was never prepared, and
// succeeds again on one already in FINI. After it, probes, fetches and
// steps fail with ErrInvalState.
func (it *Iterator) IterFinish() error {
	if it.state == IterNone {
		return ErrInvalState
	}
	it.state = IterFini
	return nil
}

// Collisions reports how many same-hash keys have been stepped over to
// reach the current position, for anchor resumption after a collision run.
func (it *Iterator) Collisions() int { return it.collide }

// Anchor encodes the current position as a durable anchor: the matched
// key's raw bytes plus its collision count. An IterProbe(ge/le) with the
// decoded key lands on the anchored key itself while it is still in the
// tree, not past it; resuming strictly past the anchor takes one further
// IterNext.
func (it *Iterator) Anchor() ([]byte, error) {
	if it.state != IterReady {
		return nil, ErrInvalState
	}
	key := it.cur.keys[it.pos].Full
	out := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(out[:8], uint64(it.collide))
	copy(out[8:], key)
	return out, nil
}

// DecodeAnchor splits an anchor produced by Anchor back into its raw key
// and collision count.
func DecodeAnchor(anchor []byte) (key []byte, collisions int, err error) {
	if len(anchor) < 8 {
		return nil, 0, fmt.Errorf("btree: truncated anchor")
	}
	return anchor[8:], int(binary.BigEndian.Uint64(anchor[:8])), nil
}
