package pmem

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// walRange is one block mutation captured for the write-ahead log: either
// a full block write (Data non-nil) or a free (Data nil).
type walRange struct {
	Block BlockID
	Data  []byte
}

// Tx is a persistent memory arena transaction. Nested Begin calls share
// the same underlying bbolt transaction and only the outermost Commit or
// Abort takes effect, so a sub-operation can open a transaction inside
// its caller's without its own independent commit point.
type Tx struct {
	arena   *Arena
	wal     *WAL
	btx     *bolt.Tx
	depth   int
	aborted bool
	ranges  []walRange
	freed   []BlockID
	Seq     uint64
}

// WithWAL attaches a write-ahead log to the transaction so Commit appends
// its ranges before committing the underlying bbolt transaction. A Tx
// opened without one (tests, or callers that accept losing in-flight
// mutations on crash) commits directly.
func (t *Tx) WithWAL(w *WAL) *Tx {
	t.wal = w
	return t
}

// Begin increments the nesting depth, returning the same Tx. Only the
// Commit/Abort call that brings depth back to zero actually finalizes
// anything.
func (t *Tx) Begin() *Tx {
	t.depth++
	return t
}

func (t *Tx) addRange(block BlockID, data []byte) {
	t.ranges = append(t.ranges, walRange{Block: block, Data: append([]byte(nil), data...)})
}

// Abort marks the transaction for rollback. If other nesting levels are
// still open, the rollback is deferred until the outermost Abort/Commit.
func (t *Tx) Abort() error {
	t.aborted = true
	t.depth--
	if t.depth > 0 {
		return nil
	}
	return t.btx.Rollback()
}

// Commit finalizes the transaction. At nesting depth greater than one it
// only decrements the depth counter. At depth zero it appends the
// accumulated ranges to the WAL (if attached) before committing the
// underlying bbolt transaction, and reclaims any freed block ids only
// after that commit succeeds.
func (t *Tx) Commit() error {
	t.depth--
	if t.depth > 0 {
		return nil
	}
	if t.aborted {
		return t.btx.Rollback()
	}

	if t.wal != nil && len(t.ranges) > 0 {
		seq, err := t.wal.Append(t.ranges)
		if err != nil {
			_ = t.btx.Rollback()
			return fmt.Errorf("pmem: wal append: %w", err)
		}
		t.Seq = seq
	}

	if err := t.btx.Commit(); err != nil {
		return fmt.Errorf("pmem: commit tx: %w", err)
	}
	t.arena.reclaim(t.freed)
	return nil
}
