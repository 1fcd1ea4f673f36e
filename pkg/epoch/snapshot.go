package epoch

import (
	"sync"

	"github.com/google/btree"

	"github.com/cuemby/vos/pkg/types"
)

// snapshotItem implements btree.Item for an ordered in-memory set of live
// snapshot epochs.
type snapshotItem types.Epoch

func (s snapshotItem) Less(than btree.Item) bool {
	return s < than.(snapshotItem)
}

// Snapshots tracks which epochs are currently pinned by a live snapshot
// handle. Aggregation consults it before compacting history so a
// still-referenced snapshot epoch is never compressed away. This is
// deliberately the in-memory github.com/google/btree ordered set, not the
// persistent pkg/btree — a pure process-local index that never needs to
// survive a crash, since a crashed process drops its snapshot handles
// anyway.
type Snapshots struct {
	mu   sync.Mutex
	tree *btree.BTree
}

// NewSnapshots creates an empty live-snapshot index.
func NewSnapshots() *Snapshots {
	return &Snapshots{tree: btree.New(32)}
}

// Pin records a new live snapshot at e.
func (s *Snapshots) Pin(e types.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(snapshotItem(e))
}

// Release drops a previously pinned snapshot.
func (s *Snapshots) Release(e types.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(snapshotItem(e))
}

// Contains reports whether e is currently pinned.
func (s *Snapshots) Contains(e types.Epoch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Has(snapshotItem(e))
}

// AnyWithin reports whether any pinned snapshot falls in [lo, hi], the
// check aggregation and discard run before touching a window.
func (s *Snapshots) AnyWithin(lo, hi types.Epoch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	s.tree.AscendRange(snapshotItem(lo), snapshotItem(hi+1), func(i btree.Item) bool {
		found = true
		return false
	})
	return found
}

// All returns every currently pinned snapshot epoch, ascending.
func (s *Snapshots) All() []types.Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Epoch, 0, s.tree.Len())
	s.tree.Ascend(func(i btree.Item) bool {
		out = append(out, types.Epoch(i.(snapshotItem)))
		return true
	})
	return out
}
