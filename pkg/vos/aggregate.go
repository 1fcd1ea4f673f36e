package vos

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/vos/pkg/btree"
	"github.com/cuemby/vos/pkg/events"
	"github.com/cuemby/vos/pkg/index"
	"github.com/cuemby/vos/pkg/metrics"
	"github.com/cuemby/vos/pkg/pmem"
	"github.com/cuemby/vos/pkg/types"
)

// checkNoPendingDTXWithin refuses an aggregation/discard window that a
// still-open DTX straddles: the two are mutually exclusive, since the
// DTX's eventual commit or abort would rewrite history the pass already
// compacted.
func (p *Pool) checkNoPendingDTXWithin(op string, lo, hi types.Epoch) *Error {
	for _, d := range p.dtx.Pending() {
		if d.ID.LeaderEpoch >= lo && d.ID.LeaderEpoch <= hi {
			return newErr(op, Busy, fmt.Errorf("pending dtx at epoch %d straddles the window", d.ID.LeaderEpoch))
		}
	}
	return nil
}

// Aggregate compacts history across the whole pool: within [lo, hi] it
// coalesces per-akey history down to one surviving record per run between
// pinned-snapshot boundaries, so the value any live snapshot (or any read
// outside the window) would observe is unchanged, while redundant
// intermediate writes and fully-superseded tombstones are reclaimed.
//
// The survivor-per-run rule deliberately stops short of byte-level
// extent coalescing across unrelated writers; it preserves the same
// observable-value guarantee at far less bookkeeping.
func (p *Pool) Aggregate(lo, hi types.Epoch) error {
	if lo > hi {
		return newErr("aggregate", InvalArg, fmt.Errorf("lo must not exceed hi"))
	}
	if err := p.checkWritable("aggregate"); err != nil {
		return err
	}
	if err := p.checkNoPendingDTXWithin("aggregate", lo, hi); err != nil {
		return err
	}
	p.broker.Publish(&events.Event{Type: events.EventAggregationStarted, Message: fmt.Sprintf("%d-%d", lo, hi)})
	tm := metrics.NewTimer()
	defer tm.ObserveDuration(p.metrics.AggregationDuration)
	live := p.snaps.All()
	err := p.sched.Submit(func() error {
		tx, terr := p.arena.Begin()
		if terr != nil {
			return wrapErrIface("aggregate", terr)
		}
		cdRoot := p.contDir.Root()
		if aerr := p.walkObjects(tx, func(oi *index.ObjectIndex, id types.ObjectID, oh index.ObjectHeader) error {
			return aggregateObject(p.arena, tx, oi, id, oh, lo, hi, live)
		}); aerr != nil {
			tx.Abort()
			p.contDir.Reset(cdRoot)
			return wrapErrIface("aggregate", aerr)
		}
		return wrapErrIface("aggregate", tx.WithWAL(p.wal).Commit())
	})
	if err != nil {
		return wrapErr("aggregate", err)
	}
	p.broker.Publish(&events.Event{Type: events.EventAggregationDone, Message: fmt.Sprintf("%d-%d", lo, hi)})
	return nil
}

// Discard is aggregation's undo-path counterpart: it unconditionally
// removes every record whose epoch falls strictly between lo and hi, regardless
// of tombstone state, the way an aborted DTX's writes are rolled back.
// Only akey-level history is scanned: object- and dkey-level punch
// entries inside the range are left in place.
// Discard and Aggregate are serialised against each other by running on
// the same pool scheduler, so their ranges never execute concurrently.
func (p *Pool) Discard(lo, hi types.Epoch) error {
	if lo >= hi {
		return newErr("discard", InvalArg, fmt.Errorf("lo must be strictly less than hi"))
	}
	if err := p.checkWritable("discard"); err != nil {
		return err
	}
	if err := p.checkNoPendingDTXWithin("discard", lo+1, hi-1); err != nil {
		return err
	}
	tm := metrics.NewTimer()
	defer tm.ObserveDuration(p.metrics.DiscardDuration)
	err := p.sched.Submit(func() error {
		tx, terr := p.arena.Begin()
		if terr != nil {
			return wrapErrIface("discard", terr)
		}
		cdRoot := p.contDir.Root()
		if derr := p.walkObjects(tx, func(oi *index.ObjectIndex, id types.ObjectID, oh index.ObjectHeader) error {
			return discardObject(p.arena, tx, oi, id, oh, lo, hi)
		}); derr != nil {
			tx.Abort()
			p.contDir.Reset(cdRoot)
			return wrapErrIface("discard", derr)
		}
		return wrapErrIface("discard", tx.WithWAL(p.wal).Commit())
	})
	if err != nil {
		return wrapErr("discard", err)
	}
	p.broker.Publish(&events.Event{Type: events.EventDiscardDone, Message: fmt.Sprintf("%d-%d", lo, hi)})
	return nil
}

// walkObjects visits every object in every container, in no particular
// order, calling fn with its current header. fn may persist header
// changes itself via oi.Put; walkObjects re-persists each container's
// object-index root afterwards if those writes split the index tree.
func (p *Pool) walkObjects(tx *pmem.Tx, fn func(oi *index.ObjectIndex, id types.ObjectID, oh index.ObjectHeader) error) error {
	contIDs, err := p.contDir.List(1 << 30)
	if err != nil {
		return err
	}
	for _, cid := range contIDs {
		oi, h, err := p.contDir.Open(p.arena, cid)
		if err != nil {
			return err
		}
		rootBefore := oi.Root()
		var objAnchor []byte
		for {
			ids, next, err := oi.List(types.EpochMax, objAnchor, 4096)
			if err != nil {
				return err
			}
			for _, id := range ids {
				oh, gerr := oi.Get(id)
				if gerr != nil {
					return gerr
				}
				if ferr := fn(oi, id, oh); ferr != nil {
					return ferr
				}
			}
			if next == nil || len(ids) == 0 {
				break
			}
			objAnchor = next
		}
		if oi.Root() != rootBefore {
			h.ObjIndexRoot = oi.Root()
			if err := p.contDir.UpdateHeader(tx, cid, h); err != nil {
				return err
			}
			if err := p.persistContainerDirRoot(tx); err != nil {
				return err
			}
		}
	}
	return nil
}

func aggregateObject(arena *pmem.Arena, tx *pmem.Tx, oi *index.ObjectIndex, id types.ObjectID, oh index.ObjectHeader, lo, hi types.Epoch, live []types.Epoch) error {
	if oh.DkeyRoot == 0 {
		return nil
	}
	dt := btree.Open(arena, dkeyClass(), oh.DkeyRoot)
	keys, err := collectKeys(dt)
	if err != nil {
		return err
	}
	changed := false
	for _, dkeyRaw := range keys {
		_, dval, ferr := dt.Fetch(btree.ProbeEq, dkeyRaw)
		if ferr != nil {
			continue
		}
		dh, derr := decodeDkeyHeader(dval)
		if derr != nil {
			return derr
		}
		dirty, aerr := aggregateDkey(arena, tx, &dh, lo, hi, live)
		if aerr != nil {
			return aerr
		}
		if dirty {
			if uerr := dt.Update(tx, dkeyRaw, encodeDkeyHeader(dh), btree.CondAny); uerr != nil {
				return uerr
			}
			changed = true
		}
	}
	if changed {
		oh.DkeyRoot = dt.Root()
		return oi.Put(tx, id, oh)
	}
	return nil
}

func aggregateDkey(arena *pmem.Arena, tx *pmem.Tx, dh *DkeyHeader, lo, hi types.Epoch, live []types.Epoch) (bool, error) {
	if dh.AkeyTreeRoot == 0 {
		return false, nil
	}
	at := btree.Open(arena, akeyClass(), dh.AkeyTreeRoot)
	keys, err := collectKeys(at)
	if err != nil {
		return false, err
	}
	changed := false
	for _, akeyRaw := range keys {
		_, aval, ferr := at.Fetch(btree.ProbeEq, akeyRaw)
		if ferr != nil {
			continue
		}
		ah, derr := decodeAkeyHeader(aval)
		if derr != nil {
			return false, derr
		}
		dirty, aerr := aggregateAkey(arena, tx, &ah, lo, hi, live)
		if aerr != nil {
			return false, aerr
		}
		if dirty {
			if uerr := at.Update(tx, akeyRaw, encodeAkeyHeader(ah), btree.CondAny); uerr != nil {
				return false, uerr
			}
			changed = true
		}
	}
	if changed {
		dh.AkeyTreeRoot = at.Root()
	}
	return changed, nil
}

func aggregateAkey(arena *pmem.Arena, tx *pmem.Tx, ah *AkeyHeader, lo, hi types.Epoch, live []types.Epoch) (bool, error) {
	switch ah.Kind {
	case types.ValueSingle:
		if ah.SingleHistRoot == 0 {
			return false, nil
		}
		ht := btree.Open(arena, epochClass(), ah.SingleHistRoot)
		epochs, err := collectEpochs(ht)
		if err != nil {
			return false, err
		}
		drop := survivorPrune(epochs, lo, hi, live)
		if len(drop) == 0 {
			return false, nil
		}
		for _, e := range drop {
			if derr := ht.Delete(tx, epochKey(e)); derr != nil && !errors.Is(derr, btree.ErrNotFound) {
				return false, derr
			}
		}
		ah.SingleHistRoot = ht.Root()
		return true, nil

	case types.ValueArray:
		if ah.ArrayBlock == 0 {
			return false, nil
		}
		raw, rerr := arena.Read(ah.ArrayBlock)
		if rerr != nil {
			return false, rerr
		}
		frags, derr := decodeArrayFragments(raw)
		if derr != nil {
			return false, derr
		}
		kept := pruneArrayFragments(frags, lo, hi, live)
		if len(kept) == len(frags) {
			return false, nil
		}
		if werr := arena.Write(tx, ah.ArrayBlock, encodeArrayFragments(kept)); werr != nil {
			return false, werr
		}
		return true, nil
	}
	return false, nil
}

// survivorPrune returns the epochs (within [lo, hi]) that may be dropped:
// of every run of in-window epochs lying between two consecutive
// snapshot/window boundaries, only the newest survives.
func survivorPrune(epochs []types.Epoch, lo, hi types.Epoch, live []types.Epoch) []types.Epoch {
	var boundaries []types.Epoch
	for _, e := range live {
		if e >= lo && e <= hi {
			boundaries = append(boundaries, e)
		}
	}
	boundaries = append(boundaries, hi)
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i] < boundaries[j] })

	var drop []types.Epoch
	bi := 0
	var run []types.Epoch
	flush := func() {
		if len(run) > 1 {
			drop = append(drop, run[:len(run)-1]...)
		}
		run = nil
	}
	for _, e := range epochs {
		if e < lo || e > hi {
			continue
		}
		for bi < len(boundaries) && e > boundaries[bi] {
			flush()
			bi++
		}
		run = append(run, e)
	}
	flush()
	return drop
}

// pruneArrayFragments drops in-window fragments that are fully shadowed
// by a strictly-newer fragment covering the same extent, unless a pinned
// snapshot epoch sits between them (in which case the snapshot still
// needs the older fragment visible).
func pruneArrayFragments(frags []ArrayFragment, lo, hi types.Epoch, live []types.Epoch) []ArrayFragment {
	kept := make([]ArrayFragment, 0, len(frags))
	for i, f := range frags {
		if f.Epoch < lo || f.Epoch > hi {
			kept = append(kept, f)
			continue
		}
		shadowed := false
		for j, g := range frags {
			if i == j || g.Epoch <= f.Epoch {
				continue
			}
			if g.Extent.Start > f.Extent.Start || g.Extent.End() < f.Extent.End() {
				continue // g does not fully cover f
			}
			boundaryBetween := false
			for _, e := range live {
				if e >= f.Epoch && e < g.Epoch {
					boundaryBetween = true
					break
				}
			}
			if !boundaryBetween {
				shadowed = true
				break
			}
		}
		if !shadowed {
			kept = append(kept, f)
		}
	}
	return kept
}

func discardObject(arena *pmem.Arena, tx *pmem.Tx, oi *index.ObjectIndex, id types.ObjectID, oh index.ObjectHeader, lo, hi types.Epoch) error {
	if oh.DkeyRoot == 0 {
		return nil
	}
	dt := btree.Open(arena, dkeyClass(), oh.DkeyRoot)
	keys, err := collectKeys(dt)
	if err != nil {
		return err
	}
	for _, dkeyRaw := range keys {
		_, dval, ferr := dt.Fetch(btree.ProbeEq, dkeyRaw)
		if ferr != nil {
			continue
		}
		dh, derr := decodeDkeyHeader(dval)
		if derr != nil {
			return derr
		}
		if dh.AkeyTreeRoot == 0 {
			continue
		}
		at := btree.Open(arena, akeyClass(), dh.AkeyTreeRoot)
		akeyKeys, kerr := collectKeys(at)
		if kerr != nil {
			return kerr
		}
		for _, akeyRaw := range akeyKeys {
			_, aval, ferr := at.Fetch(btree.ProbeEq, akeyRaw)
			if ferr != nil {
				continue
			}
			ah, aerr := decodeAkeyHeader(aval)
			if aerr != nil {
				return aerr
			}
			switch ah.Kind {
			case types.ValueSingle:
				if ah.SingleHistRoot == 0 {
					continue
				}
				ht := btree.Open(arena, epochClass(), ah.SingleHistRoot)
				epochs, eerr := collectEpochs(ht)
				if eerr != nil {
					return eerr
				}
				for _, e := range epochs {
					if e > lo && e < hi {
						if derr := ht.Delete(tx, epochKey(e)); derr != nil && !errors.Is(derr, btree.ErrNotFound) {
							return derr
						}
					}
				}
				ah.SingleHistRoot = ht.Root()
			case types.ValueArray:
				if ah.ArrayBlock == 0 {
					continue
				}
				raw, rerr := arena.Read(ah.ArrayBlock)
				if rerr != nil {
					return rerr
				}
				frags, derr := decodeArrayFragments(raw)
				if derr != nil {
					return derr
				}
				kept := frags[:0:0]
				for _, f := range frags {
					if f.Epoch > lo && f.Epoch < hi {
						continue
					}
					kept = append(kept, f)
				}
				if werr := arena.Write(tx, ah.ArrayBlock, encodeArrayFragments(kept)); werr != nil {
					return werr
				}
			}
			if uerr := at.Update(tx, akeyRaw, encodeAkeyHeader(ah), btree.CondAny); uerr != nil {
				return uerr
			}
		}
		dh.AkeyTreeRoot = at.Root()
		if uerr := dt.Update(tx, dkeyRaw, encodeDkeyHeader(dh), btree.CondAny); uerr != nil {
			return uerr
		}
	}
	oh.DkeyRoot = dt.Root()
	return oi.Put(tx, id, oh)
}

func collectKeys(t *btree.Tree) ([][]byte, error) {
	it := t.IterPrepare(btree.IterOpts{})
	if err := it.IterProbe(btree.ProbeFirst, nil); err != nil {
		if errors.Is(err, btree.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out [][]byte
	for {
		k, _, err := it.IterFetch()
		if err != nil {
			break
		}
		out = append(out, append([]byte(nil), k...))
		if err := it.IterNext(); err != nil {
			break
		}
	}
	return out, nil
}

func collectEpochs(t *btree.Tree) ([]types.Epoch, error) {
	keys, err := collectKeys(t)
	if err != nil {
		return nil, err
	}
	out := make([]types.Epoch, len(keys))
	for i, k := range keys {
		out[i] = epochFromKey(k)
	}
	return out, nil
}
