package vos

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/vos/pkg/btree"
	"github.com/cuemby/vos/pkg/index"
	"github.com/cuemby/vos/pkg/metrics"
	"github.com/cuemby/vos/pkg/pmem"
	"github.com/cuemby/vos/pkg/types"
)

// visibility at a read epoch follows the same rule at every granularity
// (object, dkey, akey): a record is visible iff its own epoch is the
// newest one not exceeding the read epoch, and no punch at or after that
// record's epoch (but still at or before the read epoch) has since
// covered it. Cascading punches at object and dkey level are combined by
// taking the maximum of the two (punchCeiling); an akey punch is a
// tombstone record in the akey's own history, which the newest-record
// lookup meets directly.

// maxPunchEpoch returns the highest epoch in a punch-history tree that is
// <= ep, or 0 if root is empty or ep precedes every punch recorded there.
func maxPunchEpoch(arena *pmem.Arena, root pmem.BlockID, ep types.Epoch) (types.Epoch, error) {
	if root == 0 {
		return 0, nil
	}
	t := btree.Open(arena, punchHistClass(), root)
	mk, _, err := t.Fetch(btree.ProbeLe, epochKey(ep))
	if errors.Is(err, btree.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return epochFromKey(mk), nil
}

// recordPunch inserts (or extends) a punch-history entry at ep, creating
// the tree on first use. Returns the (possibly new) root.
func recordPunch(arena *pmem.Arena, tx *pmem.Tx, root pmem.BlockID, ep types.Epoch) (pmem.BlockID, error) {
	var t *btree.Tree
	var err error
	if root == 0 {
		t, err = btree.Create(arena, tx, punchHistClass())
	} else {
		t = btree.Open(arena, punchHistClass(), root)
	}
	if err != nil {
		return 0, err
	}
	if uerr := t.Update(tx, epochKey(ep), punchMarker, btree.CondUpsert); uerr != nil {
		return 0, uerr
	}
	return t.Root(), nil
}

// readHeaders loads the object/dkey/akey headers needed to resolve a
// fetch, returning NoKey wrapped errors the moment any link is absent.
func (o *Object) readHeaders(dkey, akey types.Key) (index.ObjectHeader, DkeyHeader, AkeyHeader, *btree.Tree, error) {
	arena := o.c.pool.arena
	oh, err := o.c.oi.Get(o.id)
	if err != nil {
		return index.ObjectHeader{}, DkeyHeader{}, AkeyHeader{}, nil, wrapErr("obj_fetch", err)
	}
	if oh.DkeyRoot == 0 {
		return oh, DkeyHeader{}, AkeyHeader{}, nil, newErr("obj_fetch", NoKey, fmt.Errorf("no dkeys written"))
	}
	dt := btree.Open(arena, dkeyClass(), oh.DkeyRoot)
	_, dval, derr := dt.Fetch(btree.ProbeEq, encodeTreeKey(dkey))
	if derr != nil {
		return oh, DkeyHeader{}, AkeyHeader{}, nil, wrapErr("obj_fetch", derr)
	}
	dh, err := decodeDkeyHeader(dval)
	if err != nil {
		return oh, DkeyHeader{}, AkeyHeader{}, nil, wrapErr("obj_fetch", err)
	}
	if dh.AkeyTreeRoot == 0 {
		return oh, dh, AkeyHeader{}, nil, newErr("obj_fetch", NoKey, fmt.Errorf("no akeys written"))
	}
	at := btree.Open(arena, akeyClass(), dh.AkeyTreeRoot)
	_, aval, aerr := at.Fetch(btree.ProbeEq, encodeTreeKey(akey))
	if aerr != nil {
		return oh, dh, AkeyHeader{}, nil, wrapErr("obj_fetch", aerr)
	}
	ah, err := decodeAkeyHeader(aval)
	if err != nil {
		return oh, dh, AkeyHeader{}, nil, wrapErr("obj_fetch", err)
	}
	return oh, dh, ah, at, nil
}

// punchCeiling returns the highest object- or dkey-level punch epoch at or
// below ep that covers the requested (dkey, akey). Akey punches are not
// part of it: they are tombstone records in the akey's own history.
func (o *Object) punchCeiling(oh index.ObjectHeader, dh DkeyHeader, ep types.Epoch) (types.Epoch, error) {
	arena := o.c.pool.arena
	objP, err := maxPunchEpoch(arena, oh.PunchHistRoot, ep)
	if err != nil {
		return 0, err
	}
	dkeyP, err := maxPunchEpoch(arena, dh.PunchHistRoot, ep)
	if err != nil {
		return 0, err
	}
	if dkeyP > objP {
		return dkeyP, nil
	}
	return objP, nil
}

// FetchSingle reads the single-value akey's payload visible at ep,
// returning NoKey when the akey has never been written or is punched as
// of ep, and InvalKind when it holds an array instead.
func (o *Object) FetchSingle(dkey, akey types.Key, ep types.Epoch) ([]byte, *Error) {
	o.c.pool.metrics.FetchesTotal.Inc()
	tm := metrics.NewTimer()
	defer tm.ObserveDuration(o.c.pool.metrics.FetchDuration)
	oh, dh, ah, _, err := o.readHeaders(dkey, akey)
	if err != nil {
		return nil, err.(*Error)
	}
	if ah.Kind != types.ValueSingle {
		return nil, newErr("obj_fetch", InvalKind, fmt.Errorf("akey is not single-valued"))
	}
	punchCeil, perr := o.punchCeiling(oh, dh, ep)
	if perr != nil {
		return nil, wrapErr("obj_fetch", perr)
	}

	ht := btree.Open(o.c.pool.arena, epochClass(), ah.SingleHistRoot)
	mk, val, ferr := ht.Fetch(btree.ProbeLe, epochKey(ep))
	if errors.Is(ferr, btree.ErrNotFound) {
		return nil, newErr("obj_fetch", NoKey, fmt.Errorf("no record at or before epoch %d", ep))
	}
	if ferr != nil {
		return nil, wrapErr("obj_fetch", ferr)
	}
	recEpoch := epochFromKey(mk)
	if recEpoch <= punchCeil {
		return nil, newErr("obj_fetch", NoKey, fmt.Errorf("punched at epoch %d", punchCeil))
	}
	visible, rerr := o.resolvePendingAt(recEpoch)
	if rerr != nil {
		return nil, wrapErr("obj_fetch", rerr)
	}
	if !visible {
		return nil, newErr("obj_fetch", NoKey, fmt.Errorf("owning transaction at epoch %d did not commit", recEpoch))
	}
	rec, derr := decodeSingleRecord(val)
	if derr != nil {
		return nil, wrapErr("obj_fetch", derr)
	}
	if rec.Punched {
		return nil, newErr("obj_fetch", NoKey, fmt.Errorf("explicitly punched"))
	}
	if checksum(rec.Payload) != rec.Checksum {
		return nil, newErr("obj_fetch", Corrupt, fmt.Errorf("checksum mismatch"))
	}
	return rec.Payload, nil
}

// FetchSingleInto is FetchSingle with a caller-supplied sink buffer: the
// value visible at ep is copied into sink and its length returned. A sink
// smaller than the stored value fails with TRUNC and no bytes are
// copied.
func (o *Object) FetchSingleInto(dkey, akey types.Key, ep types.Epoch, sink []byte) (int, *Error) {
	v, err := o.FetchSingle(dkey, akey, ep)
	if err != nil {
		return 0, err
	}
	if len(sink) < len(v) {
		return 0, newErr("obj_fetch", Trunc, fmt.Errorf("value is %d bytes, sink holds %d", len(v), len(sink)))
	}
	return copy(sink, v), nil
}

// ArrayRead is one resolved extent read: either a payload of
// Extent.Len*recSize bytes, or a hole (Hole==true, read as zero-fill).
type ArrayRead struct {
	Extent  types.Extent
	Payload []byte
	Hole    bool
}

// FetchArray reads an array akey at ep: each requested extent is
// resolved independently by overlaying fragments
// newest-epoch-first, truncated to ep and to whatever the cascading punch
// ceiling leaves visible.
func (o *Object) FetchArray(dkey, akey types.Key, ep types.Epoch, extents []types.Extent) ([]ArrayRead, *Error) {
	o.c.pool.metrics.FetchesTotal.Inc()
	tm := metrics.NewTimer()
	defer tm.ObserveDuration(o.c.pool.metrics.FetchDuration)
	oh, dh, ah, _, err := o.readHeaders(dkey, akey)
	if err != nil {
		return nil, err.(*Error)
	}
	if ah.Kind != types.ValueArray {
		return nil, newErr("obj_fetch", InvalKind, fmt.Errorf("akey is not array-valued"))
	}
	punchCeil, perr := o.punchCeiling(oh, dh, ep)
	if perr != nil {
		return nil, wrapErr("obj_fetch", perr)
	}

	var frags []ArrayFragment
	if ah.ArrayBlock != 0 {
		raw, rerr := o.c.pool.arena.Read(ah.ArrayBlock)
		if rerr != nil {
			return nil, wrapErr("obj_fetch", rerr)
		}
		decoded, derr := decodeArrayFragments(raw)
		if derr != nil {
			return nil, wrapErr("obj_fetch", derr)
		}
		frags = decoded
	}

	// A fragment written inside a still-pending DTX is invisible until that
	// transaction resolves; cache the resolution per distinct epoch since
	// several fragments commonly share one leader epoch.
	visibleAt := make(map[types.Epoch]bool)
	visible := frags[:0]
	for _, f := range frags {
		v, ok := visibleAt[f.Epoch]
		if !ok {
			var rerr error
			v, rerr = o.resolvePendingAt(f.Epoch)
			if rerr != nil {
				return nil, wrapErr("obj_fetch", rerr)
			}
			visibleAt[f.Epoch] = v
		}
		if v {
			visible = append(visible, f)
		}
	}
	frags = visible

	out := make([]ArrayRead, len(extents))
	for i, want := range extents {
		payload := make([]byte, want.Len*ah.RecSize)
		covered := make([]bool, want.Len)
		// newest-epoch-first overlay: later writers in the slice may be
		// older or newer, so sort logically by epoch descending at read
		// time rather than assuming write order.
		best := make([]types.Epoch, want.Len)
		for _, f := range frags {
			if f.Epoch > ep || f.Epoch <= punchCeil {
				continue
			}
			lo := maxU64(f.Extent.Start, want.Start)
			hi := minU64(f.Extent.End(), want.End())
			for idx := lo; idx < hi; idx++ {
				pos := idx - want.Start
				if covered[pos] && best[pos] >= f.Epoch {
					continue
				}
				covered[pos] = true
				best[pos] = f.Epoch
				if !f.Punched {
					srcOff := (idx - f.Extent.Start) * ah.RecSize
					copy(payload[pos*ah.RecSize:(pos+1)*ah.RecSize], f.Payload[srcOff:srcOff+ah.RecSize])
				}
			}
		}
		anyCovered := false
		for _, c := range covered {
			if c {
				anyCovered = true
				break
			}
		}
		out[i] = ArrayRead{Extent: want, Payload: payload, Hole: !anyCovered}
	}
	return out, nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Punch records a tombstone at ep: object/dkey/akey-scoped punches
// insert a cascading tombstone epoch, extent punches mark only the named
// ranges of one array akey.
func (o *Object) Punch(scope types.PunchScope, dkey, akey types.Key, extent *types.Extent, ep types.Epoch) *Error {
	if ep == 0 {
		return newErr("obj_punch", InvalArg, fmt.Errorf("epoch must be > 0"))
	}
	o.c.pool.metrics.PunchesTotal.Inc()
	return o.withWriteTx("obj_punch", func(tx *pmem.Tx) error {
		arena := o.c.pool.arena
		oh, err := o.c.oi.Get(o.id)
		if err != nil {
			return err
		}

		switch scope {
		case types.PunchObject:
			root, rerr := recordPunch(arena, tx, oh.PunchHistRoot, ep)
			if rerr != nil {
				return rerr
			}
			oh.PunchHistRoot = root
			return o.c.oi.Put(tx, o.id, oh)

		case types.PunchDkey:
			if oh.DkeyRoot == 0 {
				return newErr("obj_punch", NoKey, fmt.Errorf("no dkeys written"))
			}
			dt := btree.Open(arena, dkeyClass(), oh.DkeyRoot)
			key := encodeTreeKey(dkey)
			_, dval, derr := dt.Fetch(btree.ProbeEq, key)
			if derr != nil {
				return derr
			}
			dh, derr := decodeDkeyHeader(dval)
			if derr != nil {
				return derr
			}
			root, rerr := recordPunch(arena, tx, dh.PunchHistRoot, ep)
			if rerr != nil {
				return rerr
			}
			dh.PunchHistRoot = root
			if uerr := dt.Update(tx, key, encodeDkeyHeader(dh), btree.CondAny); uerr != nil {
				return uerr
			}
			oh.DkeyRoot = dt.Root()
			return o.c.oi.Put(tx, o.id, oh)

		case types.PunchAkey:
			return o.punchAkey(tx, oh, dkey, akey, ep)

		case types.PunchExtent:
			if extent == nil {
				return newErr("obj_punch", InvalArg, fmt.Errorf("extent punch requires an extent"))
			}
			return o.punchExtent(tx, oh, dkey, akey, *extent, ep)

		default:
			return newErr("obj_punch", InvalArg, fmt.Errorf("unknown punch scope %d", scope))
		}
	})
}

func (o *Object) punchAkey(tx *pmem.Tx, oh index.ObjectHeader, dkey, akey types.Key, ep types.Epoch) error {
	arena := o.c.pool.arena
	if oh.DkeyRoot == 0 {
		return newErr("obj_punch", NoKey, fmt.Errorf("no dkeys written"))
	}
	dt := btree.Open(arena, dkeyClass(), oh.DkeyRoot)
	dkeyRaw := encodeTreeKey(dkey)
	_, dval, derr := dt.Fetch(btree.ProbeEq, dkeyRaw)
	if derr != nil {
		return derr
	}
	dh, derr := decodeDkeyHeader(dval)
	if derr != nil {
		return derr
	}
	if dh.AkeyTreeRoot == 0 {
		return newErr("obj_punch", NoKey, fmt.Errorf("no akeys written"))
	}
	at := btree.Open(arena, akeyClass(), dh.AkeyTreeRoot)
	akeyRaw := encodeTreeKey(akey)
	_, aval, aerr := at.Fetch(btree.ProbeEq, akeyRaw)
	if aerr != nil {
		return aerr
	}
	ah, aerr := decodeAkeyHeader(aval)
	if aerr != nil {
		return aerr
	}

	switch ah.Kind {
	case types.ValueSingle:
		var ht *btree.Tree
		var herr error
		if ah.SingleHistRoot == 0 {
			ht, herr = btree.Create(arena, tx, epochClass())
		} else {
			ht = btree.Open(arena, epochClass(), ah.SingleHistRoot)
		}
		if herr != nil {
			return herr
		}
		rec := SingleRecord{Punched: true}
		if uerr := ht.Update(tx, epochKey(ep), encodeSingleRecord(rec), btree.CondUpsert); uerr != nil {
			return uerr
		}
		ah.SingleHistRoot = ht.Root()
	case types.ValueArray:
		var frags []ArrayFragment
		if ah.ArrayBlock != 0 {
			raw, rerr := arena.Read(ah.ArrayBlock)
			if rerr != nil {
				return rerr
			}
			decoded, derr := decodeArrayFragments(raw)
			if derr != nil {
				return derr
			}
			frags = decoded
		}
		// a whole-akey punch is represented the same way an extent punch
		// is: one tombstone fragment spanning the full index space, so
		// FetchArray's overlay logic needs no separate case for it.
		frags = append(frags, ArrayFragment{Extent: types.Extent{Start: 0, Len: ^uint64(0)}, Epoch: ep, Punched: true})
		encoded := encodeArrayFragments(frags)
		if ah.ArrayBlock == 0 {
			id, aerr := arena.Alloc(tx, encoded)
			if aerr != nil {
				return aerr
			}
			ah.ArrayBlock = id
		} else if werr := arena.Write(tx, ah.ArrayBlock, encoded); werr != nil {
			return werr
		}
	}

	if uerr := at.Update(tx, akeyRaw, encodeAkeyHeader(ah), btree.CondAny); uerr != nil {
		return uerr
	}
	dh.AkeyTreeRoot = at.Root()
	if uerr := dt.Update(tx, dkeyRaw, encodeDkeyHeader(dh), btree.CondAny); uerr != nil {
		return uerr
	}
	oh.DkeyRoot = dt.Root()
	return o.c.oi.Put(tx, o.id, oh)
}

func (o *Object) punchExtent(tx *pmem.Tx, oh index.ObjectHeader, dkey, akey types.Key, extent types.Extent, ep types.Epoch) error {
	arena := o.c.pool.arena
	if oh.DkeyRoot == 0 {
		return newErr("obj_punch", NoKey, fmt.Errorf("no dkeys written"))
	}
	dt := btree.Open(arena, dkeyClass(), oh.DkeyRoot)
	dkeyRaw := encodeTreeKey(dkey)
	_, dval, derr := dt.Fetch(btree.ProbeEq, dkeyRaw)
	if derr != nil {
		return derr
	}
	dh, derr := decodeDkeyHeader(dval)
	if derr != nil {
		return derr
	}
	if dh.AkeyTreeRoot == 0 {
		return newErr("obj_punch", NoKey, fmt.Errorf("no akeys written"))
	}
	at := btree.Open(arena, akeyClass(), dh.AkeyTreeRoot)
	akeyRaw := encodeTreeKey(akey)
	_, aval, aerr := at.Fetch(btree.ProbeEq, akeyRaw)
	if aerr != nil {
		return aerr
	}
	ah, aerr := decodeAkeyHeader(aval)
	if aerr != nil {
		return aerr
	}
	if ah.Kind != types.ValueArray {
		return newErr("obj_punch", InvalKind, fmt.Errorf("extent punch requires an array akey"))
	}

	var frags []ArrayFragment
	if ah.ArrayBlock != 0 {
		raw, rerr := arena.Read(ah.ArrayBlock)
		if rerr != nil {
			return rerr
		}
		frags, aerr = decodeArrayFragments(raw)
		if aerr != nil {
			return aerr
		}
	}
	frags = append(frags, ArrayFragment{Extent: extent, Epoch: ep, Punched: true})
	encoded := encodeArrayFragments(frags)
	if ah.ArrayBlock == 0 {
		id, aerr := arena.Alloc(tx, encoded)
		if aerr != nil {
			return aerr
		}
		ah.ArrayBlock = id
	} else if werr := arena.Write(tx, ah.ArrayBlock, encoded); werr != nil {
		return werr
	}

	if uerr := at.Update(tx, akeyRaw, encodeAkeyHeader(ah), btree.CondAny); uerr != nil {
		return uerr
	}
	dh.AkeyTreeRoot = at.Root()
	if uerr := dt.Update(tx, dkeyRaw, encodeDkeyHeader(dh), btree.CondAny); uerr != nil {
		return uerr
	}
	oh.DkeyRoot = dt.Root()
	return o.c.oi.Put(tx, o.id, oh)
}

// ListDkeys enumerates the dkeys written under this object, in the tree's
// key order, resuming from anchor.
func (o *Object) ListDkeys(anchor []byte, max int) ([]types.Key, []byte, *Error) {
	oh, err := o.c.oi.Get(o.id)
	if err != nil {
		return nil, nil, wrapErr("obj_list_dkey", err)
	}
	if oh.DkeyRoot == 0 {
		return nil, nil, nil
	}
	dt := btree.Open(o.c.pool.arena, dkeyClass(), oh.DkeyRoot)
	keys, next, lerr := listTreeKeys(dt, anchor, max)
	if lerr != nil {
		return nil, nil, wrapErr("obj_list_dkey", lerr)
	}
	return keys, next, nil
}

// ListAkeys enumerates the akeys written under dkey.
func (o *Object) ListAkeys(dkey types.Key, anchor []byte, max int) ([]types.Key, []byte, *Error) {
	oh, err := o.c.oi.Get(o.id)
	if err != nil {
		return nil, nil, wrapErr("obj_list_akey", err)
	}
	if oh.DkeyRoot == 0 {
		return nil, nil, newErr("obj_list_akey", NoKey, fmt.Errorf("no dkeys written"))
	}
	dt := btree.Open(o.c.pool.arena, dkeyClass(), oh.DkeyRoot)
	_, dval, derr := dt.Fetch(btree.ProbeEq, encodeTreeKey(dkey))
	if derr != nil {
		return nil, nil, wrapErr("obj_list_akey", derr)
	}
	dh, derr := decodeDkeyHeader(dval)
	if derr != nil {
		return nil, nil, wrapErr("obj_list_akey", derr)
	}
	if dh.AkeyTreeRoot == 0 {
		return nil, nil, nil
	}
	at := btree.Open(o.c.pool.arena, akeyClass(), dh.AkeyTreeRoot)
	keys, next, lerr := listTreeKeys(at, anchor, max)
	if lerr != nil {
		return nil, nil, wrapErr("obj_list_akey", lerr)
	}
	return keys, next, nil
}

// ListRecx enumerates the extents of an array akey's non-punched
// fragments, in ascending Start order. Every such fragment is listed
// whatever its epoch, including one that a later punch covers.
func (o *Object) ListRecx(dkey, akey types.Key) ([]types.Extent, *Error) {
	_, _, ah, _, err := o.readHeaders(dkey, akey)
	if err != nil {
		return nil, err.(*Error)
	}
	if ah.Kind != types.ValueArray {
		return nil, newErr("obj_list_recx", InvalKind, fmt.Errorf("akey is not array-valued"))
	}
	if ah.ArrayBlock == 0 {
		return nil, nil
	}
	raw, rerr := o.c.pool.arena.Read(ah.ArrayBlock)
	if rerr != nil {
		return nil, wrapErr("obj_list_recx", rerr)
	}
	frags, derr := decodeArrayFragments(raw)
	if derr != nil {
		return nil, wrapErr("obj_list_recx", derr)
	}
	var out []types.Extent
	for _, f := range frags {
		if !f.Punched {
			out = append(out, f.Extent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func listTreeKeys(t *btree.Tree, anchor []byte, max int) ([]types.Key, []byte, error) {
	it := t.IterPrepare(btree.IterOpts{})
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

	var out []types.Key
	var next []byte
	for len(out) < max {
		k, _, ferr := it.IterFetch()
		if ferr != nil {
			break
		}
		out = append(out, decodeTreeKey(k))
		next = append([]byte(nil), k...)
		if nerr := it.IterNext(); nerr != nil {
			next = nil
			break
		}
	}
	return out, next, nil
}

// Query reports the largest/smallest dkey, akey,
// or array extent as requested by flags. An explicit max epoch bounds only
// the choice of array extent; the dkey/akey extremes and MaxEpoch consider
// every record. When the query reaches an akey's records, MaxEpoch carries
// the newest epoch recorded under it, punch records included, without
// checking whether the owning DTX has committed.
type QueryResult struct {
	Dkey     types.Key
	Akey     types.Key
	Recx     types.Extent
	MaxEpoch types.Epoch
}

func (o *Object) Query(dkey *types.Key, akey *types.Key, flags types.QueryFlag, maxEpoch types.Epoch) (QueryResult, *Error) {
	var res QueryResult
	oh, err := o.c.oi.Get(o.id)
	if err != nil {
		return res, wrapErr("obj_query", err)
	}
	if oh.DkeyRoot == 0 {
		return res, newErr("obj_query", NoKey, fmt.Errorf("object has no dkeys"))
	}
	dt := btree.Open(o.c.pool.arena, dkeyClass(), oh.DkeyRoot)

	if flags.Has(types.QueryDkeyMax) || flags.Has(types.QueryDkeyMin) {
		op := btree.ProbeLast
		if flags.Has(types.QueryDkeyMin) {
			op = btree.ProbeFirst
		}
		it := dt.IterPrepare(btree.IterOpts{})
		if perr := it.IterProbe(op, nil); perr != nil {
			return res, wrapErr("obj_query", perr)
		}
		k, _, ferr := it.IterFetch()
		if ferr != nil {
			return res, wrapErr("obj_query", ferr)
		}
		res.Dkey = decodeTreeKey(k)
		if dkey == nil {
			dkey = &res.Dkey
		}
	}

	if dkey == nil {
		return res, newErr("obj_query", InvalArg, fmt.Errorf("akey/recx query requires a dkey"))
	}
	_, dval, derr := dt.Fetch(btree.ProbeEq, encodeTreeKey(*dkey))
	if derr != nil {
		return res, wrapErr("obj_query", derr)
	}
	dh, derr := decodeDkeyHeader(dval)
	if derr != nil {
		return res, wrapErr("obj_query", derr)
	}
	if !flags.Has(types.QueryAkeyMax) && !flags.Has(types.QueryAkeyMin) &&
		!flags.Has(types.QueryRecxMax) && !flags.Has(types.QueryRecxMin) &&
		!flags.Has(types.QueryMaxEpoch) {
		return res, nil
	}
	if dh.AkeyTreeRoot == 0 {
		return res, newErr("obj_query", NoKey, fmt.Errorf("dkey has no akeys"))
	}
	at := btree.Open(o.c.pool.arena, akeyClass(), dh.AkeyTreeRoot)

	if flags.Has(types.QueryAkeyMax) || flags.Has(types.QueryAkeyMin) {
		op := btree.ProbeLast
		if flags.Has(types.QueryAkeyMin) {
			op = btree.ProbeFirst
		}
		it := at.IterPrepare(btree.IterOpts{})
		if perr := it.IterProbe(op, nil); perr != nil {
			return res, wrapErr("obj_query", perr)
		}
		k, _, ferr := it.IterFetch()
		if ferr != nil {
			return res, wrapErr("obj_query", ferr)
		}
		res.Akey = decodeTreeKey(k)
		if akey == nil {
			akey = &res.Akey
		}
	}

	if !flags.Has(types.QueryRecxMax) && !flags.Has(types.QueryRecxMin) && !flags.Has(types.QueryMaxEpoch) {
		return res, nil
	}
	if akey == nil {
		return res, newErr("obj_query", InvalArg, fmt.Errorf("recx/max-epoch query requires an akey"))
	}
	_, aval, aerr := at.Fetch(btree.ProbeEq, encodeTreeKey(*akey))
	if aerr != nil {
		return res, wrapErr("obj_query", aerr)
	}
	ah, aerr := decodeAkeyHeader(aval)
	if aerr != nil {
		return res, wrapErr("obj_query", aerr)
	}

	if ah.Kind == types.ValueSingle {
		if flags.Has(types.QueryRecxMax) || flags.Has(types.QueryRecxMin) {
			return res, newErr("obj_query", InvalKind, fmt.Errorf("recx query on a single-value akey"))
		}
		if ah.SingleHistRoot == 0 {
			return res, newErr("obj_query", NoKey, fmt.Errorf("akey has no records"))
		}
		ht := btree.Open(o.c.pool.arena, epochClass(), ah.SingleHistRoot)
		mk, _, ferr := ht.Fetch(btree.ProbeLast, nil)
		if ferr != nil {
			return res, wrapErr("obj_query", ferr)
		}
		res.MaxEpoch = epochFromKey(mk)
		return res, nil
	}

	if ah.ArrayBlock == 0 {
		return res, newErr("obj_query", NoKey, fmt.Errorf("akey has no extents"))
	}
	raw, rerr := o.c.pool.arena.Read(ah.ArrayBlock)
	if rerr != nil {
		return res, wrapErr("obj_query", rerr)
	}
	frags, derr2 := decodeArrayFragments(raw)
	if derr2 != nil {
		return res, wrapErr("obj_query", derr2)
	}
	found := false
	for _, f := range frags {
		if f.Epoch > res.MaxEpoch {
			res.MaxEpoch = f.Epoch
		}
		if f.Punched || (maxEpoch > 0 && f.Epoch > maxEpoch) {
			continue
		}
		if !found {
			res.Recx = f.Extent
			found = true
			continue
		}
		if flags.Has(types.QueryRecxMax) && f.Extent.Start > res.Recx.Start {
			res.Recx = f.Extent
		}
		if flags.Has(types.QueryRecxMin) && f.Extent.Start < res.Recx.Start {
			res.Recx = f.Extent
		}
	}
	if !found && (flags.Has(types.QueryRecxMax) || flags.Has(types.QueryRecxMin)) {
		return res, newErr("obj_query", NoKey, fmt.Errorf("no live extents at the requested epoch"))
	}
	return res, nil
}
