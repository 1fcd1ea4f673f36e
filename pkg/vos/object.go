package vos

import (
	"errors"
	"fmt"

	"github.com/cuemby/vos/pkg/btree"
	"github.com/cuemby/vos/pkg/index"
	"github.com/cuemby/vos/pkg/metrics"
	"github.com/cuemby/vos/pkg/pmem"
	"github.com/cuemby/vos/pkg/types"
)

// Object is a handle to one object within a container, addressed by its
// 128-bit id. Objects are created implicitly on first
// write; there is no separate ObjectCreate call.
type Object struct {
	c  *Container
	id types.ObjectID
}

// Object returns a handle for id under this container. The object need
// not exist yet; it comes into being on the first successful write.
func (c *Container) Object(id types.ObjectID) *Object { return &Object{c: c, id: id} }

// ArrayWrite is one (extent, payload) pair within a single obj_update
// array call; all extents of one call share the akey's record size.
type ArrayWrite struct {
	Extent  types.Extent
	Payload []byte
}

func dkeyClass() *btree.Class { return btree.NewLexicalClass("dkey", treeOrder) }
func akeyClass() *btree.Class { return btree.NewLexicalClass("akey", treeOrder) }

// epochClass orders a per-akey (or per-object/dkey punch) history tree by
// raw epoch value: epochKey is the fixed-width big-endian encoding
// epochFromKey reverses, so NewUint64Class's byte comparator is numeric
// epoch order.
func epochClass() *btree.Class { return btree.NewUint64Class("epoch-history", treeOrder) }
func punchHistClass() *btree.Class { return epochClass() }

// dkeyEntry resolves (creating if absent) the dkey tree and the header
// for dkey within it, mutating objHeader.DkeyRoot in place if the dkey
// tree had to be created or its root changed by a split.
// The returned bool reports whether this specific dkey already existed
// before the call — conditional flags are per-key, not per-tree: a dkey
// tree that already holds other dkeys says nothing about whether THIS
// dkey is present.
func (o *Object) dkeyEntry(tx *pmem.Tx, objHeader *index.ObjectHeader, dkey types.Key, createdEpoch types.Epoch) (*btree.Tree, DkeyHeader, bool, error) {
	arena := o.c.pool.arena
	var dt *btree.Tree
	var err error
	if objHeader.DkeyRoot == 0 {
		dt, err = btree.Create(arena, tx, dkeyClass())
		if err != nil {
			return nil, DkeyHeader{}, false, err
		}
	} else {
		dt = btree.Open(arena, dkeyClass(), objHeader.DkeyRoot)
	}

	key := encodeTreeKey(dkey)
	_, val, ferr := dt.Fetch(btree.ProbeEq, key)
	var dh DkeyHeader
	existed := false
	if ferr == nil {
		existed = true
		dh, err = decodeDkeyHeader(val)
		if err != nil {
			return nil, DkeyHeader{}, false, err
		}
	} else if errors.Is(ferr, btree.ErrNotFound) {
		dh = DkeyHeader{}
		if uerr := dt.Update(tx, key, encodeDkeyHeader(dh), btree.CondInsert); uerr != nil {
			return nil, DkeyHeader{}, false, uerr
		}
	} else {
		return nil, DkeyHeader{}, false, ferr
	}
	objHeader.DkeyRoot = dt.Root()
	return dt, dh, existed, nil
}

// akeyEntry resolves (creating if absent) the akey tree and the header
// for akey within it, validating that the requested kind/record size is
// consistent with whatever was chosen on first write.
// The returned bool reports whether this specific akey already existed
// before the call, for the same per-key (not per-tree) reason dkeyEntry
// does.
func (o *Object) akeyEntry(tx *pmem.Tx, dh *DkeyHeader, akey types.Key, kind types.ValueKind, recSize uint64) (*btree.Tree, AkeyHeader, bool, error) {
	arena := o.c.pool.arena
	var at *btree.Tree
	var err error
	if dh.AkeyTreeRoot == 0 {
		at, err = btree.Create(arena, tx, akeyClass())
		if err != nil {
			return nil, AkeyHeader{}, false, err
		}
	} else {
		at = btree.Open(arena, akeyClass(), dh.AkeyTreeRoot)
	}

	key := encodeTreeKey(akey)
	_, val, ferr := at.Fetch(btree.ProbeEq, key)
	var ah AkeyHeader
	existed := false
	if ferr == nil {
		existed = true
		ah, err = decodeAkeyHeader(val)
		if err != nil {
			return nil, AkeyHeader{}, false, err
		}
		if ah.Kind != types.ValueUnset && ah.Kind != kind {
			return nil, AkeyHeader{}, false, newErr("obj_update", InvalKind, fmt.Errorf("akey already holds kind %d", ah.Kind))
		}
		if kind == types.ValueArray && ah.RecSize != 0 && ah.RecSize != recSize {
			return nil, AkeyHeader{}, false, newErr("obj_update", InvalRecsize, fmt.Errorf("akey record size fixed at %d", ah.RecSize))
		}
		ah.Kind = kind
		if kind == types.ValueArray {
			ah.RecSize = recSize
		}
		if uerr := at.Update(tx, key, encodeAkeyHeader(ah), btree.CondAny); uerr != nil {
			return nil, AkeyHeader{}, false, uerr
		}
	} else if errors.Is(ferr, btree.ErrNotFound) {
		ah = AkeyHeader{Kind: kind, RecSize: recSize}
		if uerr := at.Update(tx, key, encodeAkeyHeader(ah), btree.CondInsert); uerr != nil {
			return nil, AkeyHeader{}, false, uerr
		}
	} else {
		return nil, AkeyHeader{}, false, ferr
	}
	dh.AkeyTreeRoot = at.Root()
	return at, ah, existed, nil
}

func (o *Object) saveDkeyHeader(tx *pmem.Tx, dt *btree.Tree, dkey types.Key, dh DkeyHeader) error {
	return dt.Update(tx, encodeTreeKey(dkey), encodeDkeyHeader(dh), btree.CondAny)
}

func (o *Object) saveAkeyHeader(tx *pmem.Tx, at *btree.Tree, akey types.Key, ah AkeyHeader) error {
	return at.Update(tx, encodeTreeKey(akey), encodeAkeyHeader(ah), btree.CondAny)
}

// checkCondFlags enforces the per-update conditional precondition
// flags. dkeyExisted/akeyExisted report
// whether the dkey/akey were already present before this call touched
// them.
func checkCondFlags(flags types.UpdateFlag, dkeyExisted, akeyExisted bool) error {
	if flags.Has(types.CondInsertDkey) && dkeyExisted {
		return newErr("obj_update", PrecondFail, fmt.Errorf("dkey already exists"))
	}
	if flags.Has(types.CondUpdateDkey) && !dkeyExisted {
		return newErr("obj_update", PrecondFail, fmt.Errorf("dkey does not exist"))
	}
	if flags.Has(types.CondInsertAkey) && akeyExisted {
		return newErr("obj_update", PrecondFail, fmt.Errorf("akey already exists"))
	}
	if flags.Has(types.CondUpdateAkey) && !akeyExisted {
		return newErr("obj_update", PrecondFail, fmt.Errorf("akey does not exist"))
	}
	return nil
}

// withWriteTx runs fn inside one arena transaction, submitted through the
// pool's single-threaded scheduler, aborting on any error fn
// returns and committing (with WAL logging) otherwise.
func (o *Object) withWriteTx(op string, fn func(tx *pmem.Tx) error) *Error {
	p := o.c.pool
	if e := p.checkWritable(op); e != nil {
		return e
	}
	err := p.sched.Submit(func() error {
		tx, terr := p.arena.Begin()
		if terr != nil {
			return wrapErrIface(op, terr)
		}
		oiRoot := o.c.oi.Root()
		if ferr := fn(tx); ferr != nil {
			tx.Abort()
			o.c.oi.Reset(oiRoot)
			if ve, ok := ferr.(*Error); ok {
				return ve
			}
			return wrapErrIface(op, ferr)
		}
		if o.c.oi.Root() != oiRoot {
			if herr := o.c.saveIndexRoot(tx); herr != nil {
				tx.Abort()
				o.c.oi.Reset(oiRoot)
				return wrapErrIface(op, herr)
			}
		}
		return wrapErrIface(op, tx.WithWAL(p.wal).Commit())
	})
	if err == nil {
		return nil
	}
	if ve, ok := err.(*Error); ok {
		if ve.Code == Conflict || ve.Code == PrecondFail {
			p.metrics.ConflictsTotal.Inc()
		}
		return ve
	}
	return newErr(op, InvalArg, err)
}

// UpdateSingle writes an epoch-stamped payload to a single-value akey.
func (o *Object) UpdateSingle(dkey, akey types.Key, payload []byte, ep types.Epoch, flags types.UpdateFlag) *Error {
	if ep == 0 {
		return newErr("obj_update", InvalArg, fmt.Errorf("epoch must be > 0"))
	}
	o.c.pool.metrics.UpdatesTotal.Inc()
	tm := metrics.NewTimer()
	defer tm.ObserveDuration(o.c.pool.metrics.UpdateDuration)
	return o.withWriteTx("obj_update", func(tx *pmem.Tx) error {
		objHeader, err := o.c.oi.EnsureCreated(tx, o.id, ep)
		if err != nil {
			return err
		}
		dt, dh, dkeyExisted, err := o.dkeyEntry(tx, &objHeader, dkey, ep)
		if err != nil {
			return err
		}
		at, ah, akeyExisted, err := o.akeyEntry(tx, &dh, akey, types.ValueSingle, 0)
		if err != nil {
			return err
		}
		if err := checkCondFlags(flags, dkeyExisted, akeyExisted); err != nil {
			return err
		}

		var ht *btree.Tree
		if ah.SingleHistRoot == 0 {
			ht, err = btree.Create(o.c.pool.arena, tx, epochClass())
		} else {
			ht = btree.Open(o.c.pool.arena, epochClass(), ah.SingleHistRoot)
		}
		if err != nil {
			return err
		}
		rec := SingleRecord{Payload: append([]byte(nil), payload...), Size: uint32(len(payload)), Checksum: checksum(payload)}
		if uerr := ht.Update(tx, epochKey(ep), encodeSingleRecord(rec), btree.CondInsert); uerr != nil {
			if errors.Is(uerr, btree.ErrPrecondFail) {
				return newErr("obj_update", Conflict, fmt.Errorf("epoch %d already has a record for this akey", ep))
			}
			return uerr
		}
		ah.SingleHistRoot = ht.Root()

		if err := o.saveAkeyHeader(tx, at, akey, ah); err != nil {
			return err
		}
		if err := o.saveDkeyHeader(tx, dt, dkey, dh); err != nil {
			return err
		}
		return o.c.oi.Put(tx, o.id, objHeader)
	})
}

// UpdateArray writes one or more epoch-stamped extents to an array akey,
// all sharing the record size fixed by the akey's first write.
func (o *Object) UpdateArray(dkey, akey types.Key, recSize uint64, writes []ArrayWrite, ep types.Epoch, flags types.UpdateFlag) *Error {
	if ep == 0 {
		return newErr("obj_update", InvalArg, fmt.Errorf("epoch must be > 0"))
	}
	if len(writes) == 0 {
		return newErr("obj_update", InvalArg, fmt.Errorf("no extents given"))
	}
	for _, w := range writes {
		if uint64(len(w.Payload)) != w.Extent.Len*recSize {
			return newErr("obj_update", InvalRecsize, fmt.Errorf("payload length does not match extent.len*recSize"))
		}
	}
	o.c.pool.metrics.UpdatesTotal.Inc()
	tm := metrics.NewTimer()
	defer tm.ObserveDuration(o.c.pool.metrics.UpdateDuration)
	return o.withWriteTx("obj_update", func(tx *pmem.Tx) error {
		objHeader, err := o.c.oi.EnsureCreated(tx, o.id, ep)
		if err != nil {
			return err
		}
		dt, dh, dkeyExisted, err := o.dkeyEntry(tx, &objHeader, dkey, ep)
		if err != nil {
			return err
		}
		at, ah, akeyExisted, err := o.akeyEntry(tx, &dh, akey, types.ValueArray, recSize)
		if err != nil {
			return err
		}
		if err := checkCondFlags(flags, dkeyExisted, akeyExisted); err != nil {
			return err
		}

		var frags []ArrayFragment
		if ah.ArrayBlock != 0 {
			raw, rerr := o.c.pool.arena.Read(ah.ArrayBlock)
			if rerr != nil {
				return rerr
			}
			frags, err = decodeArrayFragments(raw)
			if err != nil {
				return err
			}
		}
		for _, w := range writes {
			for _, f := range frags {
				if f.Epoch == ep && f.Extent.Overlaps(w.Extent) {
					return newErr("obj_update", Conflict, fmt.Errorf("epoch %d already has an overlapping extent", ep))
				}
			}
			frags = append(frags, ArrayFragment{Extent: w.Extent, Epoch: ep, Payload: append([]byte(nil), w.Payload...)})
		}
		encoded := encodeArrayFragments(frags)
		if ah.ArrayBlock == 0 {
			id, aerr := o.c.pool.arena.Alloc(tx, encoded)
			if aerr != nil {
				return aerr
			}
			ah.ArrayBlock = id
		} else {
			if werr := o.c.pool.arena.Write(tx, ah.ArrayBlock, encoded); werr != nil {
				return werr
			}
		}

		if err := o.saveAkeyHeader(tx, at, akey, ah); err != nil {
			return err
		}
		if err := o.saveDkeyHeader(tx, dt, dkey, dh); err != nil {
			return err
		}
		return o.c.oi.Put(tx, o.id, objHeader)
	})
}
