package vos

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vos/pkg/pmem"
	"github.com/cuemby/vos/pkg/types"
)

// openTestPool creates a fresh pool + container in a temp directory and
// registers cleanup, mirroring pkg/btree and pkg/index's own test helpers.
func openTestPool(t *testing.T) *Pool {
	t.Helper()
	opts := DefaultPoolOptions(t.TempDir())
	p, err := PoolCreate(opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.PoolClose() })
	return p
}

func openTestContainer(t *testing.T, p *Pool) *Container {
	t.Helper()
	c, err := p.ContainerCreate(uuid.New(), ContainerOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { c.ContainerClose() })
	return c
}

func testObject(t *testing.T, c *Container, lo uint64) *Object {
	t.Helper()
	id := types.ObjectID{Hi: 0, Lo: lo}.WithType(types.ObjMultiHashed)
	return c.Object(id)
}

func TestSingleValueEpochLadder(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 1)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))

	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v1"), 10, 0))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v2"), 20, 0))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v3"), 30, 0))

	v, err := obj.FetchSingle(dkey, akey, 15)
	require.Nil(t, err)
	require.Equal(t, []byte("v1"), v)

	v, err = obj.FetchSingle(dkey, akey, 25)
	require.Nil(t, err)
	require.Equal(t, []byte("v2"), v)

	v, err = obj.FetchSingle(dkey, akey, 30)
	require.Nil(t, err)
	require.Equal(t, []byte("v3"), v)

	_, err = obj.FetchSingle(dkey, akey, 5)
	require.NotNil(t, err)
	require.Equal(t, NoKey, err.Code)
}

// A punch hides older records, not newer ones.
func TestPunchHidesOlderNotNewer(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 2)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))

	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v1"), 10, 0))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v2"), 20, 0))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v3"), 30, 0))
	require.Nil(t, obj.Punch(types.PunchAkey, dkey, akey, nil, 25))

	_, err := obj.FetchSingle(dkey, akey, 25)
	require.NotNil(t, err)
	require.Equal(t, NoKey, err.Code)

	v, err := obj.FetchSingle(dkey, akey, 30)
	require.Nil(t, err)
	require.Equal(t, []byte("v3"), v)

	v, err = obj.FetchSingle(dkey, akey, 20)
	require.Nil(t, err)
	require.Equal(t, []byte("v2"), v)
}

func TestArrayExtentOverwrite(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 3)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("x"))

	require.Nil(t, obj.UpdateArray(dkey, akey, 1, []ArrayWrite{
		{Extent: types.Extent{Start: 0, Len: 4}, Payload: []byte("AAAA")},
	}, 100, 0))
	require.Nil(t, obj.UpdateArray(dkey, akey, 1, []ArrayWrite{
		{Extent: types.Extent{Start: 1, Len: 1}, Payload: []byte("Z")},
	}, 200, 0))

	reads, err := obj.FetchArray(dkey, akey, 100, []types.Extent{{Start: 0, Len: 4}})
	require.Nil(t, err)
	require.Equal(t, []byte("AAAA"), reads[0].Payload)

	reads, err = obj.FetchArray(dkey, akey, 200, []types.Extent{{Start: 0, Len: 4}})
	require.Nil(t, err)
	require.Equal(t, []byte("AZAA"), reads[0].Payload)
}

// Two conditional inserts racing at the same epoch: one writer wins,
// the other sees a precondition failure or a conflict, never both.
func TestConditionalInsertRace(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 4)
	dkey, akey := types.BytesKey([]byte("d2")), types.BytesKey([]byte("a2"))

	err1 := obj.UpdateSingle(dkey, akey, []byte("p1"), 50, types.CondInsertAkey)
	err2 := obj.UpdateSingle(dkey, akey, []byte("p2"), 50, types.CondInsertAkey)

	oneOK := (err1 == nil) != (err2 == nil)
	require.True(t, oneOK, "exactly one of the two equal-epoch inserts must succeed")

	v, ferr := obj.FetchSingle(dkey, akey, 50)
	require.Nil(t, ferr)
	if err1 == nil {
		require.Equal(t, []byte("p1"), v)
	} else {
		require.Equal(t, []byte("p2"), v)
	}
}

// Listing with an anchor across many batches reconstructs the full
// sorted key sequence with no duplicates or omissions.
func TestListingWithAnchor(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 5)
	akey := types.BytesKey([]byte("a"))

	const n = 200
	for i := 0; i < n; i++ {
		k := []byte(keyName(i))
		require.Nil(t, obj.UpdateSingle(types.BytesKey(k), akey, []byte("v"), 1, 0))
	}

	var got []string
	var anchor []byte
	for {
		keys, next, err := obj.ListDkeys(anchor, 17)
		require.Nil(t, err)
		if len(keys) == 0 {
			break
		}
		for _, k := range keys {
			got = append(got, string(k.Bytes))
		}
		if next == nil {
			break
		}
		anchor = next
	}

	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		require.Equal(t, keyName(i), got[i])
	}
}

func keyName(i int) string {
	const digits = "0123456789"
	b := []byte("k0000")
	for p := 3; i > 0 && p >= 0; p-- {
		b[p+1] = digits[i%10]
		i /= 10
	}
	return string(b)
}

// Aggregation over a window preserves the value visible at a pinned
// snapshot epoch.
func TestAggregatePreservesSnapshot(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 6)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))

	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("at40"), 40, 0))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("at45"), 45, 0))
	p.snaps.Pin(50)

	require.NoError(t, p.Aggregate(1, 49))

	v, err := obj.FetchSingle(dkey, akey, 50)
	require.Nil(t, err)
	require.Equal(t, []byte("at45"), v)
}

// A repeated conditional insert fails the second call and leaves the
// first payload in place.
func TestPropertyConditionalInsertIsOneShot(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 7)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))

	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v"), 1, types.CondInsertAkey))
	err := obj.UpdateSingle(dkey, akey, []byte("v2"), 2, types.CondInsertAkey)
	require.NotNil(t, err)
	require.Equal(t, PrecondFail, err.Code)

	v, ferr := obj.FetchSingle(dkey, akey, 2)
	require.Nil(t, ferr)
	require.Equal(t, []byte("v"), v)
}

// Two non-overlapping extent writes at the same epoch produce exactly
// their concatenation, with holes outside the written ranges.
func TestPropertyNonOverlappingExtentsAtSameEpoch(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 8)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("x"))

	require.Nil(t, obj.UpdateArray(dkey, akey, 1, []ArrayWrite{
		{Extent: types.Extent{Start: 0, Len: 2}, Payload: []byte("AB")},
		{Extent: types.Extent{Start: 10, Len: 2}, Payload: []byte("CD")},
	}, 5, 0))

	reads, err := obj.FetchArray(dkey, akey, 5, []types.Extent{
		{Start: 0, Len: 2}, {Start: 5, Len: 2}, {Start: 10, Len: 2},
	})
	require.Nil(t, err)
	require.Equal(t, []byte("AB"), reads[0].Payload)
	require.False(t, reads[0].Hole)
	require.True(t, reads[1].Hole)
	require.Equal(t, []byte("CD"), reads[2].Payload)
	require.False(t, reads[2].Hole)
}

// Overlapping writes at the same epoch are forbidden.
func TestSameEpochOverlappingArrayWritesConflict(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 9)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("x"))

	require.Nil(t, obj.UpdateArray(dkey, akey, 1, []ArrayWrite{
		{Extent: types.Extent{Start: 0, Len: 4}, Payload: []byte("AAAA")},
	}, 5, 0))
	err := obj.UpdateArray(dkey, akey, 1, []ArrayWrite{
		{Extent: types.Extent{Start: 2, Len: 2}, Payload: []byte("ZZ")},
	}, 5, 0)
	require.NotNil(t, err)
	require.Equal(t, Conflict, err.Code)
}

// Switching an akey's record size fails with INVAL_RECSIZE.
func TestArrayRecordSizeIsFixedOnFirstWrite(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 10)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("x"))

	require.Nil(t, obj.UpdateArray(dkey, akey, 4, []ArrayWrite{
		{Extent: types.Extent{Start: 0, Len: 1}, Payload: []byte("abcd")},
	}, 1, 0))
	err := obj.UpdateArray(dkey, akey, 8, []ArrayWrite{
		{Extent: types.Extent{Start: 1, Len: 1}, Payload: []byte("abcdefgh")},
	}, 2, 0)
	require.NotNil(t, err)
	require.Equal(t, InvalRecsize, err.Code)
}

// Discard unconditionally removes records in (lo, hi) regardless of
// tombstones, as used to undo an aborted DTX.
func TestDiscardRemovesRecordsInRange(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 11)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))

	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v1"), 10, 0))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v2"), 20, 0))

	require.NoError(t, p.Discard(15, 25))

	v, err := obj.FetchSingle(dkey, akey, 30)
	require.Nil(t, err)
	require.Equal(t, []byte("v1"), v, "the discarded epoch-20 write must no longer be visible")
}

// DTX lifecycle: a write's epoch is invisible while its
// owning DTX is pending and becomes visible on commit.
func TestDTXCommitMakesWritesVisible(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 12)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))

	id, leaderEpoch := p.DTXOpen([]string{"shard-0"})
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v"), leaderEpoch, 0))
	require.Nil(t, p.DTXCommit(id))

	v, err := obj.FetchSingle(dkey, akey, leaderEpoch)
	require.Nil(t, err)
	require.Equal(t, []byte("v"), v)
}

// obj_query reports the largest/smallest dkey and akey.
func TestQueryReportsExtremes(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 13)
	akey := types.BytesKey([]byte("a"))
	require.Nil(t, obj.UpdateSingle(types.BytesKey([]byte("aaa")), akey, []byte("v"), 1, 0))
	require.Nil(t, obj.UpdateSingle(types.BytesKey([]byte("zzz")), akey, []byte("v"), 1, 0))

	res, err := obj.Query(nil, nil, types.QueryDkeyMax, 0)
	require.Nil(t, err)
	require.Equal(t, "zzz", string(res.Dkey.Bytes))

	res, err = obj.Query(nil, nil, types.QueryDkeyMin, 0)
	require.Nil(t, err)
	require.Equal(t, "aaa", string(res.Dkey.Bytes))
}

// Pool lifecycle: a pool refuses to close while a container handle is
// still open.
func TestPoolCloseBusyWithOpenContainer(t *testing.T) {
	opts := DefaultPoolOptions(t.TempDir())
	p, err := PoolCreate(opts)
	require.NoError(t, err)
	c, cerr := p.ContainerCreate(uuid.New(), ContainerOptions{})
	require.NoError(t, cerr)

	err = p.PoolClose()
	require.Error(t, err)

	require.NoError(t, c.ContainerClose())
	require.NoError(t, p.PoolClose())
}

// cond_insert_akey must be evaluated per-key, not per-tree: inserting a
// brand-new akey under a dkey that already holds a sibling akey must
// still succeed.
func TestCondInsertAkeyIgnoresSiblingAkeys(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 14)
	dkey := types.BytesKey([]byte("d"))

	require.Nil(t, obj.UpdateSingle(dkey, types.BytesKey([]byte("a1")), []byte("v1"), 1, types.CondInsertAkey))
	err := obj.UpdateSingle(dkey, types.BytesKey([]byte("a2")), []byte("v2"), 2, types.CondInsertAkey)
	require.Nil(t, err, "a2 is new under d even though a1 already exists there")

	v, ferr := obj.FetchSingle(dkey, types.BytesKey([]byte("a2")), 2)
	require.Nil(t, ferr)
	require.Equal(t, []byte("v2"), v)
}

// cond_insert_dkey must likewise be evaluated per-key: a new dkey under
// an object that already holds a sibling dkey must still succeed.
func TestCondInsertDkeyIgnoresSiblingDkeys(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 15)
	akey := types.BytesKey([]byte("a"))

	require.Nil(t, obj.UpdateSingle(types.BytesKey([]byte("d1")), akey, []byte("v1"), 1, types.CondInsertDkey))
	err := obj.UpdateSingle(types.BytesKey([]byte("d2")), akey, []byte("v2"), 2, types.CondInsertDkey)
	require.Nil(t, err, "d2 is new under the object even though d1 already exists there")
}

// Running aggregate over the same window twice produces the same
// observable state as running it once.
func TestAggregateIsIdempotent(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 16)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))

	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("old"), 10, 0))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("mid"), 20, 0))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("new"), 30, 0))
	p.snaps.Pin(35)

	require.NoError(t, p.Aggregate(1, 25))
	v1, err := obj.FetchSingle(dkey, akey, 35)
	require.Nil(t, err)

	require.NoError(t, p.Aggregate(1, 25))
	v2, err := obj.FetchSingle(dkey, akey, 35)
	require.Nil(t, err)
	require.Equal(t, v1, v2)
	require.Equal(t, []byte("new"), v2)
}

// Aggregation refuses a window straddled by a still-pending DTX.
func TestAggregateBusyWhilePendingDTXStraddlesWindow(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 17)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))

	id, le := p.DTXOpen([]string{"shard-0"})
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v"), le, 0))

	err := p.Aggregate(le-1, le+1)
	require.Error(t, err)
	require.ErrorIs(t, err, Busy)

	require.Nil(t, p.DTXCommit(id))
	require.NoError(t, p.Aggregate(le-1, le+1))
}

// FetchSingleInto reports TRUNC without copying when the sink is smaller
// than the stored value.
func TestFetchSingleIntoTruncatesSmallSink(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 18)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("longvalue"), 1, 0))

	small := make([]byte, 4)
	_, err := obj.FetchSingleInto(dkey, akey, 1, small)
	require.NotNil(t, err)
	require.Equal(t, Trunc, err.Code)

	sink := make([]byte, 16)
	n, err := obj.FetchSingleInto(dkey, akey, 1, sink)
	require.Nil(t, err)
	require.Equal(t, []byte("longvalue"), sink[:n])
}

// QueryMaxEpoch reports the newest committed epoch under the akey.
func TestQueryReportsMaxEpoch(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	obj := testObject(t, c, 19)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v1"), 7, 0))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v2"), 42, 0))

	res, err := obj.Query(&dkey, &akey, types.QueryMaxEpoch, 0)
	require.Nil(t, err)
	require.Equal(t, types.Epoch(42), res.MaxEpoch)
}

// A committed write survives a pool close/reopen cycle: every tree root in
// the chain (superblock → container directory → container header → object
// header) must have been persisted, not just held in memory.
func TestPoolReopenPreservesCommittedData(t *testing.T) {
	dir := t.TempDir()
	p, err := PoolCreate(DefaultPoolOptions(dir))
	require.NoError(t, err)
	contID := uuid.New()
	c, cerr := p.ContainerCreate(contID, ContainerOptions{})
	require.NoError(t, cerr)
	obj := testObject(t, c, 20)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))
	for i := 0; i < 64; i++ {
		require.Nil(t, obj.UpdateSingle(types.BytesKey([]byte(keyName(i))), akey, []byte("v"), 1, 0))
	}
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("durable"), 5, 0))
	require.NoError(t, c.ContainerClose())
	require.NoError(t, p.PoolClose())

	p2, err := PoolOpen(PoolOptions{DataDir: dir, Mode: types.ModeReadWrite})
	require.NoError(t, err)
	defer p2.PoolClose()
	c2, cerr := p2.ContainerOpen(contID)
	require.NoError(t, cerr)
	defer c2.ContainerClose()

	v, ferr := c2.Object(obj.id).FetchSingle(dkey, akey, 10)
	require.Nil(t, ferr)
	require.Equal(t, []byte("durable"), v)
}

// A second open of an already-open pool is refused with BUSY; the arena
// file has a single owner per process.
func TestSecondOpenOfOpenPoolIsBusy(t *testing.T) {
	dir := t.TempDir()
	p, err := PoolCreate(DefaultPoolOptions(dir))
	require.NoError(t, err)

	_, err = PoolOpen(PoolOptions{DataDir: dir, Mode: types.ModeReadWrite | types.ModeExclusive})
	require.Error(t, err)
	require.ErrorIs(t, err, Busy)

	require.NoError(t, p.PoolClose())
	p2, err := PoolOpen(PoolOptions{DataDir: dir, Mode: types.ModeReadWrite})
	require.NoError(t, err)
	require.NoError(t, p2.PoolClose())
}

// A pool opened read_only serves fetches but rejects every mutation.
func TestReadOnlyOpenRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	p, err := PoolCreate(DefaultPoolOptions(dir))
	require.NoError(t, err)
	contID := uuid.New()
	c, cerr := p.ContainerCreate(contID, ContainerOptions{})
	require.NoError(t, cerr)
	obj := testObject(t, c, 21)
	dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))
	require.Nil(t, obj.UpdateSingle(dkey, akey, []byte("v"), 1, 0))
	require.NoError(t, c.ContainerClose())
	require.NoError(t, p.PoolClose())

	p2, err := PoolOpen(PoolOptions{DataDir: dir, Mode: types.ModeReadOnly})
	require.NoError(t, err)
	defer p2.PoolClose()
	c2, cerr := p2.ContainerOpen(contID)
	require.NoError(t, cerr)
	defer c2.ContainerClose()
	obj2 := c2.Object(obj.id)

	v, ferr := obj2.FetchSingle(dkey, akey, 1)
	require.Nil(t, ferr)
	require.Equal(t, []byte("v"), v)

	uerr := obj2.UpdateSingle(dkey, akey, []byte("nope"), 2, 0)
	require.NotNil(t, uerr)
	require.Equal(t, InvalState, uerr.Code)
}

// Layout version 1 is recognised but rejected with DF_INCOMPT.
func TestLayoutVersionOneRejected(t *testing.T) {
	dir := t.TempDir()
	arena, err := pmem.OpenArena(dir)
	require.NoError(t, err)
	tx, err := arena.Begin()
	require.NoError(t, err)
	sb := superblock{Magic: superblockMagic, Version: 1, PoolUUID: uuid.New()}
	require.NoError(t, arena.SaveCA(tx, superblockKey, encodeSuperblock(sb)))
	require.NoError(t, tx.Commit())
	require.NoError(t, arena.Close())

	_, err = PoolOpen(PoolOptions{DataDir: dir, Mode: types.ModeReadWrite})
	require.Error(t, err)
	require.ErrorIs(t, err, DFIncompt)
}

// Object-id type validation rejects anything outside the closed type
// enumeration.
func TestUpdateRejectsInvalidObjectType(t *testing.T) {
	p := openTestPool(t)
	c := openTestContainer(t, p)
	bad := types.ObjectID{Hi: uint64(999) << 32, Lo: 1}
	obj := c.Object(bad)
	err := obj.UpdateSingle(types.BytesKey([]byte("d")), types.BytesKey([]byte("a")), []byte("v"), 1, 0)
	require.NotNil(t, err)
	require.Equal(t, InvalType, err.Code)
}
