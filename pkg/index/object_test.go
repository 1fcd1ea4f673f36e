package index

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vos/pkg/pmem"
	"github.com/cuemby/vos/pkg/types"
)

func openTestArena(t *testing.T) *pmem.Arena {
	t.Helper()
	arena, err := pmem.OpenArena(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })
	return arena
}

func beginTx(t *testing.T, arena *pmem.Arena) *pmem.Tx {
	t.Helper()
	tx, err := arena.Begin()
	require.NoError(t, err)
	return tx
}

func TestObjectIndexEnsureCreatedIsIdempotent(t *testing.T) {
	arena := openTestArena(t)
	tx := beginTx(t, arena)
	oi, err := CreateObjectIndex(arena, tx)
	require.NoError(t, err)

	id := types.ObjectID{Hi: uint64(types.ObjMultiHashed) << 32, Lo: 1}
	h1, err := oi.EnsureCreated(tx, id, types.Epoch(10))
	require.NoError(t, err)
	require.Equal(t, types.Epoch(10), h1.CreatedEpoch)

	h2, err := oi.EnsureCreated(tx, id, types.Epoch(99))
	require.NoError(t, err)
	require.Equal(t, types.Epoch(10), h2.CreatedEpoch, "second EnsureCreated must not overwrite the original epoch")
	require.NoError(t, tx.Commit())
}

func TestObjectIndexRejectsInvalidType(t *testing.T) {
	arena := openTestArena(t)
	tx := beginTx(t, arena)
	oi, err := CreateObjectIndex(arena, tx)
	require.NoError(t, err)

	bad := types.ObjectID{Hi: uint64(999) << 32, Lo: 1}
	_, err = oi.EnsureCreated(tx, bad, types.Epoch(1))
	require.ErrorIs(t, err, ErrInvalType)
	require.NoError(t, tx.Abort())
}

func TestObjectIndexMarkAndClear(t *testing.T) {
	arena := openTestArena(t)
	tx := beginTx(t, arena)
	oi, err := CreateObjectIndex(arena, tx)
	require.NoError(t, err)
	id := types.ObjectID{Hi: uint64(types.ObjArray) << 32, Lo: 7}
	_, err = oi.EnsureCreated(tx, id, types.Epoch(1))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2 := beginTx(t, arena)
	require.NoError(t, oi.Mark(tx2, id, []byte("hot")))
	require.NoError(t, tx2.Commit())

	h, err := oi.Get(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hot"), h.Mark)

	tx3 := beginTx(t, arena)
	require.NoError(t, oi.Clear(tx3, id))
	require.NoError(t, tx3.Commit())

	h, err = oi.Get(id)
	require.NoError(t, err)
	require.Empty(t, h.Mark)
}

func TestObjectIndexListRespectsSnapshotEpochAndAnchor(t *testing.T) {
	arena := openTestArena(t)
	tx := beginTx(t, arena)
	oi, err := CreateObjectIndex(arena, tx)
	require.NoError(t, err)

	var ids []types.ObjectID
	for i := uint64(1); i <= 5; i++ {
		id := types.ObjectID{Hi: uint64(types.ObjMultiHashed) << 32, Lo: i}
		ids = append(ids, id)
		_, err := oi.EnsureCreated(tx, id, types.Epoch(i))
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())

	// Only objects created at or before epoch 3 are visible.
	batch, _, err := oi.List(types.Epoch(3), nil, 100)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	// Anchor-paginate through everything at EpochMax.
	var all []types.ObjectID
	var anchor []byte
	for {
		page, next, err := oi.List(types.EpochMax, anchor, 2)
		require.NoError(t, err)
		all = append(all, page...)
		if next == nil || len(page) == 0 {
			break
		}
		anchor = next
	}
	require.Len(t, all, 5)
}

func TestContainerDirectoryCreateOpenDestroy(t *testing.T) {
	arena := openTestArena(t)
	tx := beginTx(t, arena)
	cd, err := CreateContainerDirectory(arena, tx)
	require.NoError(t, err)

	id := uuid.New()
	oi, err := cd.Create(tx, arena, id)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NotNil(t, oi)

	reopened, _, err := cd.Open(arena, id)
	require.NoError(t, err)
	require.NotNil(t, reopened)

	_, _, err = cd.Open(arena, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)

	ids, err := cd.List(100)
	require.NoError(t, err)
	require.Contains(t, ids, id)

	tx2 := beginTx(t, arena)
	require.NoError(t, cd.Destroy(tx2, arena, id))
	require.NoError(t, tx2.Commit())

	_, _, err = cd.Open(arena, id)
	require.ErrorIs(t, err, ErrNotFound)
}
