package pmem

import (
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func openTestArena(t *testing.T) *Arena {
	t.Helper()
	arena, err := OpenArena(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })
	return arena
}

func TestArenaAllocWriteReadRoundTrip(t *testing.T) {
	arena := openTestArena(t)
	tx, err := arena.Begin()
	require.NoError(t, err)

	id, err := arena.Alloc(tx, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	got, err := arena.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestArenaWriteOverwritesInPlace(t *testing.T) {
	arena := openTestArena(t)
	tx, err := arena.Begin()
	require.NoError(t, err)
	id, err := arena.Alloc(tx, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := arena.Begin()
	require.NoError(t, err)
	require.NoError(t, arena.Write(tx2, id, []byte("v2")))
	require.NoError(t, tx2.Commit())

	got, err := arena.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestArenaFreeReclaimsIDOnlyAfterCommit(t *testing.T) {
	arena := openTestArena(t)
	tx, err := arena.Begin()
	require.NoError(t, err)
	id, err := arena.Alloc(tx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := arena.Begin()
	require.NoError(t, err)
	require.NoError(t, arena.Free(tx2, id))
	// Block id must not be reusable while the freeing tx is still open.
	require.Zero(t, arena.BytesFree())
	require.NoError(t, tx2.Commit())

	require.Equal(t, uint64(1), arena.BytesFree())

	_, err = arena.Read(id)
	require.Error(t, err)
}

func TestArenaAbortDoesNotReclaimFreedID(t *testing.T) {
	arena := openTestArena(t)
	tx, err := arena.Begin()
	require.NoError(t, err)
	id, err := arena.Alloc(tx, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := arena.Begin()
	require.NoError(t, err)
	require.NoError(t, arena.Free(tx2, id))
	require.NoError(t, tx2.Abort())

	require.Zero(t, arena.BytesFree(), "an aborted free must not return the id to the free bitmap")
	got, err := arena.Read(id)
	require.NoError(t, err, "the block must still be readable since the free was rolled back")
	require.Equal(t, []byte("x"), got)
}

func TestArenaAllocReusesFreedIDBeforeMintingNew(t *testing.T) {
	arena := openTestArena(t)
	tx, err := arena.Begin()
	require.NoError(t, err)
	first, err := arena.Alloc(tx, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := arena.Begin()
	require.NoError(t, err)
	require.NoError(t, arena.Free(tx2, first))
	require.NoError(t, tx2.Commit())

	tx3, err := arena.Begin()
	require.NoError(t, err)
	reused, err := arena.Alloc(tx3, []byte("b"))
	require.NoError(t, err)
	require.NoError(t, tx3.Commit())

	require.Equal(t, first, reused)
}

func TestArenaSaveCALoadCARoundTrip(t *testing.T) {
	arena := openTestArena(t)
	tx, err := arena.Begin()
	require.NoError(t, err)
	require.NoError(t, arena.SaveCA(tx, "superblock", []byte("sb-bytes")))
	require.NoError(t, tx.Commit())

	got, err := arena.LoadCA("superblock")
	require.NoError(t, err)
	require.Equal(t, []byte("sb-bytes"), got)

	_, err = arena.LoadCA("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestArenaReplayRangeWriteAndFree(t *testing.T) {
	arena := openTestArena(t)
	require.NoError(t, arena.ReplayRange(BlockID(42), []byte("replayed")))

	got, err := arena.Read(BlockID(42))
	require.NoError(t, err)
	require.Equal(t, []byte("replayed"), got)

	require.NoError(t, arena.ReplayRange(BlockID(42), nil))
	_, err = arena.Read(BlockID(42))
	require.Error(t, err)
}

func TestTxNestedBeginOnlyOutermostCommitTakesEffect(t *testing.T) {
	arena := openTestArena(t)
	tx, err := arena.Begin()
	require.NoError(t, err)

	inner := tx.Begin()
	require.Same(t, tx, inner)

	id, err := arena.Alloc(tx, []byte("nested"))
	require.NoError(t, err)

	// Inner commit just decrements depth; nothing is durable yet.
	require.NoError(t, inner.Commit())
	_, err = arena.Read(id)
	require.Error(t, err, "a nested commit above depth zero must not finalize the transaction")

	require.NoError(t, tx.Commit())
	got, err := arena.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("nested"), got)
}

func TestTxNestedAbortRollsBackAtOutermostLevel(t *testing.T) {
	arena := openTestArena(t)
	tx, err := arena.Begin()
	require.NoError(t, err)
	inner := tx.Begin()

	id, err := arena.Alloc(tx, []byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, inner.Abort())
	require.NoError(t, tx.Abort())

	_, err = arena.Read(id)
	require.Error(t, err)
}

func TestTxCommitWithWALAppendsRangesBeforeCommitting(t *testing.T) {
	arena := openTestArena(t)
	wal, err := OpenWAL(t.TempDir())
	require.NoError(t, err)
	defer wal.Close()

	tx, err := arena.Begin()
	require.NoError(t, err)
	tx = tx.WithWAL(wal)
	id, err := arena.Alloc(tx, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NotZero(t, tx.Seq)

	var replayed []byte
	require.NoError(t, wal.Replay(func(block BlockID, data []byte) error {
		if block == id {
			replayed = data
		}
		return nil
	}))
	require.Equal(t, []byte("durable"), replayed)
}

func TestWALReplayAppliesRangesInSequenceOrder(t *testing.T) {
	wal, err := OpenWAL(t.TempDir())
	require.NoError(t, err)
	defer wal.Close()

	_, err = wal.Append([]walRange{{Block: 1, Data: []byte("v1")}})
	require.NoError(t, err)
	_, err = wal.Append([]walRange{{Block: 1, Data: []byte("v2")}})
	require.NoError(t, err)
	_, err = wal.Append([]walRange{{Block: 1, Data: nil}})
	require.NoError(t, err)

	var seen []string
	require.NoError(t, wal.Replay(func(block BlockID, data []byte) error {
		if data == nil {
			seen = append(seen, "free")
			return nil
		}
		seen = append(seen, string(data))
		return nil
	}))
	require.Equal(t, []string{"v1", "v2", "free"}, seen)
}

func TestWALReplayStopsAtCorruptRecord(t *testing.T) {
	wal, err := OpenWAL(t.TempDir())
	require.NoError(t, err)
	defer wal.Close()

	_, err = wal.Append([]walRange{{Block: 1, Data: []byte("good")}})
	require.NoError(t, err)
	seq2, err := wal.Append([]walRange{{Block: 2, Data: []byte("good-too")}})
	require.NoError(t, err)

	var entry raft.Log
	require.NoError(t, wal.store.GetLog(seq2, &entry))
	tampered := append([]byte(nil), entry.Data...)
	tampered[len(tampered)-1] ^= 0xFF // flip a CRC byte
	entry.Data = tampered
	require.NoError(t, wal.store.StoreLog(&entry))

	var applied []BlockID
	err = wal.Replay(func(block BlockID, data []byte) error {
		applied = append(applied, block)
		return nil
	})
	require.ErrorIs(t, err, ErrCorrupt)
	require.Equal(t, []BlockID{1}, applied, "replay must apply the good record and stop before the corrupt one")
}

func TestWALCheckpointDeletesUpToIndex(t *testing.T) {
	wal, err := OpenWAL(t.TempDir())
	require.NoError(t, err)
	defer wal.Close()

	seq1, err := wal.Append([]walRange{{Block: 1, Data: []byte("a")}})
	require.NoError(t, err)
	_, err = wal.Append([]walRange{{Block: 2, Data: []byte("b")}})
	require.NoError(t, err)

	require.NoError(t, wal.Checkpoint(seq1))

	var blocks []BlockID
	require.NoError(t, wal.Replay(func(block BlockID, data []byte) error {
		blocks = append(blocks, block)
		return nil
	}))
	require.Equal(t, []BlockID{2}, blocks)
}

func TestCompressSegmentRoundTrip(t *testing.T) {
	raw := []byte("some wal segment bytes worth compressing, repeated repeated repeated")
	compressed, err := CompressSegment(raw)
	require.NoError(t, err)
	require.NotEmpty(t, compressed)

	back, err := DecompressSegment(compressed)
	require.NoError(t, err)
	require.Equal(t, raw, back)
}
