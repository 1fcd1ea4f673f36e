package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/vos/pkg/pmem"
)

func openTestArena(t *testing.T) *pmem.Arena {
	t.Helper()
	dir := t.TempDir()
	arena, err := pmem.OpenArena(dir)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })
	return arena
}

func mustTx(t *testing.T, arena *pmem.Arena) *pmem.Tx {
	t.Helper()
	tx, err := arena.Begin()
	require.NoError(t, err)
	return tx
}

func TestTreeInsertFetchLexical(t *testing.T) {
	arena := openTestArena(t)
	tx := mustTx(t, arena)
	tr, err := Create(arena, tx, NewLexicalClass("t", 4))
	require.NoError(t, err)

	require.NoError(t, tr.Update(tx, []byte("bravo"), []byte("2"), CondInsert))
	require.NoError(t, tr.Update(tx, []byte("alpha"), []byte("1"), CondInsert))
	require.NoError(t, tr.Update(tx, []byte("charlie"), []byte("3"), CondInsert))
	require.NoError(t, tx.Commit())

	for k, want := range map[string]string{"alpha": "1", "bravo": "2", "charlie": "3"} {
		_, v, err := tr.Fetch(ProbeEq, []byte(k))
		require.NoError(t, err)
		require.Equal(t, want, string(v))
	}

	_, _, err = tr.Fetch(ProbeEq, []byte("delta"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTreeCondInsertRejectsExisting(t *testing.T) {
	arena := openTestArena(t)
	tx := mustTx(t, arena)
	tr, err := Create(arena, tx, NewLexicalClass("t", 4))
	require.NoError(t, err)
	require.NoError(t, tr.Update(tx, []byte("k"), []byte("v1"), CondInsert))

	err = tr.Update(tx, []byte("k"), []byte("v2"), CondInsert)
	require.ErrorIs(t, err, ErrPrecondFail)

	err = tr.Update(tx, []byte("missing"), []byte("v"), CondReplace)
	require.ErrorIs(t, err, ErrPrecondFail)

	require.NoError(t, tr.Update(tx, []byte("k"), []byte("v2"), CondReplace))
	require.NoError(t, tx.Commit())

	_, v, err := tr.Fetch(ProbeEq, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

// TestTreeSplitsAndIterates forces several leaf/internal splits (Order is
// small) and checks the whole key set still comes back in order.
func TestTreeSplitsAndIterates(t *testing.T) {
	arena := openTestArena(t)
	tx := mustTx(t, arena)
	tr, err := Create(arena, tx, NewUint64Class("u", 4))
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		key := u64Key(uint64(i))
		require.NoError(t, tr.Update(tx, key, []byte(fmt.Sprintf("v%d", i)), CondInsert))
	}
	require.NoError(t, tx.Commit())
	require.Greater(t, tr.Splits, 0)

	it := tr.IterPrepare(IterOpts{})
	require.NoError(t, it.IterProbe(ProbeFirst, nil))
	count := 0
	var last uint64
	for {
		k, v, err := it.IterFetch()
		require.NoError(t, err)
		got := u64FromKey(k)
		if count > 0 {
			require.Greater(t, got, last)
		}
		last = got
		require.Equal(t, fmt.Sprintf("v%d", got), string(v))
		count++
		if err := it.IterNext(); err != nil {
			break
		}
	}
	require.Equal(t, n, count)
	require.NoError(t, it.IterFinish())
}

func TestTreeIteratorAnchorResume(t *testing.T) {
	arena := openTestArena(t)
	tx := mustTx(t, arena)
	tr, err := Create(arena, tx, NewUint64Class("u", 4))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, tr.Update(tx, u64Key(uint64(i)), []byte{byte(i)}, CondInsert))
	}
	require.NoError(t, tx.Commit())

	it := tr.IterPrepare(IterOpts{})
	require.NoError(t, it.IterProbe(ProbeFirst, nil))
	var anchor []byte
	for i := 0; i < 10; i++ {
		k, _, err := it.IterFetch()
		require.NoError(t, err)
		anchor = append([]byte(nil), k...)
		require.NoError(t, it.IterNext())
	}

	it2 := tr.IterPrepare(IterOpts{})
	require.NoError(t, it2.IterProbe(ProbeGe, anchor))
	k, _, err := it2.IterFetch()
	require.NoError(t, err)
	require.Equal(t, anchor, k)
	require.NoError(t, it2.IterNext())
	k2, _, err := it2.IterFetch()
	require.NoError(t, err)
	require.Equal(t, u64FromKey(anchor)+1, u64FromKey(k2))
}

func TestTreeDeleteAndDestroy(t *testing.T) {
	arena := openTestArena(t)
	tx := mustTx(t, arena)
	tr, err := Create(arena, tx, NewLexicalClass("t", 4))
	require.NoError(t, err)
	require.NoError(t, tr.Update(tx, []byte("a"), []byte("1"), CondInsert))
	require.NoError(t, tx.Commit())

	tx2 := mustTx(t, arena)
	require.NoError(t, tr.Delete(tx2, []byte("a")))
	require.NoError(t, tx2.Commit())

	_, _, err = tr.Fetch(ProbeEq, []byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	txMissing := mustTx(t, arena)
	err = tr.Delete(txMissing, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, txMissing.Abort())

	tx3 := mustTx(t, arena)
	require.NoError(t, tr.Destroy(tx3))
	require.NoError(t, tx3.Commit())
}

// A lexical tree must iterate in byte order and resolve ge/le probes to
// the tightest bound in byte order, regardless of how the keys hash.
func TestLexicalClassOrdersByKeyBytes(t *testing.T) {
	arena := openTestArena(t)
	tx := mustTx(t, arena)
	tr, err := Create(arena, tx, NewLexicalClass("t", 4))
	require.NoError(t, err)

	var want []string
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("k%04d", i)
		want = append(want, k)
		require.NoError(t, tr.Update(tx, []byte(k), []byte{byte(i)}, CondInsert))
	}
	require.NoError(t, tx.Commit())

	it := tr.IterPrepare(IterOpts{})
	require.NoError(t, it.IterProbe(ProbeFirst, nil))
	var got []string
	for {
		k, _, err := it.IterFetch()
		require.NoError(t, err)
		got = append(got, string(k))
		if err := it.IterNext(); err != nil {
			break
		}
	}
	require.Equal(t, want, got)

	// ge lands on the next key in byte order, le on the previous one.
	k, _, err := tr.Fetch(ProbeGe, []byte("k0010x"))
	require.NoError(t, err)
	require.Equal(t, "k0011", string(k))
	k, _, err = tr.Fetch(ProbeLe, []byte("k0010x"))
	require.NoError(t, err)
	require.Equal(t, "k0010", string(k))

	k, _, err = tr.Fetch(ProbeFirst, nil)
	require.NoError(t, err)
	require.Equal(t, "k0000", string(k))
	k, _, err = tr.Fetch(ProbeLast, nil)
	require.NoError(t, err)
	require.Equal(t, "k0199", string(k))
}

// A failed eq probe must leave the iterator usable: a follow-up ge probe
// on the same key continues from the next key strictly greater than it.
func TestIteratorProbeGeAfterEqMiss(t *testing.T) {
	arena := openTestArena(t)
	tx := mustTx(t, arena)
	tr, err := Create(arena, tx, NewUint64Class("u", 4))
	require.NoError(t, err)
	require.NoError(t, tr.Update(tx, u64Key(10), []byte("a"), CondInsert))
	require.NoError(t, tr.Update(tx, u64Key(20), []byte("b"), CondInsert))
	require.NoError(t, tx.Commit())

	it := tr.IterPrepare(IterOpts{})
	err = it.IterProbe(ProbeEq, u64Key(15))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, it.IterProbe(ProbeGe, u64Key(15)))
	k, _, err := it.IterFetch()
	require.NoError(t, err)
	require.Equal(t, uint64(20), u64FromKey(k))
}

func TestIteratorOnEmptyTree(t *testing.T) {
	arena := openTestArena(t)
	tx := mustTx(t, arena)
	tr, err := Create(arena, tx, NewLexicalClass("t", 4))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	it := tr.IterPrepare(IterOpts{})
	require.ErrorIs(t, it.IterProbe(ProbeFirst, nil), ErrNotFound)
	require.ErrorIs(t, it.IterProbe(ProbeLast, nil), ErrNotFound)

	_, _, err = tr.Fetch(ProbeFirst, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHashedClassBasicRoundTrip(t *testing.T) {
	arena := openTestArena(t)
	tx := mustTx(t, arena)
	tr, err := Create(arena, tx, NewHashedClass("h", 4))
	require.NoError(t, err)
	require.NoError(t, tr.Update(tx, []byte("x"), []byte("1"), CondInsert))
	require.NoError(t, tr.Update(tx, []byte("y"), []byte("2"), CondInsert))
	require.NoError(t, tx.Commit())

	_, v, err := tr.Fetch(ProbeEq, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	_, v, err = tr.Fetch(ProbeEq, []byte("y"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v))
}

func u64Key(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

func u64FromKey(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
