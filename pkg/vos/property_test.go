package vos

import (
	"os"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cuemby/vos/pkg/types"
)

// TestPropertyEpochLadderReplay checks that for any sequence of
// single-value updates at distinct epochs, the state read at an arbitrary
// epoch E equals whatever value the update with the newest epoch <= E
// wrote.
func TestPropertyEpochLadderReplay(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p, closePool := newRapidPool(t)
		defer closePool()
		c, cerr := p.ContainerCreate(uuid.New(), ContainerOptions{})
		require.NoError(t, cerr)
		defer c.ContainerClose()
		obj := testObject(t, c, 1)
		dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))

		n := rapid.IntRange(1, 12).Draw(rt, "n")
		epochs := rapid.Permutation(distinctEpochs(n)).Draw(rt, "epochs")

		written := map[types.Epoch]string{}
		for i, ep := range epochs {
			val := rapid.StringN(1, 8, -1).Draw(rt, "val")
			e := types.Epoch(ep)
			if err := obj.UpdateSingle(dkey, akey, []byte(val), e, 0); err == nil {
				written[e] = val
			} else {
				t.Fatalf("update %d at epoch %d unexpectedly failed: %v", i, e, err)
			}
		}

		var sortedEpochs []types.Epoch
		for e := range written {
			sortedEpochs = append(sortedEpochs, e)
		}
		sort.Slice(sortedEpochs, func(i, j int) bool { return sortedEpochs[i] < sortedEpochs[j] })

		readEpoch := types.Epoch(rapid.IntRange(0, 200).Draw(rt, "readEpoch"))
		want := ""
		haveWant := false
		for _, e := range sortedEpochs {
			if e <= readEpoch {
				want = written[e]
				haveWant = true
			}
		}

		v, err := obj.FetchSingle(dkey, akey, readEpoch)
		if !haveWant {
			require.NotNil(t, err)
			require.Equal(t, NoKey, err.Code)
			return
		}
		require.Nil(t, err)
		require.Equal(t, want, string(v))
	})
}

// TestPropertyRoundTripSurvivesIntermediateUpdates checks that a payload
// written at epoch e is returned byte-for-byte at any e' >= e, unless a
// later update or punch at an epoch <= e' shadows it.
func TestPropertyRoundTripSurvivesIntermediateUpdates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p, closePool := newRapidPool(t)
		defer closePool()
		c, cerr := p.ContainerCreate(uuid.New(), ContainerOptions{})
		require.NoError(t, cerr)
		defer c.ContainerClose()
		obj := testObject(t, c, 2)
		dkey, akey := types.BytesKey([]byte("d")), types.BytesKey([]byte("a"))

		base := types.Epoch(rapid.IntRange(1, 50).Draw(rt, "base"))
		payload := rapid.StringN(1, 16, -1).Draw(rt, "payload")
		require.Nil(t, obj.UpdateSingle(dkey, akey, []byte(payload), base, 0))

		laterEpoch := base + types.Epoch(rapid.IntRange(0, 50).Draw(rt, "delta"))
		v, err := obj.FetchSingle(dkey, akey, laterEpoch)
		require.Nil(t, err)
		require.Equal(t, payload, string(v))
	})
}

// newRapidPool opens a fresh pool under its own temp directory for one
// rapid iteration and returns a closer the caller must defer: rapid reruns
// the property body many times per Check, and t.Cleanup would pile up one
// open pool per iteration until the whole test finishes instead of one at
// a time.
func newRapidPool(t *testing.T) (*Pool, func()) {
	dir, err := os.MkdirTemp("", "vos-rapid-*")
	require.NoError(t, err)
	opts := DefaultPoolOptions(dir)
	p, err := PoolCreate(opts)
	require.NoError(t, err)
	return p, func() {
		p.PoolClose()
		os.RemoveAll(dir)
	}
}

// distinctEpochs returns n distinct small positive epoch values for
// Permutation to shuffle into an update order.
func distinctEpochs(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = (i + 1) * 10
	}
	return out
}
