package mmr

import (
	"fmt"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmrmirror/internal/dag"
)

func leafData(i int) []byte {
	return []byte(fmt.Sprintf("leaf-%d", i))
}

func leafID(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	blk, err := dag.LeafBlock(data)
	require.NoError(t, err)
	return blk.ID
}

func link(t *testing.T, l, r cid.Cid) cid.Cid {
	t.Helper()
	blk, err := dag.LinkBlock(l, r)
	require.NoError(t, err)
	return blk.ID
}

// =============================================================================
// Bagging
// =============================================================================

func TestBag(t *testing.T) {
	x := leafID(t, []byte("x"))
	y := leafID(t, []byte("y"))
	z := leafID(t, []byte("z"))

	root, nodes, err := Bag(nil)
	require.NoError(t, err)
	assert.True(t, root.Equals(dag.EmptyRoot))
	assert.Empty(t, nodes)

	root, nodes, err = Bag([]cid.Cid{x})
	require.NoError(t, err)
	assert.True(t, root.Equals(x))
	assert.Empty(t, nodes)

	root, nodes, err = Bag([]cid.Cid{x, y, z})
	require.NoError(t, err)
	assert.True(t, root.Equals(link(t, link(t, x, y), z)))
	require.Len(t, nodes, 2)
	assert.True(t, nodes[1].ID.Equals(root))
}

// =============================================================================
// Append
// =============================================================================

func TestAddLeafPeaksMirrorLeafCount(t *testing.T) {
	acc := New()
	for i := 0; i < 64; i++ {
		_, err := acc.AddLeaf(uint64(i), leafData(i))
		require.NoError(t, err)

		s := acc.State()
		require.NoError(t, ValidateState(s))
		assert.Equal(t, uint64(i+1), s.LeafCount)
	}
}

func TestAddLeafTrail(t *testing.T) {
	acc := New()

	// leaf 0: just the leaf, single peak so no bagging
	res, err := acc.AddLeaf(0, leafData(0))
	require.NoError(t, err)
	require.Len(t, res.Trail, 1)
	assert.Empty(t, res.LeftInputs)
	assert.True(t, res.Root.Equals(res.LeafID))

	// leaf 1: leaf + one merge
	res, err = acc.AddLeaf(1, leafData(1))
	require.NoError(t, err)
	require.Len(t, res.Trail, 2)
	l0 := leafID(t, leafData(0))
	l1 := leafID(t, leafData(1))
	assert.Equal(t, []cid.Cid{l0}, res.LeftInputs)
	assert.True(t, res.Trail[1].ID.Equals(link(t, l0, l1)))
	assert.True(t, res.Root.Equals(res.Trail[1].ID))

	// leaf 2: leaf + one bagging node over two peaks
	res, err = acc.AddLeaf(2, leafData(2))
	require.NoError(t, err)
	require.Len(t, res.Trail, 2)
	l2 := leafID(t, leafData(2))
	assert.True(t, res.Root.Equals(link(t, link(t, l0, l1), l2)))

	// leaf 3: leaf + two merges, single peak again
	res, err = acc.AddLeaf(3, leafData(3))
	require.NoError(t, err)
	require.Len(t, res.Trail, 3)
	require.Len(t, res.LeftInputs, 2)
	assert.True(t, res.LeftInputs[0].Equals(l2))
	assert.True(t, res.LeftInputs[1].Equals(link(t, l0, l1)))
	require.Len(t, res.Peaks, 1)
	assert.Equal(t, uint8(2), res.Peaks[0].Height)

	for _, blk := range res.Trail {
		require.NoError(t, dag.Verify(blk.Bytes, blk.ID))
	}
}

func TestAddLeafInvalidSequence(t *testing.T) {
	acc := New()
	_, err := acc.AddLeaf(0, leafData(0))
	require.NoError(t, err)
	before := acc.State()

	for _, idx := range []uint64{0, 2, 100} {
		_, err := acc.AddLeaf(idx, leafData(int(idx)))
		assert.ErrorIs(t, err, ErrInvalidSequence)
	}
	assert.Equal(t, before, acc.State())
}

func TestAppendStructuralUnderflow(t *testing.T) {
	// leaf count 1 claims a height 0 peak, but none is present
	corrupt := State{LeafCount: 1}
	_, _, err := Append(corrupt, 1, leafData(1))
	assert.ErrorIs(t, err, ErrStructural)
}

func TestRestore(t *testing.T) {
	src := New()
	for i := 0; i < 11; i++ {
		_, err := src.AddLeaf(uint64(i), leafData(i))
		require.NoError(t, err)
	}

	dst := New()
	require.NoError(t, dst.Restore(src.State()))

	a, err := src.AddLeaf(11, leafData(11))
	require.NoError(t, err)
	b, err := dst.AddLeaf(11, leafData(11))
	require.NoError(t, err)
	assert.True(t, a.Root.Equals(b.Root))

	bad := src.State()
	bad.LeafCount++
	assert.ErrorIs(t, New().Restore(bad), ErrStructural)
}

func TestPeakHeights(t *testing.T) {
	assert.Empty(t, PeakHeights(0))
	assert.Equal(t, []uint8{0}, PeakHeights(1))
	assert.Equal(t, []uint8{2, 1}, PeakHeights(6))
	assert.Equal(t, []uint8{3, 1, 0}, PeakHeights(11))
}

// =============================================================================
// Reconstruction
// =============================================================================

type history struct {
	states []State // states[i] is the state after i leaves
	left   [][]cid.Cid
	roots  []cid.Cid
}

func buildHistory(t *testing.T, n int) history {
	t.Helper()
	h := history{states: []State{{}}, roots: []cid.Cid{dag.EmptyRoot}}
	acc := New()
	for i := 0; i < n; i++ {
		res, err := acc.AddLeaf(uint64(i), leafData(i))
		require.NoError(t, err)
		h.states = append(h.states, acc.State())
		h.left = append(h.left, res.LeftInputs)
		h.roots = append(h.roots, res.Root)
	}
	return h
}

func TestReconstructRoundTrip(t *testing.T) {
	const n = 40
	h := buildHistory(t, n)

	cur := h.states[n]
	for i := n - 1; i >= 0; i-- {
		prev, err := Reconstruct(cur, leafData(i), h.left[i])
		require.NoError(t, err, "leaf %d", i)

		assert.Equal(t, h.states[i].LeafCount, prev.State.LeafCount)
		assert.Equal(t, h.states[i].PeakIDs(), prev.State.PeakIDs(), "leaf %d", i)
		assert.True(t, prev.Root.Equals(h.roots[i]), "leaf %d", i)
		require.Len(t, prev.Nodes, len(h.left[i])+1)

		cur = prev.State
	}
	assert.Equal(t, uint64(0), cur.LeafCount)
	assert.Empty(t, cur.Peaks)

	root, err := cur.Root()
	require.NoError(t, err)
	assert.True(t, root.Equals(dag.EmptyRoot))
}

func TestReconstructRejectsWrongLeftInputCount(t *testing.T) {
	h := buildHistory(t, 8)

	// leaf 7 merged three times
	_, err := Reconstruct(h.states[8], leafData(7), h.left[7][:2])
	assert.ErrorIs(t, err, ErrStructural)

	// leaf 6 merged none
	_, err = Reconstruct(h.states[7], leafData(6), h.left[7])
	assert.ErrorIs(t, err, ErrStructural)
}

func TestReconstructRejectsWrongData(t *testing.T) {
	h := buildHistory(t, 6)

	_, err := Reconstruct(h.states[6], []byte("not leaf 5"), h.left[5])
	assert.ErrorIs(t, err, dag.ErrIntegrity)

	_, err = Reconstruct(h.states[5], []byte("not leaf 4"), h.left[4])
	assert.ErrorIs(t, err, dag.ErrIntegrity)
}

func TestReconstructEmpty(t *testing.T) {
	_, err := Reconstruct(State{}, leafData(0), nil)
	assert.ErrorIs(t, err, ErrEmptyMMR)
}
