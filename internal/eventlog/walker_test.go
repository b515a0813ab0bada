package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmrmirror/internal/ledger"
	"mmrmirror/internal/ledger/ledgertest"
	"mmrmirror/internal/retry"
)

func newWalker(t *testing.T, chain *ledgertest.Chain) *Walker {
	t.Helper()
	c, err := ledger.NewContract(chain, ledger.ContractConfig{
		Address: chain.Address,
		Retry:   retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	require.NoError(t, err)
	return NewWalker(c, nil)
}

func leafIndices(events []ledger.Event) []uint32 {
	out := make([]uint32, len(events))
	for i, ev := range events {
		out[i] = ev.LeafIndex
	}
	return out
}

func TestGetRangeAndSort(t *testing.T) {
	chain := ledgertest.NewChain(0)
	chain.AppendN(8)
	chain.ShuffleLogs(true)
	w := newWalker(t, chain)

	events, err := w.GetRange(context.Background(), 3, 6)
	require.NoError(t, err)

	SortByLeafIndex(events, false)
	assert.Equal(t, []uint32{2, 3, 4, 5}, leafIndices(events))

	SortByLeafIndex(events, true)
	assert.Equal(t, []uint32{5, 4, 3, 2}, leafIndices(events))
}

func TestWalkBackSingleStep(t *testing.T) {
	chain := ledgertest.NewChain(50)
	chain.AppendN(3)
	chain.Mine(4)
	chain.Append(ledgertest.LeafData(3))
	// two appends in one block
	chain.AppendInHead(ledgertest.LeafData(4))
	chain.Mine(2)
	last := chain.Append(ledgertest.LeafData(5))

	w := newWalker(t, chain)
	events, err := w.WalkBackSingleStep(context.Background(), 4, uint64(last.PreviousInsertBlockNumber), 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3, 4}, leafIndices(events))
	for _, ev := range events {
		assert.Equal(t, ledgertest.LeafData(uint64(ev.LeafIndex)), ev.Data)
	}
	assert.Equal(t, 4, chain.Calls("FilterLogs"))

	single, err := w.WalkBackSingleStep(context.Background(), 0, 51, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, leafIndices(single))
}

func TestWalkBackSingleStepErrors(t *testing.T) {
	chain := ledgertest.NewChain(0)
	chain.AppendN(4)
	w := newWalker(t, chain)

	_, err := w.WalkBackSingleStep(context.Background(), 1, 2, 3)
	assert.ErrorIs(t, err, ErrInvalidWalk)

	// leaf 3 sits in block 4, not 3
	_, err = w.WalkBackSingleStep(context.Background(), 3, 3, 0)
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)

	chain.FailNext(5)
	_, err = w.WalkBackSingleStep(context.Background(), 3, 4, 2)
	assert.ErrorIs(t, err, retry.ErrTransient)
}
