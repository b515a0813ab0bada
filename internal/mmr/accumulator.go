package mmr

import (
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"

	"mmrmirror/internal/dag"
)

// AddResult describes the effect of one append.
type AddResult struct {
	// Index is the leaf index that was appended.
	Index uint64

	// LeafID identifies the leaf node.
	LeafID cid.Cid

	// Trail holds every node created by the append: the leaf, each merge
	// node bottom-up, then the bagging nodes. Publishing the trail is what
	// makes the leaf provable.
	Trail []dag.Block

	// LeftInputs are the peaks consumed by the merge cascade, bottom to top.
	// This is the same list the ledger records for the append.
	LeftInputs []cid.Cid

	// Root is the bagged root after the append.
	Root cid.Cid

	// Peaks is the peak set after the append.
	Peaks []Peak
}

// Append computes the state after appending data at index to s. s is not
// modified, so a failed append leaves no partial mutation behind.
func Append(s State, index uint64, data []byte) (State, *AddResult, error) {
	if index != s.LeafCount {
		return State{}, nil, fmt.Errorf("%w: index %d, leaf count %d",
			ErrInvalidSequence, index, s.LeafCount)
	}

	leaf, err := dag.LeafBlock(data)
	if err != nil {
		return State{}, nil, err
	}

	next := s.Clone()
	res := &AddResult{
		Index:      index,
		LeafID:     leaf.ID,
		Trail:      []dag.Block{leaf},
		LeftInputs: make([]cid.Cid, 0, cascadeLength(index)),
	}

	carry := leaf.ID
	height := uint8(0)
	for s.LeafCount&(1<<height) != 0 {
		if len(next.Peaks) == 0 {
			return State{}, nil, fmt.Errorf("%w: peak stack underflow at height %d", ErrStructural, height)
		}
		left := next.Peaks[len(next.Peaks)-1]
		if left.Height != height {
			return State{}, nil, fmt.Errorf("%w: merging height %d with peak of height %d",
				ErrStructural, height, left.Height)
		}
		next.Peaks = next.Peaks[:len(next.Peaks)-1]

		merged, err := dag.LinkBlock(left.ID, carry)
		if err != nil {
			return State{}, nil, err
		}
		res.Trail = append(res.Trail, merged)
		res.LeftInputs = append(res.LeftInputs, left.ID)
		carry = merged.ID
		height++
	}

	next.Peaks = append(next.Peaks, Peak{ID: carry, Height: height})
	next.LeafCount++

	root, bagged, err := Bag(next.PeakIDs())
	if err != nil {
		return State{}, nil, err
	}
	res.Trail = append(res.Trail, bagged...)
	res.Root = root
	res.Peaks = next.Clone().Peaks

	return next, res, nil
}

// Accumulator is the single-writer owner of a State. Appends are serialized.
type Accumulator struct {
	mu    sync.Mutex
	state State
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Restore replaces the accumulator state, typically with peaks read from the
// ledger. The state is validated first.
func (a *Accumulator) Restore(s State) error {
	if err := ValidateState(s); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s.Clone()
	return nil
}

// AddLeaf appends data at index, which must equal the current leaf count.
func (a *Accumulator) AddLeaf(index uint64, data []byte) (*AddResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next, res, err := Append(a.state, index, data)
	if err != nil {
		return nil, err
	}
	a.state = next
	return res, nil
}

// State returns a copy of the current state.
func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// LeafCount returns the number of appended leaves.
func (a *Accumulator) LeafCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.LeafCount
}

// Root returns the bagged root of the current peaks.
func (a *Accumulator) Root() (cid.Cid, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Root()
}
