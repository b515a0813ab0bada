package mmr

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"mmrmirror/internal/dag"
)

// Previous is the accumulator as it was before the latest append.
type Previous struct {
	State State
	Root  cid.Cid

	// Nodes are the leaf and merge nodes of the undone append, recomputed
	// while checking the cascade, bottom-up.
	Nodes []dag.Block
}

// Reconstruct derives the state before the latest append from the state
// after it, the appended data and the left inputs the append consumed,
// bottom to top.
//
// Appending leaf N merges it with the peaks of heights 0..k-1, where k is
// the number of trailing set bits of N. Undoing it replaces the top peak
// (height k) with those k left inputs, highest first, and drops the leaf.
// The merge cascade is recomputed and must reproduce the top peak exactly.
func Reconstruct(after State, data []byte, leftInputs []cid.Cid) (*Previous, error) {
	if after.LeafCount == 0 {
		return nil, ErrEmptyMMR
	}
	if err := ValidateState(after); err != nil {
		return nil, err
	}

	index := after.LeafCount - 1
	k := cascadeLength(index)
	if len(leftInputs) != k {
		return nil, fmt.Errorf("%w: leaf %d consumed %d left inputs, want %d",
			ErrStructural, index, len(leftInputs), k)
	}

	leaf, err := dag.LeafBlock(data)
	if err != nil {
		return nil, err
	}
	nodes := make([]dag.Block, 0, k+1)
	nodes = append(nodes, leaf)

	carry := leaf.ID
	for _, left := range leftInputs {
		merged, err := dag.LinkBlock(left, carry)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, merged)
		carry = merged.ID
	}

	top := after.Peaks[len(after.Peaks)-1]
	if !top.ID.Equals(carry) {
		return nil, &dag.IntegrityError{Expected: top.ID, Actual: carry}
	}

	peaks := make([]Peak, 0, len(after.Peaks)-1+k)
	peaks = append(peaks, after.Peaks[:len(after.Peaks)-1]...)
	for h := k - 1; h >= 0; h-- {
		peaks = append(peaks, Peak{ID: leftInputs[h], Height: uint8(h)})
	}

	prev := State{Peaks: peaks, LeafCount: index}
	root, err := prev.Root()
	if err != nil {
		return nil, err
	}
	return &Previous{State: prev, Root: root, Nodes: nodes}, nil
}
