// Package mmr implements a Merkle Mountain Range accumulator over content
// addressed nodes.
//
// The accumulator keeps only its peaks. Peaks mirror the binary
// representation of the leaf count: bit i is set exactly when a complete
// subtree of height i sits on the append frontier. Appending a leaf merges
// it with every peak of equal height (a binary carry), and the root is the
// left to right fold ("bag") of the remaining peaks.
package mmr

import (
	"fmt"
	"math/bits"

	"github.com/ipfs/go-cid"
)

// Peak is the root of a complete subtree not yet merged into a larger one.
type Peak struct {
	ID     cid.Cid
	Height uint8
}

// State is a snapshot of the accumulator: its peaks, highest first, and the
// number of leaves appended so far.
type State struct {
	Peaks     []Peak
	LeafCount uint64
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	peaks := make([]Peak, len(s.Peaks))
	copy(peaks, s.Peaks)
	return State{Peaks: peaks, LeafCount: s.LeafCount}
}

// PeakIDs returns the peak identifiers in left to right order.
func (s State) PeakIDs() []cid.Cid {
	ids := make([]cid.Cid, len(s.Peaks))
	for i, p := range s.Peaks {
		ids[i] = p.ID
	}
	return ids
}

// Root bags the peaks of s.
func (s State) Root() (cid.Cid, error) {
	root, _, err := Bag(s.PeakIDs())
	return root, err
}

// PeakHeights returns the heights the peaks of an accumulator with
// leafCount leaves must have, highest first.
func PeakHeights(leafCount uint64) []uint8 {
	heights := make([]uint8, 0, bits.OnesCount64(leafCount))
	for h := bits.Len64(leafCount) - 1; h >= 0; h-- {
		if leafCount&(1<<uint(h)) != 0 {
			heights = append(heights, uint8(h))
		}
	}
	return heights
}

// ValidateState checks that the peaks of s agree with its leaf count.
func ValidateState(s State) error {
	want := PeakHeights(s.LeafCount)
	if len(want) != len(s.Peaks) {
		return fmt.Errorf("%w: %d peaks for leaf count %d, want %d",
			ErrStructural, len(s.Peaks), s.LeafCount, len(want))
	}
	for i, p := range s.Peaks {
		if p.Height != want[i] {
			return fmt.Errorf("%w: peak %d has height %d, want %d",
				ErrStructural, i, p.Height, want[i])
		}
		if !p.ID.Defined() {
			return fmt.Errorf("%w: peak %d is undefined", ErrStructural, i)
		}
	}
	return nil
}

// cascadeLength is the number of merges appending leaf index performs, the
// count of trailing set bits of index.
func cascadeLength(index uint64) int {
	return bits.TrailingZeros64(^index)
}
