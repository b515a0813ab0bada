package mmr

import (
	"github.com/ipfs/go-cid"

	"mmrmirror/internal/dag"
)

// Bag folds peaks left to right into a single root:
//
//	bag([])        = dag.EmptyRoot
//	bag([x])       = x
//	bag([x, y, z]) = link(link(x, y), z)
//
// The interior nodes created by the fold are returned in creation order.
func Bag(peaks []cid.Cid) (cid.Cid, []dag.Block, error) {
	switch len(peaks) {
	case 0:
		return dag.EmptyRoot, nil, nil
	case 1:
		return peaks[0], nil, nil
	}

	nodes := make([]dag.Block, 0, len(peaks)-1)
	acc := peaks[0]
	for _, p := range peaks[1:] {
		blk, err := dag.LinkBlock(acc, p)
		if err != nil {
			return cid.Undef, nil, err
		}
		nodes = append(nodes, blk)
		acc = blk.ID
	}
	return acc, nodes, nil
}
