package blockstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"mmrmirror/internal/dag"
	"mmrmirror/internal/mmr"
)

// Resolver reads an accumulator DAG back out of a Store.
type Resolver struct {
	store       Store
	concurrency int
}

// NewResolver returns a resolver fetching up to concurrency blocks at once.
// Zero means GOMAXPROCS.
func NewResolver(store Store, concurrency int) *Resolver {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	return &Resolver{store: store, concurrency: concurrency}
}

type subtree struct {
	id     cid.Cid
	height uint8
	first  uint64
}

// Resolve returns the leaf data of the accumulator with leafCount leaves
// whose root is root, in leaf order. Every block is verified and must have
// the shape the leaf count implies. A missing block or a shape mismatch
// yields ErrUnresolved; a block whose bytes do not match its identifier
// yields a *dag.IntegrityError.
func (r *Resolver) Resolve(ctx context.Context, root cid.Cid, leafCount uint64) ([][]byte, error) {
	peaks, err := r.unbag(ctx, root, mmr.PeakHeights(leafCount))
	if err != nil {
		return nil, err
	}

	leaves := make([][]byte, leafCount)
	frontier := peaks
	for len(frontier) > 0 {
		children := make([][2]subtree, len(frontier))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.concurrency)
		for i, t := range frontier {
			i, t := i, t
			g.Go(func() error {
				n, err := r.fetch(gctx, t.id)
				if err != nil {
					return err
				}
				if t.height == 0 {
					if n.Kind != dag.KindLeaf {
						return fmt.Errorf("%w: %s at height 0 is a %s", ErrUnresolved, t.id, n.Kind)
					}
					leaves[t.first] = n.Data
					return nil
				}
				if n.Kind != dag.KindLink {
					return fmt.Errorf("%w: %s at height %d is a %s", ErrUnresolved, t.id, t.height, n.Kind)
				}
				half := uint64(1) << (t.height - 1)
				children[i] = [2]subtree{
					{id: n.Left, height: t.height - 1, first: t.first},
					{id: n.Right, height: t.height - 1, first: t.first + half},
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var next []subtree
		for i, t := range frontier {
			if t.height > 0 {
				next = append(next, children[i][0], children[i][1])
			}
		}
		frontier = next
	}
	return leaves, nil
}

// unbag splits root into the peaks of the given heights. Bagging folds
// left to right, so the rightmost peak is the right child of the root.
func (r *Resolver) unbag(ctx context.Context, root cid.Cid, heights []uint8) ([]subtree, error) {
	if len(heights) == 0 {
		if !root.Equals(dag.EmptyRoot) {
			return nil, fmt.Errorf("%w: empty accumulator with root %s", ErrUnresolved, root)
		}
		return nil, nil
	}

	ids := make([]cid.Cid, len(heights))
	node := root
	for i := len(heights) - 1; i > 0; i-- {
		n, err := r.fetch(ctx, node)
		if err != nil {
			return nil, err
		}
		if n.Kind != dag.KindLink {
			return nil, fmt.Errorf("%w: bagging node %s is a %s", ErrUnresolved, node, n.Kind)
		}
		ids[i] = n.Right
		node = n.Left
	}
	ids[0] = node

	out := make([]subtree, len(heights))
	var first uint64
	for i, h := range heights {
		out[i] = subtree{id: ids[i], height: h, first: first}
		first += uint64(1) << h
	}
	return out, nil
}

func (r *Resolver) fetch(ctx context.Context, id cid.Cid) (dag.Node, error) {
	if err := ctx.Err(); err != nil {
		return dag.Node{}, err
	}
	b, err := r.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return dag.Node{}, fmt.Errorf("%w: %w", ErrUnresolved, err)
	}
	if err != nil {
		return dag.Node{}, err
	}
	if err := dag.Verify(b, id); err != nil {
		return dag.Node{}, err
	}
	n, err := dag.Decode(b)
	if err != nil {
		return dag.Node{}, fmt.Errorf("%w: %s: %w", ErrUnresolved, id, err)
	}
	return n, nil
}
