package blockstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmrmirror/internal/dag"
	"mmrmirror/internal/kv"
	"mmrmirror/internal/mmr"
	"mmrmirror/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

// buildMMR appends n leaves and returns the accumulator and every trail block.
func buildMMR(t *testing.T, n int) (*mmr.Accumulator, []dag.Block) {
	t.Helper()
	acc := mmr.New()
	var blocks []dag.Block
	for i := 0; i < n; i++ {
		res, err := acc.AddLeaf(uint64(i), []byte(fmt.Sprintf("leaf-%d", i)))
		require.NoError(t, err)
		blocks = append(blocks, res.Trail...)
	}
	return acc, blocks
}

func TestKVStoreIdempotentPut(t *testing.T) {
	ctx := context.Background()
	s := NewKVStore(kv.NewMemory())

	leaf, err := dag.LeafBlock([]byte("x"))
	require.NoError(t, err)
	other, err := dag.LeafBlock([]byte("y"))
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, leaf.ID, leaf.Bytes))
	require.NoError(t, s.Put(ctx, leaf.ID, leaf.Bytes))
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	require.NoError(t, s.Put(ctx, other.ID, other.Bytes))
	n, err = s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	got, err := s.Get(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, leaf.Bytes, got)
}

func TestKVStoreSequenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	backing := kv.NewMemory()
	_, blocks := buildMMR(t, 3)

	s := NewKVStore(backing)
	require.NoError(t, s.Put(ctx, blocks[0].ID, blocks[0].Bytes))

	s = NewKVStore(backing)
	require.NoError(t, s.Put(ctx, blocks[1].ID, blocks[1].Bytes))
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestKVStoreRejectsMismatchedBytes(t *testing.T) {
	ctx := context.Background()
	s := NewKVStore(kv.NewMemory())
	leaf, err := dag.LeafBlock([]byte("x"))
	require.NoError(t, err)

	bad := append([]byte(nil), leaf.Bytes...)
	bad[len(bad)-1] ^= 0x01
	err = s.Put(ctx, leaf.ID, bad)
	var ie *dag.IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Expected.Equals(leaf.ID))

	_, err = s.Get(ctx, leaf.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	s := NewKVStore(kv.NewMemory())
	p := NewPublisher(s, fastPolicy(), nil)
	_, blocks := buildMMR(t, 5)

	stored, err := p.Publish(ctx, blocks)
	require.NoError(t, err)
	assert.Greater(t, stored, 0)
	assert.LessOrEqual(t, stored, len(blocks))

	again, err := p.Publish(ctx, blocks)
	require.NoError(t, err)
	assert.Zero(t, again)

	for _, b := range blocks {
		pinned, err := s.Pinned(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, pinned, b.ID.String())
	}
	adverts, err := s.Advertised(ctx)
	require.NoError(t, err)
	assert.Len(t, adverts, stored)
}

func TestPublishVerifiesFirst(t *testing.T) {
	ctx := context.Background()
	s := NewKVStore(kv.NewMemory())
	p := NewPublisher(s, fastPolicy(), nil)
	_, blocks := buildMMR(t, 2)

	blocks[1].Bytes = append([]byte(nil), blocks[1].Bytes...)
	blocks[1].Bytes[0] ^= 0xff
	_, err := p.Publish(ctx, blocks)
	assert.ErrorIs(t, err, dag.ErrIntegrity)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResolve(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 7, 8, 13} {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			ctx := context.Background()
			s := NewKVStore(kv.NewMemory())
			acc, blocks := buildMMR(t, n)
			_, err := NewPublisher(s, fastPolicy(), nil).Publish(ctx, blocks)
			require.NoError(t, err)

			root, err := acc.Root()
			require.NoError(t, err)
			leaves, err := NewResolver(s, 2).Resolve(ctx, root, uint64(n))
			require.NoError(t, err)
			require.Len(t, leaves, n)
			for i, l := range leaves {
				assert.Equal(t, []byte(fmt.Sprintf("leaf-%d", i)), l)
			}
		})
	}
}

func TestResolveUnresolved(t *testing.T) {
	ctx := context.Background()
	acc, blocks := buildMMR(t, 6)
	root, err := acc.Root()
	require.NoError(t, err)

	t.Run("missing leaf", func(t *testing.T) {
		s := NewKVStore(kv.NewMemory())
		// blocks[0] is leaf 0
		_, err := NewPublisher(s, fastPolicy(), nil).Publish(ctx, blocks[1:])
		require.NoError(t, err)
		_, err = NewResolver(s, 0).Resolve(ctx, root, 6)
		assert.ErrorIs(t, err, ErrUnresolved)
	})

	t.Run("wrong leaf count", func(t *testing.T) {
		s := NewKVStore(kv.NewMemory())
		_, err := NewPublisher(s, fastPolicy(), nil).Publish(ctx, blocks)
		require.NoError(t, err)
		_, err = NewResolver(s, 0).Resolve(ctx, root, 5)
		assert.ErrorIs(t, err, ErrUnresolved)
		_, err = NewResolver(s, 0).Resolve(ctx, root, 0)
		assert.ErrorIs(t, err, ErrUnresolved)
	})

	t.Run("unknown root", func(t *testing.T) {
		s := NewKVStore(kv.NewMemory())
		_, err := NewResolver(s, 0).Resolve(ctx, root, 6)
		assert.ErrorIs(t, err, ErrUnresolved)
	})

	t.Run("cancelled", func(t *testing.T) {
		s := NewKVStore(kv.NewMemory())
		_, err := NewPublisher(s, fastPolicy(), nil).Publish(ctx, blocks)
		require.NoError(t, err)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = NewResolver(s, 0).Resolve(cctx, root, 6)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestResolveCorruptBlock(t *testing.T) {
	ctx := context.Background()
	backing := kv.NewMemory()
	s := NewKVStore(backing)
	acc, blocks := buildMMR(t, 4)
	_, err := NewPublisher(s, fastPolicy(), nil).Publish(ctx, blocks)
	require.NoError(t, err)

	leaf := blocks[0]
	flipped := append([]byte(nil), leaf.Bytes...)
	flipped[len(flipped)-1] ^= 0x01
	require.NoError(t, backing.Put(ctx, blockKey(leaf.ID), flipped))

	root, err := acc.Root()
	require.NoError(t, err)
	_, err = NewResolver(s, 0).Resolve(ctx, root, 4)
	assert.ErrorIs(t, err, dag.ErrIntegrity)
	assert.NotErrorIs(t, err, ErrUnresolved)
}

var (
	_ Store = (*KVStore)(nil)
	_ Haser = (*KVStore)(nil)
)
