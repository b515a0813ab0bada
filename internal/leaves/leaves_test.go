package leaves

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmrmirror/internal/kv"
)

func TestKeySortsNumerically(t *testing.T) {
	assert.Equal(t, "leaf/00000000000000000007", Key(7))
	assert.Less(t, Key(9), Key(10))
}

func TestPutMerges(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory())

	_, err := s.Get(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)

	// metadata first, data later
	_, err = s.Put(ctx, Record{Index: 3, BlockNumber: 40, Root: "bafyroot"})
	require.NoError(t, err)
	r, err := s.Get(ctx, 3)
	require.NoError(t, err)
	assert.False(t, r.HasData)

	in := WithData(3, []byte("payload"))
	in.Source = "ledger:0x01:0"
	in.BlockNumber = 99
	merged, err := s.Put(ctx, in)
	require.NoError(t, err)
	assert.True(t, merged.HasData)
	assert.Equal(t, []byte("payload"), merged.Data)
	assert.Equal(t, uint64(40), merged.BlockNumber)
	assert.Equal(t, "bafyroot", merged.Root)
	assert.Equal(t, "ledger:0x01:0", merged.Source)

	r, err = s.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, merged, r)
}

func TestDataImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory())

	_, err := s.Put(ctx, WithData(0, []byte("a")))
	require.NoError(t, err)
	_, err = s.Put(ctx, WithData(0, []byte("a")))
	require.NoError(t, err)

	_, err = s.Put(ctx, WithData(0, []byte("b")))
	assert.ErrorIs(t, err, ErrImmutable)

	r, err := s.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), r.Data)
}

func TestEmptyDataIsData(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory())

	_, err := s.Put(ctx, WithData(1, []byte{}))
	require.NoError(t, err)
	missing, err := s.Missing(ctx, 1, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = s.Put(ctx, WithData(1, []byte("x")))
	assert.ErrorIs(t, err, ErrImmutable)
}

func TestMaxIndexAndMissing(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory())

	_, ok, err := s.MaxIndex(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, i := range []uint64{0, 1, 3, 6} {
		_, err := s.Put(ctx, WithData(i, []byte{byte(i)}))
		require.NoError(t, err)
	}
	_, err = s.Put(ctx, Record{Index: 4, BlockNumber: 12})
	require.NoError(t, err)

	max, ok, err := s.MaxIndex(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(6), max)

	tests := []struct {
		name     string
		from, to uint64
		limit    int
		want     []uint64
	}{
		{"all", 0, 8, 0, []uint64{2, 4, 5, 7, 8}},
		{"limited", 0, 8, 2, []uint64{2, 4}},
		{"inner", 3, 3, 0, nil},
		{"past end", 7, 9, 0, []uint64{7, 8, 9}},
		{"reversed", 5, 4, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Missing(ctx, tt.from, tt.to, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemory())
	for i := uint64(0); i < 5; i++ {
		_, err := s.Put(ctx, WithData(i, []byte{byte(i)}))
		require.NoError(t, err)
	}

	var got []uint64
	require.NoError(t, s.Scan(ctx, 1, 3, func(r Record) error {
		got = append(got, r.Index)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3}, got)
}
