package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"datastore": func(t *testing.T) Store {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "mirror.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			_, err := s.Get(ctx, "leaf/1")
			assert.ErrorIs(t, err, ErrNotFound)
			ok, err := s.Has(ctx, "leaf/1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put(ctx, "leaf/1", []byte("one")))
			require.NoError(t, s.Put(ctx, "leaf/1", []byte("uno")))
			v, err := s.Get(ctx, "leaf/1")
			require.NoError(t, err)
			assert.Equal(t, []byte("uno"), v)

			require.NoError(t, s.Put(ctx, "empty", nil))
			v, err = s.Get(ctx, "empty")
			require.NoError(t, err)
			assert.Empty(t, v)

			require.NoError(t, s.Delete(ctx, "leaf/1"))
			require.NoError(t, s.Delete(ctx, "leaf/1"))
			ok, err = s.Has(ctx, "leaf/1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestIterateOrderedByPrefix(t *testing.T) {
	ctx := context.Background()
	keys := []string{"leaf/003", "leaf/001", "leafy/000", "leaf/002", "blocks/x", "le"}
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			for _, k := range keys {
				require.NoError(t, s.Put(ctx, k, []byte(k)))
			}

			var got []string
			err := s.Iterate(ctx, "leaf/", func(key string, value []byte) error {
				assert.Equal(t, key, string(value))
				got = append(got, key)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"leaf/001", "leaf/002", "leaf/003"}, got)

			got = nil
			require.NoError(t, s.Iterate(ctx, "leaf", func(key string, _ []byte) error {
				got = append(got, key)
				return nil
			}))
			assert.Equal(t, []string{"leaf/001", "leaf/002", "leaf/003", "leafy/000"}, got)

			stop := errors.New("stop")
			calls := 0
			err = s.Iterate(ctx, "leaf/", func(string, []byte) error {
				calls++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestMaxNumericSuffix(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			_, ok, err := s.MaxNumericSuffix(ctx, "blockseq/")
			require.NoError(t, err)
			assert.False(t, ok)

			for _, k := range []string{"blockseq/2", "blockseq/10", "blockseq/9", "blockseq/x", "blocks/99"} {
				require.NoError(t, s.Put(ctx, k, nil))
			}
			n, ok, err := s.MaxNumericSuffix(ctx, "blockseq/")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, uint64(10), n)
		})
	}
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())

			_, err := s.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, s.Put(ctx, "k", nil), ErrClosed)
			assert.ErrorIs(t, s.Iterate(ctx, "", func(string, []byte) error { return nil }), ErrClosed)
		})
	}
}

func TestSQLiteMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	require.NoError(t, s.Close())

	// reopening must not reapply migrations or lose data
	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := SchemaVersion(context.Background(), s.DB())
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestUpperBound(t *testing.T) {
	u, ok := upperBound("leaf/")
	assert.True(t, ok)
	assert.Equal(t, "leaf0", u)

	_, ok = upperBound("")
	assert.False(t, ok)

	u, ok = upperBound("a\xff")
	assert.True(t, ok)
	assert.Equal(t, "b", u)
}
