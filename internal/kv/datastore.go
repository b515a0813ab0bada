package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
)

// Datastore adapts any go-datastore implementation.
type Datastore struct {
	d ds.Datastore

	mu     sync.RWMutex
	closed bool
}

// NewDatastore wraps d.
func NewDatastore(d ds.Datastore) *Datastore {
	return &Datastore{d: d}
}

// NewMemory returns a store backed by a mutex-wrapped map datastore.
func NewMemory() *Datastore {
	return NewDatastore(dssync.MutexWrap(ds.NewMapDatastore()))
}

func toKey(key string) ds.Key {
	return ds.NewKey(key)
}

// fromKey strips the leading slash the datastore adds to every key.
func fromKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func (s *Datastore) check() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get returns the value of key or ErrNotFound.
func (s *Datastore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	v, err := s.d.Get(ctx, toKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, err
}

// Has reports whether key exists.
func (s *Datastore) Has(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return false, err
	}
	return s.d.Has(ctx, toKey(key))
}

// Put stores value under key.
func (s *Datastore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	return s.d.Put(ctx, toKey(key), value)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Datastore) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	err := s.d.Delete(ctx, toKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil
	}
	return err
}

// Iterate visits every key starting with prefix in ascending order.
//
// Datastore prefixes match whole path segments, so the query covers the
// parent segment and the byte prefix is applied here.
func (s *Datastore) Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	if err := s.check(); err != nil {
		s.mu.RUnlock()
		return err
	}
	entries, err := s.query(ctx, prefix)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(fromKey(e.Key), e.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Datastore) query(ctx context.Context, prefix string) ([]query.Entry, error) {
	full := "/" + prefix
	parent := full[:strings.LastIndex(full, "/")]
	if parent == "" {
		parent = "/"
	}

	res, err := s.d.Query(ctx, query.Query{
		Prefix: parent,
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", prefix, err)
	}
	defer res.Close()

	var out []query.Entry
	for r := range res.Next() {
		if r.Error != nil {
			return nil, fmt.Errorf("query %q: %w", prefix, r.Error)
		}
		if strings.HasPrefix(r.Key, full) {
			out = append(out, r.Entry)
		}
	}
	return out, nil
}

// MaxNumericSuffix returns the largest integer n such that prefix+n is a key.
func (s *Datastore) MaxNumericSuffix(ctx context.Context, prefix string) (uint64, bool, error) {
	return maxSuffix(ctx, s, prefix)
}

// Close closes the underlying datastore once.
func (s *Datastore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.d.Close()
}
