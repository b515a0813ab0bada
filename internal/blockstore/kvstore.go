package blockstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ipfs/go-cid"

	"mmrmirror/internal/dag"
	"mmrmirror/internal/kv"
)

const (
	blockPrefix  = "blocks/"
	seqPrefix    = "blockseq/"
	pinPrefix    = "pins/"
	advertPrefix = "adverts/"
)

// KVStore keeps blocks in a kv.Store. Every stored block gets the next
// sequence number under blockseq/, so the store can be replayed in insertion
// order.
type KVStore struct {
	kv kv.Store

	mu      sync.Mutex
	next    uint64
	nextSet bool
}

// NewKVStore returns a block store over s.
func NewKVStore(s kv.Store) *KVStore {
	return &KVStore{kv: s}
}

func blockKey(id cid.Cid) string { return blockPrefix + id.String() }

// Get returns the bytes of id or ErrNotFound.
func (s *KVStore) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	b, err := s.kv.Get(ctx, blockKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return b, err
}

// Has reports whether id is stored.
func (s *KVStore) Has(ctx context.Context, id cid.Cid) (bool, error) {
	return s.kv.Has(ctx, blockKey(id))
}

// Put stores b under id after verifying it. Storing a known block is a no-op
// and does not consume a sequence number.
func (s *KVStore) Put(ctx context.Context, id cid.Cid, b []byte) error {
	if err := dag.Verify(b, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.kv.Has(ctx, blockKey(id))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if !s.nextSet {
		max, found, err := s.kv.MaxNumericSuffix(ctx, seqPrefix)
		if err != nil {
			return err
		}
		if found {
			s.next = max + 1
		}
		s.nextSet = true
	}

	if err := s.kv.Put(ctx, blockKey(id), b); err != nil {
		return err
	}
	if err := s.kv.Put(ctx, seqPrefix+strconv.FormatUint(s.next, 10), []byte(id.String())); err != nil {
		return err
	}
	s.next++
	return nil
}

// Pin marks id as retained.
func (s *KVStore) Pin(ctx context.Context, id cid.Cid) error {
	return s.kv.Put(ctx, pinPrefix+id.String(), nil)
}

// Pinned reports whether id is pinned.
func (s *KVStore) Pinned(ctx context.Context, id cid.Cid) (bool, error) {
	return s.kv.Has(ctx, pinPrefix+id.String())
}

// Advertise queues id for announcement by whichever provider serves this
// store.
func (s *KVStore) Advertise(ctx context.Context, id cid.Cid) error {
	return s.kv.Put(ctx, advertPrefix+id.String(), nil)
}

// Advertised returns the queued announcements.
func (s *KVStore) Advertised(ctx context.Context) ([]cid.Cid, error) {
	var out []cid.Cid
	err := s.kv.Iterate(ctx, advertPrefix, func(key string, _ []byte) error {
		id, err := dag.Parse(key[len(advertPrefix):])
		if err != nil {
			return err
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

// Len returns the number of stored blocks.
func (s *KVStore) Len(ctx context.Context) (uint64, error) {
	max, found, err := s.kv.MaxNumericSuffix(ctx, seqPrefix)
	if err != nil || !found {
		return 0, err
	}
	return max + 1, nil
}
