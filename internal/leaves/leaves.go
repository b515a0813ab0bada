// Package leaves persists one record per accumulator leaf.
//
// A record is created on first observation, from a ledger event or from
// content resolved out of block storage, and may gain metadata from later
// observations. Its data never changes once set.
package leaves

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"mmrmirror/internal/kv"
)

// Prefix is the key prefix of leaf records.
const Prefix = "leaf/"

// Leaf record errors
var (
	ErrNotFound  = errors.New("leaves: record not found")
	ErrImmutable = errors.New("leaves: data already set")
)

// Record is the persisted view of one leaf.
type Record struct {
	Index   uint64 `json:"index"`
	Data    []byte `json:"data,omitempty"`
	HasData bool   `json:"has_data"`

	// Source is where the data came from, "ledger:<tx>:<log>" or
	// "storage:<root>".
	Source      string   `json:"source,omitempty"`
	BlockNumber uint64   `json:"block_number,omitempty"`
	Root        string   `json:"root,omitempty"`
	Peaks       []string `json:"peaks,omitempty"`
}

// WithData returns a record for index carrying data.
func WithData(index uint64, data []byte) Record {
	return Record{Index: index, Data: data, HasData: true}
}

// Key returns the storage key of index. Indices are zero padded so keys
// sort numerically.
func Key(index uint64) string {
	return fmt.Sprintf("%s%020d", Prefix, index)
}

// Store reads and writes records.
type Store struct {
	kv kv.Store
	mu sync.Mutex
}

// NewStore returns a record store over s.
func NewStore(s kv.Store) *Store {
	return &Store{kv: s}
}

// Get returns the record of index.
func (s *Store) Get(ctx context.Context, index uint64) (*Record, error) {
	b, err := s.kv.Get(ctx, Key(index))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode leaf %d: %w", index, err)
	}
	return &r, nil
}

// Put merges r into the stored record. Fields already set are kept, except
// that new data may fill a record that has none. Different data for a record
// that has data fails with ErrImmutable.
func (s *Store) Put(ctx context.Context, r Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get(ctx, r.Index)
	switch {
	case errors.Is(err, ErrNotFound):
		cur = &Record{Index: r.Index}
	case err != nil:
		return nil, err
	}

	if cur.HasData && r.HasData && !bytes.Equal(cur.Data, r.Data) {
		return nil, fmt.Errorf("%w: leaf %d", ErrImmutable, r.Index)
	}
	merged := merge(*cur, r)

	b, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Put(ctx, Key(r.Index), b); err != nil {
		return nil, err
	}
	return &merged, nil
}

func merge(cur, in Record) Record {
	if !cur.HasData && in.HasData {
		cur.Data, cur.HasData = in.Data, true
	}
	if cur.Source == "" {
		cur.Source = in.Source
	}
	if cur.BlockNumber == 0 {
		cur.BlockNumber = in.BlockNumber
	}
	if cur.Root == "" {
		cur.Root = in.Root
	}
	if len(cur.Peaks) == 0 {
		cur.Peaks = in.Peaks
	}
	return cur
}

// MaxIndex returns the highest index with a record.
func (s *Store) MaxIndex(ctx context.Context) (uint64, bool, error) {
	return s.kv.MaxNumericSuffix(ctx, Prefix)
}

// Missing returns up to limit indices in [from, to] that have no data, in
// ascending order. limit <= 0 means no limit.
func (s *Store) Missing(ctx context.Context, from, to uint64, limit int) ([]uint64, error) {
	if from > to {
		return nil, nil
	}

	var missing []uint64
	next := from
	full := func() bool { return limit > 0 && len(missing) >= limit }
	gapUntil := func(end uint64) {
		for ; next < end && !full(); next++ {
			missing = append(missing, next)
		}
	}

	stop := errors.New("stop")
	err := s.kv.Iterate(ctx, Prefix, func(key string, value []byte) error {
		var idx uint64
		if _, err := fmt.Sscanf(strings.TrimPrefix(key, Prefix), "%d", &idx); err != nil {
			return nil
		}
		if idx < next {
			return nil
		}
		if idx > to {
			return stop
		}
		gapUntil(idx)
		if full() {
			return stop
		}
		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("decode leaf %d: %w", idx, err)
		}
		if !r.HasData {
			missing = append(missing, idx)
		}
		next = idx + 1
		if full() {
			return stop
		}
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, err
	}
	if !full() && next <= to {
		gapUntil(to + 1)
	}
	return missing, nil
}

// Scan visits records with index in [from, to] in ascending order.
func (s *Store) Scan(ctx context.Context, from, to uint64, fn func(Record) error) error {
	stop := errors.New("stop")
	err := s.kv.Iterate(ctx, Prefix, func(key string, value []byte) error {
		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if r.Index < from {
			return nil
		}
		if r.Index > to {
			return stop
		}
		return fn(r)
	})
	if errors.Is(err, stop) {
		return nil
	}
	return err
}
