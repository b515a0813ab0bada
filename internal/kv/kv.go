// Package kv defines the string keyed store that persists leaf records,
// blocks and sync markers, with a go-datastore adapter and a SQLite backend.
package kv

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// KV errors
var (
	// ErrNotFound indicates a missing key.
	ErrNotFound = errors.New("kv: not found")

	// ErrClosed indicates use of a closed store.
	ErrClosed = errors.New("kv: closed")
)

// Store is an opaque string keyed store. Iterate visits keys in ascending
// byte order. Close is idempotent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Has(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	MaxNumericSuffix(ctx context.Context, prefix string) (uint64, bool, error)
	Close() error
}

// parseSuffix returns the unsigned integer that follows prefix in key.
func parseSuffix(key, prefix string) (uint64, bool) {
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(key[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// maxSuffix scans keys under prefix for the largest numeric suffix. Keys
// with a non-numeric suffix are ignored.
func maxSuffix(ctx context.Context, s Store, prefix string) (uint64, bool, error) {
	var (
		max   uint64
		found bool
	)
	err := s.Iterate(ctx, prefix, func(key string, _ []byte) error {
		if n, ok := parseSuffix(key, prefix); ok && (!found || n > max) {
			max, found = n, true
		}
		return nil
	})
	return max, found, err
}
