// Package blockstore is the content addressed storage side of the mirror:
// a local block store over the kv package, a publisher for insert trails
// and a resolver that walks an accumulator DAG back to its leaves.
package blockstore

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
)

// Blockstore errors
var (
	// ErrNotFound indicates a block that is not stored.
	ErrNotFound = errors.New("blockstore: not found")

	// ErrUnresolved indicates a DAG that could not be fully resolved. It is a
	// negative answer, not a failure of the store.
	ErrUnresolved = errors.New("blockstore: unresolved")
)

// Store is the content addressed storage collaborator.
type Store interface {
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Put(ctx context.Context, id cid.Cid, b []byte) error
	Pin(ctx context.Context, id cid.Cid) error
	Advertise(ctx context.Context, id cid.Cid) error
}

// Haser is implemented by stores that can answer existence cheaply.
type Haser interface {
	Has(ctx context.Context, id cid.Cid) (bool, error)
}
