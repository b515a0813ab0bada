package syncer

import (
	"errors"

	"mmrmirror/internal/retry"
)

// Sync engine errors
var (
	// ErrLedgerGap indicates a run of leaves the ledger history cannot supply.
	ErrLedgerGap = errors.New("syncer: ledger gap")

	// ErrInvariantViolation indicates a committed leaf without data.
	ErrInvariantViolation = errors.New("syncer: invariant violation")

	// ErrClosed indicates use of a closed engine.
	ErrClosed = errors.New("syncer: closed")

	// ErrBusy indicates an operation that conflicts with the current state.
	ErrBusy = errors.New("syncer: busy")
)

// fatal reports whether err must stop live sync. Only exhausted retries of
// transient failures are survivable; the failed event's blocks are polled
// again.
func fatal(err error) bool {
	return err != nil && !errors.Is(err, retry.ErrTransient)
}
