package ledger

import "errors"

// Ledger errors
var (
	// ErrMalformed indicates call results or logs that violate the fixed wire layout.
	ErrMalformed = errors.New("ledger: malformed data")

	// ErrNotAppendEvent indicates a log that is not a LeafAppended event.
	ErrNotAppendEvent = errors.New("ledger: not an append event")

	// ErrEventNotFound indicates no append event for a leaf index in the searched blocks.
	ErrEventNotFound = errors.New("ledger: append event not found")
)
