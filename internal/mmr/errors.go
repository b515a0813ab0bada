package mmr

import "errors"

// MMR-specific errors
var (
	// ErrInvalidSequence indicates an append whose index is not the current leaf count.
	ErrInvalidSequence = errors.New("mmr: invalid append sequence")

	// ErrStructural indicates a peak set that cannot belong to the claimed leaf count.
	ErrStructural = errors.New("mmr: structural error")

	// ErrEmptyMMR indicates an operation on an empty MMR that requires leaves.
	ErrEmptyMMR = errors.New("mmr: empty mmr")
)
