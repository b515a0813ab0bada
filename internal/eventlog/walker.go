// Package eventlog fetches append events from the ledger, either by block
// range or one leaf at a time by following each event's pointer to the block
// of the previous append.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"mmrmirror/internal/ledger"
)

// ErrInvalidWalk indicates a walk whose bounds are reversed.
var ErrInvalidWalk = errors.New("eventlog: invalid walk bounds")

// Source is the ledger view the walker reads from. *ledger.Contract
// satisfies it.
type Source interface {
	Events(ctx context.Context, from, to uint64, leafIndex *uint32) ([]ledger.Event, error)
}

// Walker reads append events.
type Walker struct {
	src Source
	log *slog.Logger
}

// NewWalker returns a walker over src. A nil logger uses slog.Default.
func NewWalker(src Source, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{src: src, log: logger.With("component", "eventlog")}
}

// GetRange returns the append events in blocks [from, to]. Removed logs are
// dropped. The result is in ledger order, which is not leaf order; callers
// sort with SortByLeafIndex.
func (w *Walker) GetRange(ctx context.Context, from, to uint64) ([]ledger.Event, error) {
	events, err := w.src.Events(ctx, from, to, nil)
	if err != nil {
		return nil, fmt.Errorf("events in [%d, %d]: %w", from, to, err)
	}
	return w.dropRemoved(events), nil
}

func (w *Walker) dropRemoved(events []ledger.Event) []ledger.Event {
	kept := events[:0]
	for _, ev := range events {
		if ev.Removed {
			w.log.Warn("dropping removed log", "leaf", ev.LeafIndex, "block", ev.BlockNumber, "source", ev.Source())
			continue
		}
		kept = append(kept, ev)
	}
	return kept
}

// WalkBackSingleStep fetches the contiguous events fromIndex down to
// toIndex. The event for fromIndex must be in block fromBlockHint; each
// further step looks in the block recorded by the event after it. The
// result is in ascending leaf order. One ledger query is made per leaf, so
// this is meant for small gaps.
func (w *Walker) WalkBackSingleStep(ctx context.Context, fromIndex uint32, fromBlockHint uint64, toIndex uint32) ([]ledger.Event, error) {
	if toIndex > fromIndex {
		return nil, fmt.Errorf("%w: from %d to %d", ErrInvalidWalk, fromIndex, toIndex)
	}

	out := make([]ledger.Event, 0, fromIndex-toIndex+1)
	index, block := fromIndex, fromBlockHint
	for {
		ev, err := w.single(ctx, index, block)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
		if index == toIndex {
			break
		}
		index--
		block = uint64(ev.PreviousInsertBlockNumber)
	}

	SortByLeafIndex(out, false)
	w.log.Debug("walked back", "from", fromIndex, "to", toIndex, "steps", len(out))
	return out, nil
}

func (w *Walker) single(ctx context.Context, index uint32, block uint64) (ledger.Event, error) {
	events, err := w.src.Events(ctx, block, block, &index)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("leaf %d in block %d: %w", index, block, err)
	}
	for _, ev := range w.dropRemoved(events) {
		if ev.LeafIndex == index {
			return ev, nil
		}
	}
	return ledger.Event{}, fmt.Errorf("%w: leaf %d in block %d", ledger.ErrEventNotFound, index, block)
}

// SortByLeafIndex sorts events by leaf index, descending when desc is set.
func SortByLeafIndex(events []ledger.Event, desc bool) {
	sort.SliceStable(events, func(i, j int) bool {
		if desc {
			return events[i].LeafIndex > events[j].LeafIndex
		}
		return events[i].LeafIndex < events[j].LeafIndex
	})
}
