package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ipfs/go-cid"

	"mmrmirror/internal/dag"
	"mmrmirror/internal/eventlog"
	"mmrmirror/internal/leaves"
	"mmrmirror/internal/ledger"
	"mmrmirror/internal/mmr"
)

const eventBuffer = 64

type liveRun struct {
	cancel context.CancelFunc
	events chan ledger.Event
	wg     sync.WaitGroup
}

// StartLive starts following new appends. A push subscription is used when
// the configured push endpoint answers within PushProbeTimeout; otherwise
// the ledger is polled every PollInterval. Either source feeds one handler.
func (e *Engine) StartLive(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case e.state != StateIdle || e.live != nil:
		e.mu.Unlock()
		return fmt.Errorf("%w: live sync while %s", ErrBusy, e.state)
	}
	lctx, cancel := context.WithCancel(ctx)
	run := &liveRun{cancel: cancel, events: make(chan ledger.Event, eventBuffer)}
	e.live = run
	e.state = StateLive
	e.mu.Unlock()
	e.metrics.SyncState.Set(float64(StateLive))

	mode := ModePolling
	if e.cfg.Push != nil {
		sub, logs, err := e.subscribe(lctx)
		if err != nil {
			e.log.Warn("push endpoint unavailable, polling instead", "err", err)
		} else {
			mode = ModeSubscribed
			run.wg.Add(1)
			go e.pushLoop(lctx, run, sub, logs)
		}
	}
	if mode == ModePolling {
		run.wg.Add(1)
		go e.pollLoop(lctx, run)
	}
	run.wg.Add(1)
	go e.handleLoop(lctx, run)

	e.setMode(mode)
	e.log.Info("live sync started", "mode", mode.String(), "from_block", e.Status().LastPolledBlock+1)
	return nil
}

// StopLive stops live sync and waits for its goroutines. It is a no-op when
// live sync is not running.
func (e *Engine) StopLive() {
	e.mu.Lock()
	run := e.live
	e.live = nil
	e.mu.Unlock()
	if run == nil {
		return
	}

	run.cancel()
	run.wg.Wait()

	e.mu.Lock()
	if e.state == StateLive {
		e.state = StateIdle
	}
	e.mode = ModeNone
	e.mu.Unlock()
	e.metrics.SyncState.Set(float64(StateIdle))
	e.log.Info("live sync stopped")
}

func (e *Engine) setMode(m Mode) {
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
}

func (e *Engine) subscribe(ctx context.Context) (ethereum.Subscription, chan types.Log, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PushProbeTimeout)
	_, err := e.cfg.Push.BlockNumber(pctx)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("probe push endpoint: %w", err)
	}

	logs := make(chan types.Log, eventBuffer)
	q := ethereum.FilterQuery{
		Addresses: []common.Address{e.contract.Address()},
		Topics:    [][]common.Hash{{ledger.LeafAppendedTopic}},
	}
	sub, err := e.cfg.Push.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub, logs, nil
}

// pushLoop normalizes pushed logs onto the event channel. Appends made
// before the subscription existed are caught up by one poll, and so are
// events that failed to apply. If the
// subscription drops, the loop falls back to polling.
func (e *Engine) pushLoop(ctx context.Context, run *liveRun, sub ethereum.Subscription, logs <-chan types.Log) {
	defer run.wg.Done()
	defer sub.Unsubscribe()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.pollOnce(ctx, run)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.refetchPending() {
				e.pollOnce(ctx, run)
			}
		case err := <-sub.Err():
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("subscription dropped, polling instead", "err", err)
			e.metrics.RecordError("subscription")
			e.setMode(ModePolling)
			e.poll(ctx, run)
			return
		case l := <-logs:
			ev, err := ledger.NormalizeEvent(l)
			if errors.Is(err, ledger.ErrNotAppendEvent) {
				continue
			}
			if err != nil {
				e.log.Error("malformed pushed log", "block", l.BlockNumber, "tx", l.TxHash.Hex(), "err", err)
				e.metrics.RecordError("normalize")
				continue
			}
			e.dispatch(ctx, run, ev)
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context, run *liveRun) {
	defer run.wg.Done()
	e.pollOnce(ctx, run)
	e.poll(ctx, run)
}

func (e *Engine) poll(ctx context.Context, run *liveRun) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollOnce(ctx, run)
		}
	}
}

// pollOnce fetches the appends in blocks after the last polled one.
func (e *Engine) pollOnce(ctx context.Context, run *liveRun) {
	head, err := e.contract.HeadBlock(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Warn("poll head block", "err", err)
			e.metrics.RecordError("poll")
		}
		return
	}

	from := e.nextPollBlock()
	for from <= head {
		to := head
		if to-from >= e.cfg.MaxBlockRange {
			to = from + e.cfg.MaxBlockRange - 1
		}
		events, err := e.walker.GetRange(ctx, from, to)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Warn("poll events", "from", from, "to", to, "err", err)
				e.metrics.RecordError("poll")
			}
			e.scheduleRefetch(from)
			return
		}
		eventlog.SortByLeafIndex(events, false)
		for _, ev := range events {
			if !e.dispatch(ctx, run, ev) {
				return
			}
		}

		e.mu.Lock()
		e.lastPolled = to
		e.mu.Unlock()
		e.metrics.LastPolledBlock.Set(float64(to))
		from = to + 1
	}
}

// nextPollBlock returns the first block the next poll covers: the block
// after the last polled one, or an earlier block whose event failed.
func (e *Engine) nextPollBlock() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	from := e.lastPolled + 1
	if e.refetch != nil {
		from = min(from, *e.refetch)
		e.refetch = nil
	}
	return from
}

// scheduleRefetch makes the next poll start again at block.
func (e *Engine) scheduleRefetch(block uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refetch == nil || block < *e.refetch {
		e.refetch = &block
	}
}

func (e *Engine) refetchPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refetch != nil
}

func (e *Engine) dispatch(ctx context.Context, run *liveRun, ev ledger.Event) bool {
	select {
	case run.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleLoop is the only consumer of the event channel. A fatal error stops
// live sync.
func (e *Engine) handleLoop(ctx context.Context, run *liveRun) {
	defer run.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-run.events:
			err := e.HandleNewEvent(ctx, ev)
			if err == nil || ctx.Err() != nil {
				continue
			}
			e.fail("live", err)
			if !fatal(err) {
				e.log.Warn("event not applied, refetching", "leaf", ev.LeafIndex, "block", ev.BlockNumber, "err", err)
				e.scheduleRefetch(ev.BlockNumber)
				continue
			}
			e.log.Error("live sync failed", "leaf", ev.LeafIndex, "err", err)
			go e.StopLive()
			return
		}
	}
}

// HandleNewEvent applies ev to the local accumulator. Events at or below
// the committed head are ignored. If ev skips ahead, the missing leaves are
// fetched by walking back from ev and applied first, in order.
func (e *Engine) HandleNewEvent(ctx context.Context, ev ledger.Event) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.isClosed() {
		return ErrClosed
	}
	return e.handle(ctx, ev)
}

func (e *Engine) handle(ctx context.Context, ev ledger.Event) error {
	if ev.Removed {
		e.log.Warn("ignoring removed log", "leaf", ev.LeafIndex, "source", ev.Source())
		return nil
	}

	highest := e.Status().HighestCommitted
	idx := int64(ev.LeafIndex)
	if idx <= highest {
		e.metrics.DuplicateEventsTotal.Inc()
		return nil
	}

	if idx > highest+1 {
		e.log.Info("gap detected, walking back", "leaf", idx, "committed", highest)
		missing, err := e.walker.WalkBackSingleStep(ctx, ev.LeafIndex-1, uint64(ev.PreviousInsertBlockNumber), uint32(highest+1))
		if err != nil {
			return fmt.Errorf("%w: leaves [%d, %d]: %w", ErrLedgerGap, highest+1, idx-1, err)
		}
		for _, m := range missing {
			if err := e.handle(ctx, m); err != nil {
				return err
			}
			e.metrics.GapLeavesTotal.Inc()
		}
	}

	return e.apply(ctx, ev)
}

// apply appends ev. Nothing is committed unless the trail is published and
// the record persisted.
func (e *Engine) apply(ctx context.Context, ev ledger.Event) error {
	index := uint64(ev.LeafIndex)
	next, res, err := mmr.Append(e.acc.State(), index, ev.Data)
	if err != nil {
		return fmt.Errorf("append leaf %d: %w", index, err)
	}
	if err := sameInputs(ev.LeftInputs, res.LeftInputs); err != nil {
		return fmt.Errorf("leaf %d left inputs: %w", index, err)
	}

	n, err := e.publisher.Publish(ctx, res.Trail)
	if err != nil {
		return fmt.Errorf("publish leaf %d: %w", index, err)
	}
	e.metrics.BlocksPublishedTotal.Add(float64(n))

	rec := leaves.WithData(index, ev.Data)
	rec.Source = "ledger:" + ev.Source()
	rec.BlockNumber = ev.BlockNumber
	rec.Root = dag.Format(res.Root)
	rec.Peaks = formatPeaks(next)
	if _, err := e.records.Put(ctx, rec); err != nil {
		return err
	}

	// The accumulator advances only after every write has landed.
	if err := e.writeMarker(ctx, int64(index)); err != nil {
		return err
	}
	if err := e.acc.Restore(next); err != nil {
		return err
	}
	e.commit(int64(index), res.Root)
	e.metrics.RecordCommit(index)
	e.log.Debug("leaf applied", "leaf", index, "root", rec.Root, "block", ev.BlockNumber)
	return nil
}

// sameInputs checks the merge partners the ledger recorded against the ones
// the local accumulator used.
func sameInputs(ledgerInputs, local []cid.Cid) error {
	if len(ledgerInputs) != len(local) {
		return fmt.Errorf("%w: ledger recorded %d, local append used %d",
			mmr.ErrStructural, len(ledgerInputs), len(local))
	}
	for i := range local {
		if !ledgerInputs[i].Equals(local[i]) {
			return &dag.IntegrityError{Expected: ledgerInputs[i], Actual: local[i]}
		}
	}
	return nil
}
