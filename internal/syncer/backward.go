package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"

	"mmrmirror/internal/blockstore"
	"mmrmirror/internal/dag"
	"mmrmirror/internal/eventlog"
	"mmrmirror/internal/ledger"
	"mmrmirror/internal/leaves"
	"mmrmirror/internal/metrics"
	"mmrmirror/internal/mmr"
)

// BackwardResult summarizes a backward sync.
type BackwardResult struct {
	// LeafCount and Root describe the ledger head that was synced.
	LeafCount uint64
	Root      cid.Cid

	// Batches is the number of block ranges fetched.
	Batches int

	// Reconstructed counts leaves recovered from ledger events.
	Reconstructed uint64

	// FromStorage counts leaves recovered by the winning probe, whose root
	// is StorageRoot.
	FromStorage uint64
	StorageRoot cid.Cid

	// ResumedAt is the marker index the walk stopped at, -1 if it did not.
	ResumedAt int64
}

// SyncBackward brings the local accumulator to the ledger head and makes
// sure every leaf up to it has data, walking back through ledger history
// only as far as needed.
func (e *Engine) SyncBackward(ctx context.Context) (*BackwardResult, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return nil, ErrClosed
	case e.state != StateIdle:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: backward sync while %s", ErrBusy, e.state)
	}
	e.state = StateSyncingBackward
	e.mu.Unlock()
	e.metrics.SyncState.Set(float64(StateSyncingBackward))
	defer e.setState(StateIdle)
	defer e.metrics.StartBackwardTimer()()

	res, err := e.syncBackward(ctx)
	if err != nil {
		e.fail("backward", err)
		return nil, err
	}
	return res, nil
}

func (e *Engine) syncBackward(ctx context.Context) (*BackwardResult, error) {
	data, err := e.contract.AccumulatorData(ctx)
	if err != nil {
		return nil, err
	}
	head, err := data.State()
	if err != nil {
		return nil, err
	}
	root, err := head.Root()
	if err != nil {
		return nil, err
	}
	latest, err := e.contract.LatestCID(ctx)
	if err != nil {
		return nil, err
	}
	if !latest.Equals(root) {
		return nil, fmt.Errorf("ledger head: %w", &dag.IntegrityError{Expected: latest, Actual: root})
	}

	e.log.Info("backward sync starting",
		"leaves", head.LeafCount,
		"root", dag.Format(root),
		"last_insert_block", data.Metadata.PreviousInsertBlockNumber,
		"deploy_block", data.Metadata.DeployBlockNumber,
	)

	res := &BackwardResult{LeafCount: head.LeafCount, Root: root, ResumedAt: -1}
	if head.LeafCount > 0 {
		if err := e.walkBack(ctx, head, data.Metadata, res); err != nil {
			return nil, err
		}
		missing, err := e.records.Missing(ctx, 0, head.LeafCount-1, 8)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: leaves %v of %d have no data", ErrInvariantViolation, missing, head.LeafCount)
		}
	}

	if err := e.acc.Restore(head); err != nil {
		return nil, err
	}
	highest := int64(head.LeafCount) - 1
	if highest >= 0 {
		if err := e.writeMarker(ctx, highest); err != nil {
			return nil, err
		}
	}
	e.commit(highest, root)

	polled := uint64(data.Metadata.PreviousInsertBlockNumber)
	if deploy := uint64(data.Metadata.DeployBlockNumber); polled < deploy {
		polled = deploy
	}
	e.mu.Lock()
	e.lastPolled = polled
	e.mu.Unlock()
	e.metrics.LastPolledBlock.Set(float64(polled))

	e.log.Info("backward sync complete",
		"leaves", head.LeafCount,
		"batches", res.Batches,
		"reconstructed", res.Reconstructed,
		"from_storage", res.FromStorage,
		"resumed_at", res.ResumedAt,
	)
	return res, nil
}

// walkBack reconstructs leaves from head.LeafCount-1 downwards, one block
// range at a time, until leaf 0 is reached, the resume marker is reached
// or a probe resolves the remaining history from storage.
func (e *Engine) walkBack(ctx context.Context, head mmr.State, meta ledger.ChainMetadata, res *BackwardResult) error {
	marker, err := VerifiedThrough(ctx, e.cfg.Store)
	if err != nil {
		return err
	}

	probes := &probeSet{}
	defer probes.cancelAll()

	cur := head
	next := int64(head.LeafCount) - 1
	hi, lo := uint64(meta.PreviousInsertBlockNumber), uint64(meta.DeployBlockNumber)
	exhausted := hi < lo

	for next >= 0 && next > marker && !exhausted {
		from := lo
		if hi-lo >= e.cfg.MaxBlockRange {
			from = hi - e.cfg.MaxBlockRange + 1
		}

		events, err := e.walker.GetRange(ctx, from, hi)
		if err != nil {
			return err
		}
		eventlog.SortByLeafIndex(events, true)

		for _, ev := range events {
			if next < 0 || next <= marker {
				break
			}
			idx := int64(ev.LeafIndex)
			if idx > next {
				// appended after the head was read
				continue
			}
			if idx < next {
				return e.fallBack(ctx, probes, cur, res, fmt.Errorf("%w: leaf %d not found above leaf %d in blocks [%d, %d]",
					ErrLedgerGap, next, idx, from, hi))
			}
			prev, err := e.reconstruct(ctx, cur, ev)
			if err != nil {
				return err
			}
			cur = prev
			next--
			res.Reconstructed++
		}

		res.Batches++
		e.metrics.BatchesTotal.Inc()
		exhausted = from == lo
		if !exhausted {
			hi = from - 1
		}

		if next < 0 || next <= marker {
			break
		}
		root, err := cur.Root()
		if err != nil {
			return err
		}
		probes.launch(ctx, e, root, cur.LeafCount)
		if win := probes.poll(); win != nil {
			probes.cancelAll()
			return e.adopt(ctx, win, res)
		}
	}

	switch {
	case next < 0:
		if cur.LeafCount != 0 || len(cur.Peaks) != 0 {
			return fmt.Errorf("%w: %d peaks left after leaf 0", mmr.ErrStructural, len(cur.Peaks))
		}
		return nil
	case next <= marker:
		if err := e.checkResume(ctx, cur, next); err != nil {
			return err
		}
		res.ResumedAt = next
		e.log.Info("reached verified marker", "index", next)
		return nil
	default:
		return e.fallBack(ctx, probes, cur, res, fmt.Errorf("%w: history exhausted at block %d with leaves [0, %d] unaccounted",
			ErrLedgerGap, lo, next))
	}
}

// fallBack is reached when the ledger cannot account for the leaves below
// cur. It probes cur's root as well, waits for every probe and adopts the
// oldest one that resolved. gapErr is returned when none did.
func (e *Engine) fallBack(ctx context.Context, probes *probeSet, cur mmr.State, res *BackwardResult, gapErr error) error {
	root, err := cur.Root()
	if err != nil {
		return err
	}
	probes.launch(ctx, e, root, cur.LeafCount)
	win := probes.wait()
	if win == nil {
		return gapErr
	}
	e.log.Warn("ledger history incomplete, using storage", "leaves", win.leafCount, "err", gapErr)
	return e.adopt(ctx, win, res)
}

// reconstruct undoes the append of ev from cur, persisting the leaf record
// and, if configured, the append's nodes.
func (e *Engine) reconstruct(ctx context.Context, cur mmr.State, ev ledger.Event) (mmr.State, error) {
	prev, err := mmr.Reconstruct(cur, ev.Data, ev.LeftInputs)
	if err != nil {
		return mmr.State{}, fmt.Errorf("reconstruct leaf %d: %w", ev.LeafIndex, err)
	}
	root, bagged, err := mmr.Bag(cur.PeakIDs())
	if err != nil {
		return mmr.State{}, err
	}

	rec := leaves.WithData(uint64(ev.LeafIndex), ev.Data)
	rec.Source = "ledger:" + ev.Source()
	rec.BlockNumber = ev.BlockNumber
	rec.Root = dag.Format(root)
	rec.Peaks = formatPeaks(cur)
	if _, err := e.records.Put(ctx, rec); err != nil {
		return mmr.State{}, err
	}

	if e.cfg.PublishHistory {
		n, err := e.publisher.Publish(ctx, append(prev.Nodes, bagged...))
		if err != nil {
			return mmr.State{}, fmt.Errorf("publish leaf %d: %w", ev.LeafIndex, err)
		}
		e.metrics.BlocksPublishedTotal.Add(float64(n))
	}
	e.metrics.LeavesReconstructedTotal.Inc()
	return prev.State, nil
}

// checkResume confirms that the state reached at the marker matches the
// root recorded for that leaf.
func (e *Engine) checkResume(ctx context.Context, cur mmr.State, index int64) error {
	rec, err := e.records.Get(ctx, uint64(index))
	if err != nil {
		return fmt.Errorf("%w: marker at leaf %d: %w", ErrInvariantViolation, index, err)
	}
	if rec.Root == "" {
		return nil
	}
	want, err := dag.Parse(rec.Root)
	if err != nil {
		return err
	}
	got, err := cur.Root()
	if err != nil {
		return err
	}
	if !want.Equals(got) {
		return fmt.Errorf("marker at leaf %d: %w", index, &dag.IntegrityError{Expected: want, Actual: got})
	}
	return nil
}

// adopt persists the leaves a probe resolved.
func (e *Engine) adopt(ctx context.Context, win *probe, res *BackwardResult) error {
	source := "storage:" + dag.Format(win.root)
	for i, data := range win.leaves {
		rec := leaves.WithData(uint64(i), data)
		rec.Source = source
		if _, err := e.records.Put(ctx, rec); err != nil {
			return fmt.Errorf("storage leaf %d: %w", i, err)
		}
	}
	res.FromStorage = uint64(len(win.leaves))
	res.StorageRoot = win.root
	e.metrics.StorageLeavesTotal.Add(float64(len(win.leaves)))
	e.log.Info("resolved older history from storage", "root", dag.Format(win.root), "leaves", len(win.leaves))
	return nil
}

// probe is one cancellable attempt to resolve a historical root from block
// storage.
type probe struct {
	seq       int
	root      cid.Cid
	leafCount uint64
	cancel    context.CancelFunc
	done      chan struct{}

	// set before done is closed
	leaves [][]byte
	err    error
}

type probeSet struct {
	probes []*probe
}

func (ps *probeSet) launch(ctx context.Context, e *Engine, root cid.Cid, leafCount uint64) {
	for _, p := range ps.probes {
		if p.leafCount == leafCount {
			return
		}
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &probe{
		seq:       len(ps.probes),
		root:      root,
		leafCount: leafCount,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	ps.probes = append(ps.probes, p)

	go func() {
		start := time.Now()
		p.leaves, p.err = e.resolver.Resolve(pctx, root, leafCount)

		result := metrics.ProbeResolved
		switch {
		case p.err == nil:
		case errors.Is(p.err, context.Canceled), errors.Is(p.err, context.DeadlineExceeded):
			result = metrics.ProbeCancelled
		case errors.Is(p.err, blockstore.ErrUnresolved):
			result = metrics.ProbeUnresolved
		default:
			result = metrics.ProbeFailed
			e.log.Warn("probe failed", "root", dag.Format(root), "leaves", leafCount, "err", p.err)
		}
		e.metrics.RecordProbe(result, time.Since(start))

		close(p.done)
		if hook := e.onProbeDone; hook != nil {
			hook(p)
		}
	}()
}

// poll returns the finished successful probe with the oldest root, if any,
// without waiting for probes still running.
func (ps *probeSet) poll() *probe {
	var win *probe
	for _, p := range ps.probes {
		select {
		case <-p.done:
			if p.err == nil && (win == nil || p.leafCount < win.leafCount) {
				win = p
			}
		default:
		}
	}
	return win
}

// wait blocks until every probe has finished and returns the successful one
// with the oldest root, if any.
func (ps *probeSet) wait() *probe {
	for _, p := range ps.probes {
		<-p.done
	}
	return ps.poll()
}

// cancelAll cancels every probe and waits for them to return.
func (ps *probeSet) cancelAll() {
	for _, p := range ps.probes {
		p.cancel()
	}
	for _, p := range ps.probes {
		<-p.done
	}
}
