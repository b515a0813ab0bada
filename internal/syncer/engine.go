// Package syncer keeps the local accumulator in step with the ledger.
//
// Backward sync rebuilds history from the ledger head down, one append at a
// time, while concurrent probes check whether block storage already holds
// the older part of the DAG. Live sync then follows new appends by push or
// by polling, filling any gap by walking back event by event. All
// accumulator mutation goes through one writer.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ipfs/go-cid"

	"mmrmirror/internal/blockstore"
	"mmrmirror/internal/dag"
	"mmrmirror/internal/eventlog"
	"mmrmirror/internal/kv"
	"mmrmirror/internal/leaves"
	"mmrmirror/internal/ledger"
	"mmrmirror/internal/metrics"
	"mmrmirror/internal/mmr"
)

// MarkerKey records the highest leaf index known to be persisted with
// verified data. Backward sync stops once it reaches it.
const MarkerKey = "sync/verified-through"

// State is the engine lifecycle state.
type State int

const (
	StateIdle State = iota
	StateSyncingBackward
	StateLive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncingBackward:
		return "syncing-backward"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// Mode is how live sync receives events.
type Mode int

const (
	ModeNone Mode = iota
	ModePolling
	ModeSubscribed
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModePolling:
		return "polling"
	case ModeSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Status is a point in time view of the engine.
type Status struct {
	State            State  `json:"-"`
	StateName        string `json:"state"`
	Mode             string `json:"mode"`
	HighestCommitted int64  `json:"highest_committed"`
	LeafCount        uint64 `json:"leaf_count"`
	Root             string `json:"root"`
	LastPolledBlock  uint64 `json:"last_polled_block"`
	VerifiedThrough  int64  `json:"verified_through"`
	LastError        string `json:"last_error,omitempty"`
}

// Engine is the sync state owner.
type Engine struct {
	cfg       Config
	contract  *ledger.Contract
	walker    *eventlog.Walker
	records   *leaves.Store
	publisher *blockstore.Publisher
	resolver  *blockstore.Resolver
	acc       *mmr.Accumulator
	metrics   *metrics.Metrics
	log       *slog.Logger

	// writeMu serializes every accumulator mutation.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	mode       Mode
	highest    int64
	root       cid.Cid
	lastPolled uint64
	refetch    *uint64
	verified   int64
	lastErr    error
	live       *liveRun
	closed     bool

	onProbeDone func(*probe)
}

// New validates cfg and returns an idle engine with an empty accumulator.
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("component", "syncer")
	return &Engine{
		cfg:       cfg,
		contract:  cfg.Contract,
		walker:    eventlog.NewWalker(cfg.Contract, cfg.Logger),
		records:   leaves.NewStore(cfg.Store),
		publisher: blockstore.NewPublisher(cfg.Blocks, cfg.Retry, cfg.Logger),
		resolver:  blockstore.NewResolver(cfg.Blocks, cfg.ProbeConcurrency),
		acc:       mmr.New(),
		metrics:   cfg.Metrics,
		log:       logger,
		highest:   -1,
		root:      dag.EmptyRoot,
		verified:  -1,
	}, nil
}

// Records exposes the leaf record store.
func (e *Engine) Records() *leaves.Store {
	return e.records
}

// Accumulator returns a copy of the local accumulator state.
func (e *Engine) Accumulator() mmr.State {
	return e.acc.State()
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		State:            e.state,
		StateName:        e.state.String(),
		Mode:             e.mode.String(),
		HighestCommitted: e.highest,
		LeafCount:        uint64(e.highest + 1),
		Root:             dag.Format(e.root),
		LastPolledBlock:  e.lastPolled,
		VerifiedThrough:  e.verified,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.metrics.SyncState.Set(float64(s))
}

func (e *Engine) fail(op string, err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	e.metrics.RecordError(op)
}

// commit publishes the new head.
func (e *Engine) commit(highest int64, root cid.Cid) {
	e.mu.Lock()
	e.highest = highest
	e.root = root
	e.mu.Unlock()
	if highest >= 0 {
		e.metrics.HighestCommitted.Set(float64(highest))
	}
}

// Close stops live sync, waits for any running operation, then closes the
// store. Calling Close again does nothing.
func (e *Engine) Close() error {
	e.StopLive()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.cfg.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	e.log.Info("closed")
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// VerifiedThrough reads the persisted marker, -1 when absent.
func VerifiedThrough(ctx context.Context, s kv.Store) (int64, error) {
	b, err := s.Get(ctx, MarkerKey)
	if errors.Is(err, kv.ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1, fmt.Errorf("marker %q: %w", b, err)
	}
	return n, nil
}

func (e *Engine) writeMarker(ctx context.Context, index int64) error {
	if err := e.cfg.Store.Put(ctx, MarkerKey, []byte(strconv.FormatInt(index, 10))); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	e.mu.Lock()
	e.verified = index
	e.mu.Unlock()
	return nil
}

func formatPeaks(s mmr.State) []string {
	out := make([]string, len(s.Peaks))
	for i, p := range s.Peaks {
		out[i] = dag.Format(p.ID)
	}
	return out
}
