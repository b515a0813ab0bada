// Package ledger speaks the fixed wire contract of the on-chain accumulator:
// the packed metadata word, the peak array, the latest root and the
// LeafAppended event log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ipfs/go-cid"
	"golang.org/x/time/rate"

	"mmrmirror/internal/dag"
	"mmrmirror/internal/mmr"
	"mmrmirror/internal/retry"
)

// Backend is the subset of an Ethereum client the contract needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// PushBackend is a Backend that can also push new logs.
type PushBackend interface {
	Backend
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// AccumulatorData is the decoded result of getAccumulatorData().
type AccumulatorData struct {
	Metadata ChainMetadata
	Peaks    [MaxPeaks][dag.DigestSize]byte
}

// State converts the ledger view into an accumulator state.
func (d AccumulatorData) State() (mmr.State, error) {
	m := d.Metadata
	if m.PeakCount > MaxPeaks {
		return mmr.State{}, fmt.Errorf("%w: peak count %d", ErrMalformed, m.PeakCount)
	}
	s := mmr.State{LeafCount: uint64(m.LeafCount), Peaks: make([]mmr.Peak, m.PeakCount)}
	for i := range s.Peaks {
		s.Peaks[i] = mmr.Peak{ID: dag.FromDigest(d.Peaks[i]), Height: m.PeakHeights[i]}
	}
	if err := mmr.ValidateState(s); err != nil {
		return mmr.State{}, err
	}
	return s, nil
}

// ContractConfig configures a Contract.
type ContractConfig struct {
	Address common.Address

	// Retry is applied to every call.
	Retry retry.Policy

	// RequestsPerSecond limits calls to the backend. Zero means unlimited.
	RequestsPerSecond float64

	Logger *slog.Logger
}

// Contract reads the accumulator contract through a Backend.
type Contract struct {
	backend Backend
	address common.Address
	policy  retry.Policy
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewContract binds a contract at cfg.Address.
func NewContract(backend Backend, cfg ContractConfig) (*Contract, error) {
	if backend == nil {
		return nil, errors.New("ledger: nil backend")
	}
	if cfg.Address == (common.Address{}) {
		return nil, errors.New("ledger: contract address is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ledger", "contract", cfg.Address.Hex())

	policy := cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warn("ledger call failed, retrying", "attempt", attempt, "delay", delay, "err", err)
		}
	}

	return &Contract{
		backend: backend,
		address: cfg.Address,
		policy:  policy,
		limiter: rate.NewLimiter(limit, 1),
		log:     logger,
	}, nil
}

// Address returns the bound contract address.
func (c *Contract) Address() common.Address {
	return c.address
}

func (c *Contract) call(ctx context.Context, data []byte) ([]byte, error) {
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(err)
		}
		return c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	})
}

// AccumulatorData calls getAccumulatorData() and decodes the metadata word
// followed by the 32 peak digests.
func (c *Contract) AccumulatorData(ctx context.Context) (*AccumulatorData, error) {
	out, err := c.call(ctx, AccumulatorDataSelector)
	if err != nil {
		return nil, fmt.Errorf("getAccumulatorData: %w", err)
	}
	if len(out) != (1+MaxPeaks)*wordSize {
		return nil, fmt.Errorf("getAccumulatorData: %w: %d bytes", ErrMalformed, len(out))
	}
	meta, err := DecodeMetadataBytes(out[:wordSize])
	if err != nil {
		return nil, err
	}
	d := &AccumulatorData{Metadata: meta}
	for i := 0; i < MaxPeaks; i++ {
		copy(d.Peaks[i][:], out[(1+i)*wordSize:(2+i)*wordSize])
	}
	return d, nil
}

// LatestCID calls getLatestCID(), the ledger's own record of the root.
func (c *Contract) LatestCID(ctx context.Context) (cid.Cid, error) {
	out, err := c.call(ctx, LatestCIDSelector)
	if err != nil {
		return cid.Undef, fmt.Errorf("getLatestCID: %w", err)
	}
	raw, err := dynamicBytes(out, 0)
	if err != nil {
		return cid.Undef, fmt.Errorf("getLatestCID: %w", err)
	}
	return dag.Cast(raw)
}

// HeadBlock returns the current block number.
func (c *Contract) HeadBlock(ctx context.Context) (uint64, error) {
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (uint64, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, retry.Permanent(err)
		}
		return c.backend.BlockNumber(ctx)
	})
}

// FilterQuery returns the query selecting append events in [from, to]. A
// non-nil leafIndex narrows it to that one leaf.
func (c *Contract) FilterQuery(from, to uint64, leafIndex *uint32) ethereum.FilterQuery {
	topics := [][]common.Hash{{LeafAppendedTopic}}
	if leafIndex != nil {
		topics = append(topics, []common.Hash{LeafIndexTopic(*leafIndex)})
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
		Topics:    topics,
	}
}

// Logs fetches the raw append logs in [from, to].
func (c *Contract) Logs(ctx context.Context, from, to uint64, leafIndex *uint32) ([]types.Log, error) {
	if from > to {
		return nil, nil
	}
	q := c.FilterQuery(from, to, leafIndex)
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) ([]types.Log, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(err)
		}
		return c.backend.FilterLogs(ctx, q)
	})
}

// Events fetches and normalizes the append events in [from, to]. Logs that
// are not append events are skipped. Order is as returned by the backend.
func (c *Contract) Events(ctx context.Context, from, to uint64, leafIndex *uint32) ([]Event, error) {
	logs, err := c.Logs(ctx, from, to, leafIndex)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		ev, err := NormalizeEvent(l)
		if errors.Is(err, ErrNotAppendEvent) {
			c.log.Debug("skipping foreign log", "block", l.BlockNumber, "tx", l.TxHash.Hex())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("block %d tx %s: %w", l.BlockNumber, l.TxHash.Hex(), err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// EncodeAccumulatorData builds the getAccumulatorData() return value.
func EncodeAccumulatorData(d AccumulatorData) []byte {
	word := EncodeMetadata(d.Metadata).Bytes32()
	out := make([]byte, 0, (1+MaxPeaks)*wordSize)
	out = append(out, word[:]...)
	for _, p := range d.Peaks {
		out = append(out, p[:]...)
	}
	return out
}

// EncodeLatestCID builds the getLatestCID() return value.
func EncodeLatestCID(c cid.Cid) []byte {
	return append(putUint(wordSize), encodeBytes(c.Bytes())...)
}

// NewAccumulatorData builds the ledger view of an accumulator state.
func NewAccumulatorData(s mmr.State, previousInsertBlock, deployBlock uint32) (AccumulatorData, error) {
	if len(s.Peaks) > MaxPeaks {
		return AccumulatorData{}, fmt.Errorf("%w: %d peaks", ErrMalformed, len(s.Peaks))
	}
	d := AccumulatorData{Metadata: ChainMetadata{
		PeakCount:                 uint8(len(s.Peaks)),
		LeafCount:                 uint32(s.LeafCount),
		PreviousInsertBlockNumber: previousInsertBlock,
		DeployBlockNumber:         deployBlock,
	}}
	for i, p := range s.Peaks {
		digest, err := dag.Digest(p.ID)
		if err != nil {
			return AccumulatorData{}, err
		}
		d.Peaks[i] = digest
		d.Metadata.PeakHeights[i] = p.Height
	}
	return d, nil
}
