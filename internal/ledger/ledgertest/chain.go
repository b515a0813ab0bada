// Package ledgertest provides an in-memory ledger that appends leaves through
// the real accumulator and serves the resulting contract calls and logs.
package ledgertest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"mmrmirror/internal/ledger"
	"mmrmirror/internal/mmr"
)

// ErrUnavailable is the transient error injected by FailNext.
var ErrUnavailable = errors.New("ledgertest: backend unavailable")

// DefaultAddress is the contract address used by NewChain.
var DefaultAddress = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

// Chain is a fake ledger. All methods are safe for concurrent use.
type Chain struct {
	Address common.Address

	mu          sync.Mutex
	acc         *mmr.Accumulator
	deployBlock uint64
	head        uint64
	lastInsert  uint64
	logs        []types.Log
	results     []*mmr.AddResult
	failNext    int
	shuffle     bool
	calls       map[string]int
	subs        map[*subscription]struct{}
}

// NewChain returns a chain whose contract was deployed at deployBlock.
func NewChain(deployBlock uint64) *Chain {
	return &Chain{
		Address:     DefaultAddress,
		acc:         mmr.New(),
		deployBlock: deployBlock,
		head:        deployBlock,
		lastInsert:  deployBlock,
		calls:       make(map[string]int),
		subs:        make(map[*subscription]struct{}),
	}
}

// LeafData is the deterministic payload used by AppendN.
func LeafData(i uint64) []byte {
	return []byte(fmt.Sprintf("leaf-%d", i))
}

// Mine advances the head by n empty blocks.
func (c *Chain) Mine(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head += n
}

// Append mines a new block holding one append of data.
func (c *Chain) Append(data []byte) ledger.Event {
	c.mu.Lock()
	c.head++
	c.mu.Unlock()
	return c.AppendInHead(data)
}

// AppendInHead appends data inside the current head block.
func (c *Chain) AppendInHead(data []byte) ledger.Event {
	c.mu.Lock()
	index := c.acc.LeafCount()
	res, err := c.acc.AddLeaf(index, data)
	if err != nil {
		c.mu.Unlock()
		panic(err)
	}

	ev := ledger.Event{
		LeafIndex:                 uint32(index),
		PreviousInsertBlockNumber: uint32(c.lastInsert),
		Data:                      append([]byte(nil), data...),
		LeftInputs:                res.LeftInputs,
		BlockNumber:               c.head,
		TxHash:                    common.BigToHash(new(big.Int).SetUint64(index + 1)),
		LogIndex:                  uint(index),
	}
	l, err := ledger.EncodeEvent(c.Address, ev)
	if err != nil {
		c.mu.Unlock()
		panic(err)
	}
	c.logs = append(c.logs, l)
	c.results = append(c.results, res)
	c.lastInsert = c.head

	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.deliver(l)
	}
	return ev
}

// AppendN appends n leaves with LeafData payloads, one block each.
func (c *Chain) AppendN(n int) {
	for i := 0; i < n; i++ {
		c.Append(LeafData(c.acc.LeafCount()))
	}
}

// State returns the accumulator state of the chain.
func (c *Chain) State() mmr.State {
	return c.acc.State()
}

// Result returns the append result of leaf index.
func (c *Chain) Result(index uint64) *mmr.AddResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[index]
}

// Head returns the head block number.
func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// FailNext makes the next n backend calls fail with ErrUnavailable.
func (c *Chain) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// ShuffleLogs makes FilterLogs return logs in descending order, exercising
// callers that must not rely on ledger ordering.
func (c *Chain) ShuffleLogs(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuffle = on
}

// Calls returns how many times method was called.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Chain) enter(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	if c.failNext > 0 {
		c.failNext--
		return ErrUnavailable
	}
	return nil
}

// CallContract serves getAccumulatorData() and getLatestCID().
func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := c.enter("CallContract"); err != nil {
		return nil, err
	}
	if msg.To == nil || *msg.To != c.Address {
		return nil, fmt.Errorf("ledgertest: call to unknown contract")
	}

	c.mu.Lock()
	state := c.acc.State()
	lastInsert := c.lastInsert
	c.mu.Unlock()

	switch {
	case bytes.Equal(msg.Data, ledger.AccumulatorDataSelector):
		d, err := ledger.NewAccumulatorData(state, uint32(lastInsert), uint32(c.deployBlock))
		if err != nil {
			return nil, err
		}
		return ledger.EncodeAccumulatorData(d), nil
	case bytes.Equal(msg.Data, ledger.LatestCIDSelector):
		root, err := state.Root()
		if err != nil {
			return nil, err
		}
		return ledger.EncodeLatestCID(root), nil
	default:
		return nil, fmt.Errorf("ledgertest: unknown selector %x", msg.Data)
	}
}

// BlockNumber returns the head block.
func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.enter("BlockNumber"); err != nil {
		return 0, err
	}
	return c.Head(), nil
}

// FilterLogs applies the block range, address and topic filters of q.
func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.enter("FilterLogs"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	from, to := uint64(0), c.head
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	if q.ToBlock != nil {
		to = q.ToBlock.Uint64()
	}

	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if !matches(l, q) {
			continue
		}
		out = append(out, l)
	}
	if c.shuffle {
		sort.SliceStable(out, func(i, j int) bool { return out[i].BlockNumber > out[j].BlockNumber || out[i].Index > out[j].Index })
	}
	return out, nil
}

func matches(l types.Log, q ethereum.FilterQuery) bool {
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, alts := range q.Topics {
		if len(alts) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, t := range alts {
			if t == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SubscribeFilterLogs pushes every subsequent matching log to ch.
func (c *Chain) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if err := c.enter("SubscribeFilterLogs"); err != nil {
		return nil, err
	}
	s := &subscription{chain: c, query: q, ch: ch, errc: make(chan error, 1), quit: make(chan struct{})}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

// Subscribers returns the number of live subscriptions.
func (c *Chain) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

type subscription struct {
	chain *Chain
	query ethereum.FilterQuery
	ch    chan<- types.Log
	errc  chan error
	quit  chan struct{}
	once  sync.Once
}

func (s *subscription) deliver(l types.Log) {
	if !matches(l, s.query) {
		return
	}
	select {
	case s.ch <- l:
	case <-s.quit:
	}
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.chain.mu.Lock()
		delete(s.chain.subs, s)
		s.chain.mu.Unlock()
		close(s.quit)
		close(s.errc)
	})
}

func (s *subscription) Err() <-chan error {
	return s.errc
}
