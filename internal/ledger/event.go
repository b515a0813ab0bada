package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ipfs/go-cid"

	"mmrmirror/internal/dag"
)

// Event is a normalized LeafAppended log.
//
//	event LeafAppended(uint32 indexed leafIndex, uint32 previousInsertBlockNumber,
//	                   bytes data, bytes32[] leftInputs)
type Event struct {
	LeafIndex                 uint32
	PreviousInsertBlockNumber uint32
	Data                      []byte
	LeftInputs                []cid.Cid
	BlockNumber               uint64
	TxHash                    common.Hash
	LogIndex                  uint
	Removed                   bool
}

// Source describes where the event came from, for leaf records.
func (e Event) Source() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// NormalizeEvent decodes a raw log. The payload layout is a head of three
// words (previousInsertBlockNumber, offset of data, offset of leftInputs)
// followed by the two length prefixed arrays.
func NormalizeEvent(log types.Log) (Event, error) {
	if len(log.Topics) != 2 || log.Topics[0] != LeafAppendedTopic {
		return Event{}, ErrNotAppendEvent
	}
	topic := log.Topics[1].Bytes()
	leafIndex, err := uint32Word(topic, 0)
	if err != nil {
		return Event{}, fmt.Errorf("leaf index topic: %w", err)
	}

	prev, err := uint32Word(log.Data, 0)
	if err != nil {
		return Event{}, fmt.Errorf("previous insert block: %w", err)
	}
	data, err := dynamicBytes(log.Data, wordSize)
	if err != nil {
		return Event{}, fmt.Errorf("data: %w", err)
	}
	words, err := dynamicWords(log.Data, 2*wordSize)
	if err != nil {
		return Event{}, fmt.Errorf("left inputs: %w", err)
	}

	left := make([]cid.Cid, len(words))
	for i, w := range words {
		left[i] = dag.FromDigest(w)
	}

	return Event{
		LeafIndex:                 leafIndex,
		PreviousInsertBlockNumber: prev,
		Data:                      data,
		LeftInputs:                left,
		BlockNumber:               log.BlockNumber,
		TxHash:                    log.TxHash,
		LogIndex:                  log.Index,
		Removed:                   log.Removed,
	}, nil
}

// EncodeEvent builds the raw log the ledger emits for e at address.
func EncodeEvent(address common.Address, e Event) (types.Log, error) {
	words := make([][wordSize]byte, len(e.LeftInputs))
	for i, c := range e.LeftInputs {
		d, err := dag.Digest(c)
		if err != nil {
			return types.Log{}, err
		}
		words[i] = d
	}

	dataTail := encodeBytes(e.Data)
	payload := putUint(uint64(e.PreviousInsertBlockNumber))
	payload = append(payload, putUint(3*wordSize)...)
	payload = append(payload, putUint(uint64(3*wordSize+len(dataTail)))...)
	payload = append(payload, dataTail...)
	payload = append(payload, encodeWords(words)...)

	return types.Log{
		Address:     address,
		Topics:      []common.Hash{LeafAppendedTopic, LeafIndexTopic(e.LeafIndex)},
		Data:        payload,
		BlockNumber: e.BlockNumber,
		TxHash:      e.TxHash,
		Index:       e.LogIndex,
		Removed:     e.Removed,
	}, nil
}

// LeafIndexTopic is the indexed topic value for a leaf index.
func LeafIndexTopic(index uint32) common.Hash {
	return common.BytesToHash(putUint(uint64(index)))
}
