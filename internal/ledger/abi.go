package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const wordSize = 32

// Signatures of the fixed ledger contract.
const (
	AccumulatorDataSignature = "getAccumulatorData()"
	LatestCIDSignature       = "getLatestCID()"
	LeafAppendedSignature    = "LeafAppended(uint32,uint32,bytes,bytes32[])"
)

var (
	// AccumulatorDataSelector and LatestCIDSelector are the 4 byte call selectors.
	AccumulatorDataSelector = selector(AccumulatorDataSignature)
	LatestCIDSelector       = selector(LatestCIDSignature)

	// LeafAppendedTopic is topic 0 of every append event.
	LeafAppendedTopic = common.BytesToHash(keccak([]byte(LeafAppendedSignature)))
)

func keccak(b []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return h.Sum(nil)
}

func selector(sig string) []byte {
	return keccak([]byte(sig))[:4]
}

// word returns the 32 byte word at offset off of b.
func word(b []byte, off uint64) ([]byte, error) {
	if off > uint64(len(b)) || uint64(len(b))-off < wordSize {
		return nil, fmt.Errorf("%w: word at %d beyond %d bytes", ErrMalformed, off, len(b))
	}
	return b[off : off+wordSize], nil
}

// uintWord reads the word at off as an unsigned integer of at most 64 bits.
// Any set bit above the low 8 bytes is a layout violation.
func uintWord(b []byte, off uint64) (uint64, error) {
	w, err := word(b, off)
	if err != nil {
		return 0, err
	}
	for _, x := range w[:wordSize-8] {
		if x != 0 {
			return 0, fmt.Errorf("%w: integer at %d overflows 64 bits", ErrMalformed, off)
		}
	}
	return binary.BigEndian.Uint64(w[wordSize-8:]), nil
}

func uint32Word(b []byte, off uint64) (uint32, error) {
	v, err := uintWord(b, off)
	if err != nil {
		return 0, err
	}
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: integer at %d overflows 32 bits", ErrMalformed, off)
	}
	return uint32(v), nil
}

// dynamicBytes reads a length prefixed byte array whose head offset word is
// at headOff. Offsets are relative to the start of b.
func dynamicBytes(b []byte, headOff uint64) ([]byte, error) {
	start, err := uintWord(b, headOff)
	if err != nil {
		return nil, err
	}
	n, err := uintWord(b, start)
	if err != nil {
		return nil, err
	}
	body := start + wordSize
	if body > uint64(len(b)) || uint64(len(b))-body < n {
		return nil, fmt.Errorf("%w: %d byte array at %d exceeds %d bytes", ErrMalformed, n, start, len(b))
	}
	out := make([]byte, n)
	copy(out, b[body:body+n])
	return out, nil
}

// dynamicWords reads a length prefixed array of 32 byte words.
func dynamicWords(b []byte, headOff uint64) ([][wordSize]byte, error) {
	start, err := uintWord(b, headOff)
	if err != nil {
		return nil, err
	}
	n, err := uintWord(b, start)
	if err != nil {
		return nil, err
	}
	body := start + wordSize
	if n > uint64(len(b))/wordSize {
		return nil, fmt.Errorf("%w: array of %d words exceeds %d bytes", ErrMalformed, n, len(b))
	}
	out := make([][wordSize]byte, n)
	for i := uint64(0); i < n; i++ {
		w, err := word(b, body+i*wordSize)
		if err != nil {
			return nil, err
		}
		copy(out[i][:], w)
	}
	return out, nil
}

// Encoding helpers, the inverse of the readers above. Used to build call
// results and event payloads for the wire layout.

func putUint(v uint64) []byte {
	w := make([]byte, wordSize)
	binary.BigEndian.PutUint64(w[wordSize-8:], v)
	return w
}

func padded(b []byte) []byte {
	n := (len(b) + wordSize - 1) / wordSize * wordSize
	out := make([]byte, n)
	copy(out, b)
	return out
}

func encodeBytes(b []byte) []byte {
	return append(putUint(uint64(len(b))), padded(b)...)
}

func encodeWords(ws [][wordSize]byte) []byte {
	out := putUint(uint64(len(ws)))
	for _, w := range ws {
		out = append(out, w[:]...)
	}
	return out
}
