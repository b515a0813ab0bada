package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// MaxPeaks is the number of peak slots the ledger reserves.
const MaxPeaks = 32

// Bit layout of the packed accumulator metadata word.
const (
	peakHeightBits = 5
	peakHeightMask = 0x1F

	peakCountShift = 160
	peakCountMask  = 0x1F

	leafCountShift = 165
	leafCountMask  = 0xFFFFFFFF

	previousInsertShift = 197
	previousInsertMask  = 0xFFFFFFFF

	deployBlockShift = 229
	deployBlockMask  = 0x7FFFFFF
)

// ChainMetadata is the decoded form of the ledger's packed metadata word.
type ChainMetadata struct {
	PeakHeights               [MaxPeaks]uint8
	PeakCount                 uint8
	LeafCount                 uint32
	PreviousInsertBlockNumber uint32
	DeployBlockNumber         uint32
}

// DecodeMetadata unpacks the 256-bit metadata word.
func DecodeMetadata(bits *uint256.Int) ChainMetadata {
	var m ChainMetadata
	for i := 0; i < MaxPeaks; i++ {
		m.PeakHeights[i] = uint8(field(bits, uint(peakHeightBits*i), peakHeightMask))
	}
	m.PeakCount = uint8(field(bits, peakCountShift, peakCountMask))
	m.LeafCount = uint32(field(bits, leafCountShift, leafCountMask))
	m.PreviousInsertBlockNumber = uint32(field(bits, previousInsertShift, previousInsertMask))
	m.DeployBlockNumber = uint32(field(bits, deployBlockShift, deployBlockMask))
	return m
}

// DecodeMetadataBytes unpacks a big-endian 32 byte metadata word.
func DecodeMetadataBytes(word []byte) (ChainMetadata, error) {
	if len(word) != wordSize {
		return ChainMetadata{}, fmt.Errorf("%w: metadata word is %d bytes", ErrMalformed, len(word))
	}
	return DecodeMetadata(new(uint256.Int).SetBytes32(word)), nil
}

func field(bits *uint256.Int, shift uint, mask uint64) uint64 {
	return new(uint256.Int).Rsh(bits, shift).Uint64() & mask
}

// EncodeMetadata packs m into the ledger's metadata word. Fields are masked
// to their bit widths.
func EncodeMetadata(m ChainMetadata) *uint256.Int {
	bits := new(uint256.Int)
	put := func(v uint64, shift uint, mask uint64) {
		bits.Or(bits, new(uint256.Int).Lsh(uint256.NewInt(v&mask), shift))
	}
	for i := 0; i < MaxPeaks; i++ {
		put(uint64(m.PeakHeights[i]), uint(peakHeightBits*i), peakHeightMask)
	}
	put(uint64(m.PeakCount), peakCountShift, peakCountMask)
	put(uint64(m.LeafCount), leafCountShift, leafCountMask)
	put(uint64(m.PreviousInsertBlockNumber), previousInsertShift, previousInsertMask)
	put(uint64(m.DeployBlockNumber), deployBlockShift, deployBlockMask)
	return bits
}
