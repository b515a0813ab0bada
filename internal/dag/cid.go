package dag

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// DigestSize is the size of the sha2-256 digest wrapped by every identifier.
const DigestSize = 32

// Prefix is the fixed identifier shape: CIDv1, dag-cbor, sha2-256.
var Prefix = cid.Prefix{
	Version:  1,
	Codec:    uint64(multicodec.DagCbor),
	MhType:   uint64(multicodec.Sha2_256),
	MhLength: DigestSize,
}

// emptyMap is the dag-cbor encoding of {}.
var emptyMap = []byte{0xa0}

// EmptyRoot identifies the accumulator with no leaves.
var EmptyRoot = mustIdentify(emptyMap)

// Block is an encoded node paired with its identifier.
type Block struct {
	ID    cid.Cid
	Bytes []byte
}

// Identify hashes b under the fixed prefix.
func Identify(b []byte) (cid.Cid, error) {
	c, err := Prefix.Sum(b)
	if err != nil {
		return cid.Undef, fmt.Errorf("dag: identify: %w", err)
	}
	return c, nil
}

func mustIdentify(b []byte) cid.Cid {
	c, err := Identify(b)
	if err != nil {
		panic(err)
	}
	return c
}

// Verify recomputes the identifier of b and compares it with expected.
func Verify(b []byte, expected cid.Cid) error {
	actual, err := Identify(b)
	if err != nil {
		return err
	}
	if !actual.Equals(expected) {
		return &IntegrityError{Expected: expected, Actual: actual}
	}
	return nil
}

// Build encodes n and identifies the result.
func Build(n Node) (Block, error) {
	b, err := Encode(n)
	if err != nil {
		return Block{}, err
	}
	id, err := Identify(b)
	if err != nil {
		return Block{}, err
	}
	return Block{ID: id, Bytes: b}, nil
}

// LeafBlock builds the leaf node for data.
func LeafBlock(data []byte) (Block, error) {
	return Build(Leaf(data))
}

// LinkBlock builds the interior node joining left and right.
func LinkBlock(left, right cid.Cid) (Block, error) {
	return Build(Link(left, right))
}

// FromDigest rebuilds the identifier for a bare sha2-256 digest, which is
// how the ledger stores peaks and merge inputs.
func FromDigest(digest [DigestSize]byte) cid.Cid {
	m, err := mh.Encode(digest[:], Prefix.MhType)
	if err != nil {
		// sha2-256 with a 32 byte digest always encodes
		panic(err)
	}
	return cid.NewCidV1(Prefix.Codec, m)
}

// Digest extracts the bare digest of an identifier built with Prefix.
func Digest(c cid.Cid) ([DigestSize]byte, error) {
	var out [DigestSize]byte
	if !c.Defined() {
		return out, fmt.Errorf("%w: undefined cid", ErrInvalidDigest)
	}
	if c.Prefix().Codec != Prefix.Codec {
		return out, fmt.Errorf("%w: codec %x", ErrInvalidDigest, c.Prefix().Codec)
	}
	dm, err := mh.Decode(c.Hash())
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if dm.Code != Prefix.MhType || len(dm.Digest) != DigestSize {
		return out, fmt.Errorf("%w: hash %x/%d", ErrInvalidDigest, dm.Code, len(dm.Digest))
	}
	copy(out[:], dm.Digest)
	return out, nil
}

// Format returns the external (multibase) form of c.
func Format(c cid.Cid) string {
	if !c.Defined() {
		return ""
	}
	return c.String()
}

// Parse reads the external form produced by Format.
func Parse(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("dag: parse %q: %w", s, err)
	}
	return c, nil
}

// Cast reads the binary form of an identifier, as returned by the ledger.
func Cast(b []byte) (cid.Cid, error) {
	c, err := cid.Cast(b)
	if err != nil {
		return cid.Undef, fmt.Errorf("dag: cast: %w", err)
	}
	return c, nil
}
