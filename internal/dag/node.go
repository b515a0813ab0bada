// Package dag implements the content addressed node layer of the accumulator.
//
// Every accumulator node is either a Leaf carrying raw data or a Link joining
// two child identifiers. Nodes are encoded as dag-cbor maps with a fixed key
// set, so identical logical content always produces identical bytes and
// therefore the same identifier.
package dag

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// Map keys of the canonical encoding. dag-cbor sorts keys length first, then
// bytewise, so "L" always precedes "R".
const (
	keyData  = "data"
	keyLeft  = "L"
	keyRight = "R"
)

// Kind discriminates the two node variants.
type Kind uint8

const (
	KindLeaf Kind = iota + 1
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

// Node is the tagged union Leaf(data) | Link{Left, Right}.
type Node struct {
	Kind  Kind
	Data  []byte
	Left  cid.Cid
	Right cid.Cid
}

// Leaf returns a leaf node over data.
func Leaf(data []byte) Node {
	return Node{Kind: KindLeaf, Data: data}
}

// Link returns an interior node. The order of left and right is significant.
func Link(left, right cid.Cid) Node {
	return Node{Kind: KindLink, Left: left, Right: right}
}

// Encode serializes n canonically.
func Encode(n Node) ([]byte, error) {
	var (
		node datamodel.Node
		err  error
	)
	switch n.Kind {
	case KindLeaf:
		data := n.Data
		if data == nil {
			data = []byte{}
		}
		node, err = qp.BuildMap(basicnode.Prototype.Map, 1, func(ma datamodel.MapAssembler) {
			qp.MapEntry(ma, keyData, qp.Bytes(data))
		})
	case KindLink:
		if !n.Left.Defined() || !n.Right.Defined() {
			return nil, fmt.Errorf("%w: link with undefined child", ErrInvalidNode)
		}
		node, err = qp.BuildMap(basicnode.Prototype.Map, 2, func(ma datamodel.MapAssembler) {
			qp.MapEntry(ma, keyLeft, qp.Link(cidlink.Link{Cid: n.Left}))
			qp.MapEntry(ma, keyRight, qp.Link(cidlink.Link{Cid: n.Right}))
		})
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidNode, n.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("dag: build node: %w", err)
	}

	var buf bytes.Buffer
	if err := dagcbor.Encode(node, &buf); err != nil {
		return nil, fmt.Errorf("dag: encode node: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses bytes produced by Encode. The empty map (the canonical empty
// root) is rejected, it is neither a leaf nor a link.
func Decode(b []byte) (Node, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(b)); err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	n := nb.Build()
	if n.Kind() != datamodel.Kind_Map {
		return Node{}, fmt.Errorf("%w: not a map", ErrInvalidNode)
	}

	switch n.Length() {
	case 1:
		v, err := n.LookupByString(keyData)
		if err != nil {
			return Node{}, fmt.Errorf("%w: missing %q", ErrInvalidNode, keyData)
		}
		data, err := v.AsBytes()
		if err != nil {
			return Node{}, fmt.Errorf("%w: %q is not bytes", ErrInvalidNode, keyData)
		}
		return Leaf(data), nil
	case 2:
		left, err := lookupLink(n, keyLeft)
		if err != nil {
			return Node{}, err
		}
		right, err := lookupLink(n, keyRight)
		if err != nil {
			return Node{}, err
		}
		return Link(left, right), nil
	default:
		return Node{}, fmt.Errorf("%w: %d keys", ErrInvalidNode, n.Length())
	}
}

func lookupLink(n datamodel.Node, key string) (cid.Cid, error) {
	v, err := n.LookupByString(key)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: missing %q", ErrInvalidNode, key)
	}
	l, err := v.AsLink()
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %q is not a link", ErrInvalidNode, key)
	}
	cl, ok := l.(cidlink.Link)
	if !ok {
		return cid.Undef, fmt.Errorf("%w: %q is not a cid link", ErrInvalidNode, key)
	}
	return cl.Cid, nil
}
