package dag

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// DAG node errors
var (
	// ErrIntegrity indicates recomputed identifier differs from the claimed one.
	ErrIntegrity = errors.New("dag: integrity check failed")

	// ErrInvalidNode indicates bytes that do not decode to a Leaf or Link node.
	ErrInvalidNode = errors.New("dag: invalid node encoding")

	// ErrInvalidDigest indicates a digest or multihash that does not match the fixed prefix.
	ErrInvalidDigest = errors.New("dag: invalid digest")
)

// IntegrityError reports a block whose bytes do not hash to the identifier
// it was stored or published under.
type IntegrityError struct {
	Expected cid.Cid
	Actual   cid.Cid
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("dag: integrity check failed: expected %s, computed %s", e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrIntegrity) hold for any *IntegrityError.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}
