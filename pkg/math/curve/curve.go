package curve

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Name identifies the group used by every Scalar and Point in this package.
const Name = "secp256k1"

const (
	// ScalarBytes is the size of a marshalled Scalar.
	ScalarBytes = 32
	// PointBytes is the size of a marshalled Point, in compressed SEC1 form.
	PointBytes = 33
)

// Order returns the big-endian encoding of the order of the group.
func Order() []byte {
	return secp256k1.Params().N.Bytes()
}
