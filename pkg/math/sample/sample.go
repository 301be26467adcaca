package sample

import (
	"fmt"
	"io"

	"github.com/cronokirby/saferith"
	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
)

// wideBytes is the number of bytes read before reducing modulo the group order,
// large enough that the bias of the reduction is negligible.
const wideBytes = 64

var order = saferith.ModulusFromBytes(curve.Order())

const maxIterations = 255

var ErrMaxIterations = fmt.Errorf("sample: failed to generate after %d iterations", maxIterations)

func mustReadBits(rand io.Reader, buf []byte) {
	for i := 0; i < maxIterations; i++ {
		if _, err := io.ReadFull(rand, buf); err == nil {
			return
		}
	}
	panic(ErrMaxIterations)
}

// Scalar returns a new uniformly distributed *curve.Scalar read from rand.
//
// For a hash digest, rand can be the output of hash.Hash.Digest().
func Scalar(rand io.Reader) *curve.Scalar {
	buf := make([]byte, wideBytes)
	mustReadBits(rand, buf)
	s, err := reduce(buf)
	if err != nil {
		panic(fmt.Sprintf("sample.Scalar: %v", err))
	}
	return s
}

// ScalarNonZero returns a new uniformly distributed non-zero *curve.Scalar.
func ScalarNonZero(rand io.Reader) *curve.Scalar {
	for {
		s := Scalar(rand)
		if !s.IsZero() {
			return s
		}
	}
}

// reduce interprets buf as a big-endian integer and reduces it modulo the group order.
func reduce(buf []byte) (*curve.Scalar, error) {
	n := new(saferith.Nat).SetBytes(buf)
	n.Mod(n, order)
	out := curve.NewScalar()
	if err := out.UnmarshalBinary(n.FillBytes(make([]byte, curve.ScalarBytes))); err != nil {
		return nil, err
	}
	return out, nil
}
