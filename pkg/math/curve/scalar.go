package curve

import (
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Scalar is an element of ℤ/nℤ, where n is the order of secp256k1.
//
// Arithmetic methods modify the receiver in place and return it, so that calls may be chained.
type Scalar struct {
	value secp256k1.ModNScalar
}

// NewScalar returns a new zero Scalar.
func NewScalar() *Scalar {
	return new(Scalar)
}

// NewScalarUInt32 returns a new Scalar set to x.
func NewScalarUInt32(x uint32) *Scalar {
	var s Scalar
	s.value.SetInt(x)
	return &s
}

// Set sets s = x, and returns s.
func (s *Scalar) Set(x *Scalar) *Scalar {
	s.value.Set(&x.value)
	return s
}

// Clone returns a copy of s.
func (s *Scalar) Clone() *Scalar {
	return NewScalar().Set(s)
}

// Add sets s = s + x, and returns s.
func (s *Scalar) Add(x *Scalar) *Scalar {
	s.value.Add(&x.value)
	return s
}

// Sub sets s = s - x, and returns s.
func (s *Scalar) Sub(x *Scalar) *Scalar {
	var negated secp256k1.ModNScalar
	negated.NegateVal(&x.value)
	s.value.Add(&negated)
	return s
}

// Mul sets s = s ⋅ x, and returns s.
func (s *Scalar) Mul(x *Scalar) *Scalar {
	s.value.Mul(&x.value)
	return s
}

// Negate sets s = -s, and returns s.
func (s *Scalar) Negate() *Scalar {
	s.value.Negate()
	return s
}

// Invert sets s = s⁻¹, and returns s. The inverse of 0 is 0.
func (s *Scalar) Invert() *Scalar {
	s.value.InverseNonConst()
	return s
}

// Equal returns true if s and x represent the same value.
func (s *Scalar) Equal(x *Scalar) bool {
	return s.value.Equals(&x.value)
}

// IsZero returns true if s = 0.
func (s *Scalar) IsZero() bool {
	return s.value.IsZero()
}

// Act returns s ⋅ P.
func (s *Scalar) Act(p *Point) *Point {
	out := NewIdentityPoint()
	secp256k1.ScalarMultNonConst(&s.value, &p.value, &out.value)
	return out
}

// ActOnBase returns s ⋅ G.
func (s *Scalar) ActOnBase() *Point {
	out := NewIdentityPoint()
	secp256k1.ScalarBaseMultNonConst(&s.value, &out.value)
	return out
}

// Bytes returns the 32 byte big-endian encoding of s.
func (s *Scalar) Bytes() []byte {
	b := s.value.Bytes()
	return b[:]
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s *Scalar) MarshalBinary() ([]byte, error) {
	return s.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
// Values that are not reduced modulo the group order are rejected.
func (s *Scalar) UnmarshalBinary(data []byte) error {
	if len(data) != ScalarBytes {
		return fmt.Errorf("curve: invalid length for scalar: %d", len(data))
	}
	var exact [ScalarBytes]byte
	copy(exact[:], data)
	if s.value.SetBytes(&exact) != 0 {
		return errors.New("curve: scalar is not reduced")
	}
	return nil
}

// WriteTo implements io.WriterTo and should be used within the hash.Hash function.
func (s *Scalar) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(s.Bytes())
	return int64(n), err
}

// Domain implements hash.WriterToWithDomain, and separates this type within hash.Hash.
func (*Scalar) Domain() string {
	return "Scalar"
}
