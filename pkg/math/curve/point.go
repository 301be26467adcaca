package curve

import (
	"bytes"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Point is an element of the secp256k1 group, stored in Jacobian coordinates.
//
// Unlike Scalar, the arithmetic methods of Point return a fresh value.
type Point struct {
	value secp256k1.JacobianPoint
}

// identityBytes is the encoding we use for the point at infinity,
// which has no compressed SEC1 representation.
var identityBytes = make([]byte, PointBytes)

// NewIdentityPoint returns the identity element of the group.
func NewIdentityPoint() *Point {
	return new(Point)
}

// NewBasePoint returns the generator G.
func NewBasePoint() *Point {
	return NewScalarUInt32(1).ActOnBase()
}

// Set sets p = q, and returns p.
func (p *Point) Set(q *Point) *Point {
	p.value.Set(&q.value)
	return p
}

// Add returns p + q.
func (p *Point) Add(q *Point) *Point {
	out := NewIdentityPoint()
	secp256k1.AddNonConst(&p.value, &q.value, &out.value)
	return out
}

// Sub returns p - q.
func (p *Point) Sub(q *Point) *Point {
	return p.Add(q.Negate())
}

// Negate returns -p.
func (p *Point) Negate() *Point {
	if p.IsIdentity() {
		return NewIdentityPoint()
	}
	out := NewIdentityPoint()
	out.value.Set(&p.value)
	out.value.ToAffine()
	out.value.Y.Negate(1)
	out.value.Y.Normalize()
	return out
}

// IsIdentity returns true if p is the point at infinity.
func (p *Point) IsIdentity() bool {
	return (p.value.X.IsZero() && p.value.Y.IsZero()) || p.value.Z.IsZero()
}

// Equal returns true if p and q represent the same group element.
func (p *Point) Equal(q *Point) bool {
	if p.IsIdentity() || q.IsIdentity() {
		return p.IsIdentity() && q.IsIdentity()
	}
	var a, b secp256k1.JacobianPoint
	a.Set(&p.value)
	b.Set(&q.value)
	a.ToAffine()
	b.ToAffine()
	return a.X.Equals(&b.X) && a.Y.Equals(&b.Y)
}

// MarshalBinary implements encoding.BinaryMarshaler.
// The identity is encoded as PointBytes zero bytes.
func (p *Point) MarshalBinary() ([]byte, error) {
	if p.IsIdentity() {
		out := make([]byte, PointBytes)
		return out, nil
	}
	var affine secp256k1.JacobianPoint
	affine.Set(&p.value)
	affine.ToAffine()
	return secp256k1.NewPublicKey(&affine.X, &affine.Y).SerializeCompressed(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Point) UnmarshalBinary(data []byte) error {
	if len(data) != PointBytes {
		return fmt.Errorf("curve: invalid length for point: %d", len(data))
	}
	if bytes.Equal(data, identityBytes) {
		p.value = secp256k1.JacobianPoint{}
		return nil
	}
	pk, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return fmt.Errorf("curve: %w", err)
	}
	pk.AsJacobian(&p.value)
	return nil
}

// Bytes returns the compressed encoding of p.
func (p *Point) Bytes() []byte {
	data, _ := p.MarshalBinary()
	return data
}

// WriteTo implements io.WriterTo and should be used within the hash.Hash function.
func (p *Point) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.Bytes())
	return int64(n), err
}

// Domain implements hash.WriterToWithDomain, and separates this type within hash.Hash.
func (*Point) Domain() string {
	return "Point"
}
