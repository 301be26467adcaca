package polynomial

import (
	"errors"
	"fmt"
	"io"

	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
)

// Exponent represents a polynomial whose coefficients are points on an elliptic curve.
// F(X) = [a₀]G + [a₁]G⋅X + … + [aₜ]G⋅Xᵗ.
type Exponent struct {
	coefficients []*curve.Point
}

// NewExponent returns an Exponent with the given coefficients.
func NewExponent(coefficients []*curve.Point) *Exponent {
	cs := make([]*curve.Point, len(coefficients))
	for i, c := range coefficients {
		cs[i] = new(curve.Point).Set(c)
	}
	return &Exponent{coefficients: cs}
}

// Evaluate returns F(x) = [f(x)]G.
func (p *Exponent) Evaluate(x *curve.Scalar) *curve.Point {
	result := curve.NewIdentityPoint()
	for i := len(p.coefficients) - 1; i >= 0; i-- {
		// Bₙ₋₁ = [x]Bₙ  + Aₙ₋₁
		result = x.Act(result).Add(p.coefficients[i])
	}
	return result
}

// Degree returns the degree t of the polynomial.
func (p *Exponent) Degree() int {
	return len(p.coefficients) - 1
}

// Constant returns the constant coefficient [a₀]G.
func (p *Exponent) Constant() *curve.Point {
	return new(curve.Point).Set(p.coefficients[0])
}

// Coefficients returns a copy of the committed coefficients.
func (p *Exponent) Coefficients() []*curve.Point {
	return NewExponent(p.coefficients).coefficients
}

// Equal returns true if both polynomials commit to the same coefficients.
func (p *Exponent) Equal(other *Exponent) bool {
	if len(p.coefficients) != len(other.coefficients) {
		return false
	}
	for i := range p.coefficients {
		if !p.coefficients[i].Equal(other.coefficients[i]) {
			return false
		}
	}
	return true
}

// Sum returns the sum of the given polynomials, which must all have the same degree.
func Sum(polynomials []*Exponent) (*Exponent, error) {
	if len(polynomials) == 0 {
		return nil, errors.New("exponent: no polynomials to sum")
	}
	degree := polynomials[0].Degree()
	summed := NewExponent(polynomials[0].coefficients)
	for _, p := range polynomials[1:] {
		if p.Degree() != degree {
			return nil, errors.New("exponent: degree mismatch")
		}
		for i := range summed.coefficients {
			summed.coefficients[i] = summed.coefficients[i].Add(p.coefficients[i])
		}
	}
	return summed, nil
}

// MarshalBinary encodes the coefficients one after the other, in compressed form.
func (p *Exponent) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, len(p.coefficients)*curve.PointBytes)
	for _, c := range p.coefficients {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// UnmarshalBinary decodes the output of MarshalBinary.
func (p *Exponent) UnmarshalBinary(data []byte) error {
	if len(data) == 0 || len(data)%curve.PointBytes != 0 {
		return fmt.Errorf("exponent: invalid length %d", len(data))
	}
	coefficients := make([]*curve.Point, len(data)/curve.PointBytes)
	for i := range coefficients {
		coefficients[i] = curve.NewIdentityPoint()
		if err := coefficients[i].UnmarshalBinary(data[i*curve.PointBytes : (i+1)*curve.PointBytes]); err != nil {
			return fmt.Errorf("exponent: coefficient %d: %w", i, err)
		}
	}
	p.coefficients = coefficients
	return nil
}

// WriteTo implements io.WriterTo and should be used within the hash.Hash function.
func (p *Exponent) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, c := range p.coefficients {
		n, err := c.WriteTo(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Domain implements hash.WriterToWithDomain, and separates this type within hash.Hash.
func (*Exponent) Domain() string {
	return "Exponent"
}
