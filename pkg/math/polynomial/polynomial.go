package polynomial

import (
	"io"

	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
	"github.com/taurusgroup/tss-mesh/pkg/math/sample"
)

// Polynomial represents f(X) = a₀ + a₁⋅X + … + aₜ⋅Xᵗ.
type Polynomial struct {
	coefficients []*curve.Scalar
}

// NewPolynomial generates a Polynomial f(X) = constant + a₁⋅X + … + aₜ⋅Xᵗ,
// with coefficients sampled from rand, and degree t.
//
// A nil constant is sampled as well.
func NewPolynomial(rand io.Reader, degree int, constant *curve.Scalar) *Polynomial {
	coefficients := make([]*curve.Scalar, degree+1)
	if constant == nil {
		constant = sample.ScalarNonZero(rand)
	}
	coefficients[0] = constant.Clone()
	for i := 1; i <= degree; i++ {
		coefficients[i] = sample.Scalar(rand)
	}
	return &Polynomial{coefficients: coefficients}
}

// Evaluate evaluates a polynomial in a given variable index
// We use Horner's method: https://en.wikipedia.org/wiki/Horner%27s_method
func (p *Polynomial) Evaluate(index *curve.Scalar) *curve.Scalar {
	if index.IsZero() {
		panic("attempt to leak secret")
	}

	result := curve.NewScalar()
	// reverse order
	for i := len(p.coefficients) - 1; i >= 0; i-- {
		// bₙ₋₁ = bₙ * x + aₙ₋₁
		result.Mul(index).Add(p.coefficients[i])
	}
	return result
}

// Constant returns a copy of the constant coefficient of the polynomial.
func (p *Polynomial) Constant() *curve.Scalar {
	return p.coefficients[0].Clone()
}

// Degree is the highest power of the Polynomial.
func (p *Polynomial) Degree() int {
	return len(p.coefficients) - 1
}

// Exponent returns the commitments [a₀]G, …, [aₜ]G to the coefficients.
func (p *Polynomial) Exponent() *Exponent {
	coefficients := make([]*curve.Point, len(p.coefficients))
	for i, c := range p.coefficients {
		coefficients[i] = c.ActOnBase()
	}
	return &Exponent{coefficients: coefficients}
}
