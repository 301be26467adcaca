package polynomial

import (
	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
	"github.com/taurusgroup/tss-mesh/pkg/party"
)

// Lagrange returns the Lagrange coefficients at 0 for all parties in the interpolation domain.
func Lagrange(interpolationDomain []party.Identifier) map[party.Identifier]*curve.Scalar {
	coefficients := make(map[party.Identifier]*curve.Scalar, len(interpolationDomain))
	for _, j := range interpolationDomain {
		coefficients[j] = LagrangeSingle(interpolationDomain, j)
	}
	return coefficients
}

// LagrangeSingle returns the Lagrange coefficient lⱼ(0) of the party j.
//
// The following formulas are taken from
// https://en.wikipedia.org/wiki/Lagrange_polynomial
//
//	         ∏ₘ≠ⱼ xₘ
//	lⱼ(0) = ------------
//	         ∏ₘ≠ⱼ (xₘ - xⱼ)
func LagrangeSingle(interpolationDomain []party.Identifier, j party.Identifier) *curve.Scalar {
	xJ := j.Scalar()
	numerator := curve.NewScalarUInt32(1)
	denominator := curve.NewScalarUInt32(1)
	for _, m := range interpolationDomain {
		if m == j {
			continue
		}
		xM := m.Scalar()
		numerator.Mul(xM)
		denominator.Mul(xM.Clone().Sub(xJ))
	}
	return denominator.Invert().Mul(numerator)
}
