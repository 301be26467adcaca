package curve_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
)

func TestScalarArithmetic(t *testing.T) {
	a := curve.NewScalarUInt32(7)
	b := curve.NewScalarUInt32(5)

	assert.True(t, a.Clone().Sub(b).Equal(curve.NewScalarUInt32(2)))
	assert.True(t, a.Clone().Mul(b).Equal(curve.NewScalarUInt32(35)))
	assert.True(t, a.Clone().Add(a.Clone().Negate()).IsZero())

	inv := a.Clone().Invert()
	assert.True(t, inv.Mul(a).Equal(curve.NewScalarUInt32(1)))
}

func TestPointGroupLaw(t *testing.T) {
	two := curve.NewScalarUInt32(2)
	three := curve.NewScalarUInt32(3)
	G := curve.NewBasePoint()

	assert.True(t, G.Add(G).Equal(two.ActOnBase()))
	assert.True(t, two.ActOnBase().Add(G).Equal(three.ActOnBase()))
	assert.True(t, three.Act(G).Equal(three.ActOnBase()))
	assert.True(t, G.Sub(G).IsIdentity())
	assert.True(t, G.Add(G.Negate()).IsIdentity())
	assert.True(t, curve.NewIdentityPoint().Add(G).Equal(G))
}

func TestPointEncoding(t *testing.T) {
	P := curve.NewScalarUInt32(12345).ActOnBase()
	data, err := P.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, curve.PointBytes)

	var Q curve.Point
	require.NoError(t, Q.UnmarshalBinary(data))
	assert.True(t, P.Equal(&Q))

	identity, err := curve.NewIdentityPoint().MarshalBinary()
	require.NoError(t, err)
	var I curve.Point
	require.NoError(t, I.UnmarshalBinary(identity))
	assert.True(t, I.IsIdentity())

	assert.Error(t, Q.UnmarshalBinary(data[:10]))
}

func TestScalarRejectsUnreduced(t *testing.T) {
	var s curve.Scalar
	tooBig := make([]byte, curve.ScalarBytes)
	for i := range tooBig {
		tooBig[i] = 0xff
	}
	assert.Error(t, s.UnmarshalBinary(tooBig))
	assert.NoError(t, s.UnmarshalBinary(curve.NewScalarUInt32(9).Bytes()))
	assert.True(t, s.Equal(curve.NewScalarUInt32(9)))
}
