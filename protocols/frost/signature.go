package frost

import (
	"errors"

	"github.com/taurusgroup/tss-mesh/pkg/hash"
	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
	"github.com/taurusgroup/tss-mesh/pkg/math/sample"
)

// SignatureBytes is the length of an encoded Signature.
const SignatureBytes = curve.PointBytes + curve.ScalarBytes

func challenge(R, Y *curve.Point, message []byte) *curve.Scalar {
	h := hash.New()
	_ = h.WriteAny(R, Y, hash.Bytes("message", message))
	return sample.Scalar(h.Digest())
}

// Signature represents the result of a Schnorr signature.
//
// This signature claims to satisfy:
//
//	z * G = R + H(R, Y, m) * Y
//
// for a public key Y.
type Signature struct {
	// R is the commitment point.
	R *curve.Point
	// Z is the response scalar.
	Z *curve.Scalar
}

// Verify checks if a signature equation actually holds.
func (sig *Signature) Verify(public *curve.Point, message []byte) bool {
	if sig == nil || sig.R == nil || sig.Z == nil || public == nil || public.IsIdentity() {
		return false
	}
	c := challenge(sig.R, public, message)
	expected := c.Act(public).Add(sig.R)
	return sig.Z.ActOnBase().Equal(expected)
}

// MarshalBinary returns R || z.
func (sig *Signature) MarshalBinary() ([]byte, error) {
	R, err := sig.R.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(R, sig.Z.Bytes()...), nil
}

// UnmarshalBinary decodes the output of MarshalBinary.
func (sig *Signature) UnmarshalBinary(data []byte) error {
	if len(data) != SignatureBytes {
		return errors.New("frost: invalid signature length")
	}
	R, z := curve.NewIdentityPoint(), curve.NewScalar()
	if err := R.UnmarshalBinary(data[:curve.PointBytes]); err != nil {
		return err
	}
	if err := z.UnmarshalBinary(data[curve.PointBytes:]); err != nil {
		return err
	}
	sig.R, sig.Z = R, z
	return nil
}
