package zksch

import (
	"io"

	"github.com/taurusgroup/tss-mesh/pkg/hash"
	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
	"github.com/taurusgroup/tss-mesh/pkg/math/sample"
)

// Proof is a Schnorr proof of knowledge of x such that X = [x]G.
type Proof struct {
	// R = [k]G
	R *curve.Point
	// Z = k + e⋅x
	Z *curve.Scalar
}

// challenge computes e = H(…, R, X), where the hash already contains the caller's context.
func challenge(hash *hash.Hash, R, X *curve.Point) (*curve.Scalar, error) {
	if err := hash.WriteAny(R, X); err != nil {
		return nil, err
	}
	return sample.Scalar(hash.Digest()), nil
}

// Prove generates a proof that the prover knows x = dlog(X).
// The hash should be initialized with the context binding the proof to its session and prover.
func Prove(rand io.Reader, hash *hash.Hash, X *curve.Point, x *curve.Scalar) (*Proof, error) {
	k := sample.ScalarNonZero(rand)
	R := k.ActOnBase()
	e, err := challenge(hash, R, X)
	if err != nil {
		return nil, err
	}
	return &Proof{
		R: R,
		Z: e.Mul(x).Add(k),
	}, nil
}

// Verify checks the proof against the public value X, using a hash initialized with the same context as the prover's.
func (p *Proof) Verify(hash *hash.Hash, X *curve.Point) bool {
	if p == nil || p.R == nil || p.Z == nil || X == nil {
		return false
	}
	if p.R.IsIdentity() || X.IsIdentity() {
		return false
	}

	e, err := challenge(hash, p.R, X)
	if err != nil {
		return false
	}

	lhs := p.Z.ActOnBase()
	rhs := e.Act(X).Add(p.R)
	return lhs.Equal(rhs)
}
