package frost

import (
	"fmt"
	"io"
	"sort"

	"github.com/taurusgroup/tss-mesh/pkg/hash"
	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
	"github.com/taurusgroup/tss-mesh/pkg/math/polynomial"
	"github.com/taurusgroup/tss-mesh/pkg/math/sample"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"golang.org/x/sync/errgroup"
)

// Commitment is the pair of nonce commitments a signer broadcasts before signing.
type Commitment struct {
	// D = dᵢ • G
	D *curve.Point
	// E = eᵢ • G
	E *curve.Point
}

// SignatureShare is zᵢ, the response of a single signer.
type SignatureShare struct {
	Z *curve.Scalar
}

// Signer produces one signature share with a KeyShare.
//
// This roughly corresponds to Figures 2 and 3 of the Frost paper, without a signature authority:
// every signer receives the commitments and shares of the others directly.
// A Signer must be discarded after Sign, since its nonces may not be reused.
type Signer struct {
	rand  io.Reader
	share *KeyShare
	// d, e are the nonces committed to.
	d, e       *curve.Scalar
	commitment *Commitment
	used       bool
}

// NewSigner returns a Signer for a single message.
func NewSigner(rand io.Reader, share *KeyShare) *Signer {
	return &Signer{rand: rand, share: share}
}

// Commit samples the nonces and returns their commitment.
// Calling it again returns the same commitment.
func (s *Signer) Commit() (*Commitment, error) {
	if s.used {
		return nil, ErrNonceReuse
	}
	if s.commitment == nil {
		s.d = sample.ScalarNonZero(s.rand)
		s.e = sample.ScalarNonZero(s.rand)
		s.commitment = &Commitment{D: s.d.ActOnBase(), E: s.e.ActOnBase()}
	}
	return s.commitment, nil
}

// Sign computes this signer's response to message, given the commitments of every signer including ourselves.
func (s *Signer) Sign(message []byte, commitments map[party.Identifier]*Commitment) (*SignatureShare, error) {
	if s.used {
		return nil, ErrNonceReuse
	}
	if s.commitment == nil {
		return nil, ErrWrongState
	}
	own, ok := commitments[s.share.ID]
	if !ok || own == nil || !own.D.Equal(s.commitment.D) || !own.E.Equal(s.commitment.E) {
		return nil, fmt.Errorf("%w: own commitment missing or altered", ErrInvalidParameters)
	}
	signers, err := checkCommitments(s.share, commitments)
	if err != nil {
		return nil, err
	}

	b := newBinding(s.share, message, signers, commitments)

	// 5. "Each Pᵢ computes their response using their long-lived secret share sᵢ
	// by computing zᵢ = dᵢ + (eᵢ ρᵢ) + λᵢ sᵢ c, using S to determine
	// the ith lagrange coefficient λᵢ"
	z := b.lambda[s.share.ID].Clone().Mul(s.share.PrivateShare).Mul(b.c)
	z.Add(s.d)
	z.Add(b.rho[s.share.ID].Clone().Mul(s.e))

	// 6. "Each Pᵢ securely deletes ((dᵢ, Dᵢ), (eᵢ, Eᵢ)) from their local storage"
	s.d, s.e, s.used = nil, nil, true
	return &SignatureShare{Z: z}, nil
}

// Aggregate verifies every signature share and combines them into a Signature.
//
// commitments and shares must contain the same signers, ourselves included.
func Aggregate(share *KeyShare, message []byte, commitments map[party.Identifier]*Commitment, shares map[party.Identifier]*SignatureShare) (*Signature, error) {
	signers, err := checkCommitments(share, commitments)
	if err != nil {
		return nil, err
	}
	for _, l := range signers {
		if shares[l] == nil || shares[l].Z == nil {
			return nil, culprit(l, ErrMissingPackage)
		}
	}
	if len(shares) != len(signers) {
		return nil, ErrUnexpectedPackage
	}

	b := newBinding(share, message, signers, commitments)

	// 7.b "The SA verifies the validity of each response by checking
	//
	//    zᵢ • G = Rᵢ + c * λᵢ * Yᵢ
	//
	// for each signing share zᵢ, i in S. If the equality does not hold,
	// identify and report the misbehaving participant"
	failures := make([]error, len(signers))
	var g errgroup.Group
	for i, l := range signers {
		i, l := i, l
		g.Go(func() error {
			expected := b.c.Clone().Mul(b.lambda[l]).Act(share.VerificationShares[l]).Add(b.shares[l])
			if !shares[l].Z.ActOnBase().Equal(expected) {
				failures[i] = culprit(l, ErrInvalidShare)
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range failures {
		if err != nil {
			return nil, err
		}
	}

	// 7.c "Compute the group's response z = ∑ᵢ zᵢ"
	z := curve.NewScalar()
	for _, l := range signers {
		z.Add(shares[l].Z)
	}
	sig := &Signature{R: b.R, Z: z}
	if !sig.Verify(share.PublicKey, message) {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}

// checkCommitments returns the sorted signers, after checking they hold shares of the key and are numerous enough.
func checkCommitments(share *KeyShare, commitments map[party.Identifier]*Commitment) ([]party.Identifier, error) {
	signers := make([]party.Identifier, 0, len(commitments))
	for l, c := range commitments {
		if _, ok := share.VerificationShares[l]; !ok {
			return nil, culprit(l, ErrUnexpectedPackage)
		}
		// 3. "each Pᵢ first validates the message m, and then checks Dₗ, Eₗ in Gˣ
		// for each commitment in B, aborting if either check fails."
		if c == nil || c.D == nil || c.E == nil || c.D.IsIdentity() || c.E.IsIdentity() {
			return nil, culprit(l, ErrInvalidCommitment)
		}
		signers = append(signers, l)
	}
	if len(signers) < share.Threshold {
		return nil, fmt.Errorf("%w: %d signers for threshold %d", ErrInvalidParameters, len(signers), share.Threshold)
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i] < signers[j] })
	return signers, nil
}

// binding holds the values every signer derives from the message and the set of commitments.
type binding struct {
	rho    map[party.Identifier]*curve.Scalar
	lambda map[party.Identifier]*curve.Scalar
	// shares[l] = Rₗ = Dₗ + ρₗ • Eₗ
	shares map[party.Identifier]*curve.Point
	R      *curve.Point
	c      *curve.Scalar
}

// 4. "Each Pᵢ then computes the set of binding values ρₗ = H₁(l, m, B).
// Each Pᵢ then derives the group commitment R = ∑ₗ Dₗ + ρₗ * Eₗ and
// the challenge c = H₂(R, Y, m)."
//
// It's easier to calculate H(m, B, l), that way we can simply clone the hash
// state after H(m, B), instead of rehashing them each time.
func newBinding(share *KeyShare, message []byte, signers []party.Identifier, commitments map[party.Identifier]*Commitment) *binding {
	b := &binding{
		rho:    make(map[party.Identifier]*curve.Scalar, len(signers)),
		lambda: polynomial.Lagrange(signers),
		shares: make(map[party.Identifier]*curve.Point, len(signers)),
		R:      curve.NewIdentityPoint(),
	}

	rhoPreHash := hash.New()
	_ = rhoPreHash.WriteAny(hash.Bytes("message", message))
	for _, l := range signers {
		_ = rhoPreHash.WriteAny(l, commitments[l].D, commitments[l].E)
	}
	for _, l := range signers {
		rhoHash := rhoPreHash.Clone()
		_ = rhoHash.WriteAny(l)
		b.rho[l] = sample.Scalar(rhoHash.Digest())

		b.shares[l] = b.rho[l].Act(commitments[l].E).Add(commitments[l].D)
		b.R = b.R.Add(b.shares[l])
	}
	b.c = challenge(b.R, share.PublicKey, message)
	return b
}
