package frost

import (
	"fmt"
	"io"
	"sort"

	"github.com/taurusgroup/tss-mesh/pkg/hash"
	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
	"github.com/taurusgroup/tss-mesh/pkg/math/polynomial"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	zksch "github.com/taurusgroup/tss-mesh/pkg/zk/sch"
	"golang.org/x/sync/errgroup"
)

// Round1Package is broadcast by every participant at the start of key generation.
type Round1Package struct {
	// Commitment is Φᵢ = ⟨ϕᵢ₀, …, ϕᵢₜ⟩, the commitment to the participant's polynomial.
	Commitment *polynomial.Exponent
	// Proof is σᵢ, the Schnorr proof of knowledge of aᵢ₀.
	Proof *zksch.Proof
}

// Round2Package is sent privately from participant i to participant l.
type Round2Package struct {
	// Share is fᵢ(l).
	Share *curve.Scalar
}

// DKG runs the key generation of a single participant.
//
// This corresponds to Figure 1 of the Frost paper:
//
//	https://eprint.iacr.org/2020/852.pdf
//
// The methods must be called in order: Round1, Round2, Finalize.
// A DKG is not safe for concurrent use.
type DKG struct {
	rand      io.Reader
	self      party.Identifier
	ids       []party.Identifier
	threshold int
	context   []byte

	// f is the polynomial this participant uses to share their contribution to the secret.
	f      *polynomial.Polynomial
	round1 *Round1Package
	// phi contains the polynomial commitment for each participant, ourselves included.
	phi    map[party.Identifier]*polynomial.Exponent
	round2 map[party.Identifier]*Round2Package
}

// NewDKG prepares key generation for self among ids.
//
// threshold is the number of participants that will be needed to sign,
// so the shared polynomial has degree threshold - 1.
//
// context binds the proofs of knowledge to one session, and must be identical for all participants.
func NewDKG(rand io.Reader, self party.Identifier, ids []party.Identifier, threshold int, context []byte) (*DKG, error) {
	sorted := append([]party.Identifier(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	found := false
	for i, id := range sorted {
		if id == 0 || (i > 0 && sorted[i-1] == id) {
			return nil, fmt.Errorf("%w: invalid identifier set", ErrInvalidParameters)
		}
		if id == self {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %d is not a participant", ErrInvalidParameters, self)
	}
	if threshold < 1 || threshold > len(sorted) {
		return nil, fmt.Errorf("%w: threshold %d with %d participants", ErrInvalidParameters, threshold, len(sorted))
	}
	return &DKG{
		rand:      rand,
		self:      self,
		ids:       sorted,
		threshold: threshold,
		context:   append([]byte{}, context...),
	}, nil
}

// hashForID returns a hash with the session context and the identifier of the prover.
func (d *DKG) hashForID(id party.Identifier) *hash.Hash {
	h := hash.New()
	_ = h.WriteAny(hash.Bytes("Context", d.context), id)
	return h
}

// Others returns the identifiers of every participant except self.
func (d *DKG) Others() []party.Identifier {
	others := make([]party.Identifier, 0, len(d.ids)-1)
	for _, id := range d.ids {
		if id != d.self {
			others = append(others, id)
		}
	}
	return others
}

// Round1 generates the package this participant broadcasts.
// Calling it again returns the same package.
func (d *DKG) Round1() (*Round1Package, error) {
	if d.round1 != nil {
		return d.round1, nil
	}

	// 1. "Every participant Pᵢ samples t + 1 random values (aᵢ₀, ..., aᵢₜ)) <-$ Z/(q)
	// and uses these values as coefficients to define a degree t polynomial"
	d.f = polynomial.NewPolynomial(d.rand, d.threshold-1, nil)

	// 3. "Every participant Pᵢ computes a public comment Φᵢ = <ϕᵢ₀, ..., ϕᵢₜ>
	// where ϕᵢⱼ = aᵢⱼ * G."
	Phi := d.f.Exponent()

	// 2. "Every Pᵢ computes a proof of knowledge to the corresponding secret aᵢ₀"
	// bound to the context and to our own identifier.
	proof, err := zksch.Prove(d.rand, d.hashForID(d.self), Phi.Constant(), d.f.Constant())
	if err != nil {
		return nil, err
	}

	d.round1 = &Round1Package{Commitment: Phi, Proof: proof}
	d.phi = map[party.Identifier]*polynomial.Exponent{d.self: Phi}
	return d.round1, nil
}

// Round2 verifies the Round1Package of every other participant,
// and returns the secret share to send privately to each of them.
func (d *DKG) Round2(packages map[party.Identifier]*Round1Package) (map[party.Identifier]*Round2Package, error) {
	if d.round1 == nil || d.round2 != nil {
		return nil, ErrWrongState
	}
	others := d.Others()
	if err := d.checkSenders(len(packages), func(id party.Identifier) bool { return packages[id] != nil }); err != nil {
		return nil, err
	}

	// 5. "Upon receiving ϕₗ, σₗ from participants 1 ⩽ l ⩽ n, participant
	// Pᵢ verifies σₗ = (Rₗ, μₗ), aborting on failure"
	failures := make([]error, len(others))
	var g errgroup.Group
	for i, l := range others {
		i, l := i, l
		g.Go(func() error {
			failures[i] = d.verifyRound1(l, packages[l])
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range failures {
		if err != nil {
			return nil, err
		}
	}

	// 1. "Each P_i securely sends to each other participant Pₗ a secret share
	// (l, fᵢ(l))"
	out := make(map[party.Identifier]*Round2Package, len(others))
	for _, l := range others {
		d.phi[l] = packages[l].Commitment
		out[l] = &Round2Package{Share: d.f.Evaluate(l.Scalar())}
	}
	d.round2 = out
	return out, nil
}

func (d *DKG) verifyRound1(l party.Identifier, pkg *Round1Package) error {
	if pkg.Commitment == nil || pkg.Commitment.Degree() != d.threshold-1 {
		return culprit(l, ErrInvalidCommitment)
	}
	if !pkg.Proof.Verify(d.hashForID(l), pkg.Commitment.Constant()) {
		return culprit(l, ErrInvalidProof)
	}
	return nil
}

// Finalize verifies the shares sent by every other participant, and computes this participant's KeyShare.
func (d *DKG) Finalize(packages map[party.Identifier]*Round2Package) (*KeyShare, error) {
	if d.round2 == nil || d.f == nil {
		return nil, ErrWrongState
	}
	if err := d.checkSenders(len(packages), func(id party.Identifier) bool {
		return packages[id] != nil && packages[id].Share != nil
	}); err != nil {
		return nil, err
	}

	// 2. "Each Pᵢ verifies their shares by calculating
	//
	//   fₗ(i) * G =? ∑ₖ₌₀ᵗ (iᵏ mod q) * ϕₗₖ
	//
	// aborting if the check fails."
	selfScalar := d.self.Scalar()
	for _, l := range d.Others() {
		expected := d.phi[l].Evaluate(selfScalar)
		if !packages[l].Share.ActOnBase().Equal(expected) {
			return nil, culprit(l, ErrInvalidShare)
		}
	}

	// 3. "Each P_i calculates their long-lived private signing share by computing
	// sᵢ = ∑ₗ₌₁ⁿ fₗ(i), stores s_i securely, and deletes each fₗ(i)"
	s := d.f.Evaluate(selfScalar)
	for _, l := range d.Others() {
		s.Add(packages[l].Share)
	}

	// 4. "Each Pᵢ calculates their public verification share Yᵢ = sᵢ • G,
	// and the public verification share Y = ∑ⱼ₌₁ⁿ ϕⱼ₀"
	//
	// The verification shares of the others are obtained from the summed commitments.
	exponents := make([]*polynomial.Exponent, 0, len(d.ids))
	for _, l := range d.ids {
		exponents = append(exponents, d.phi[l])
	}
	summed, err := polynomial.Sum(exponents)
	if err != nil {
		return nil, err
	}
	shares := make(map[party.Identifier]*curve.Point, len(d.ids))
	for _, l := range d.ids {
		shares[l] = summed.Evaluate(l.Scalar())
	}

	d.f = nil
	keyShare := &KeyShare{
		ID:                 d.self,
		Threshold:          d.threshold,
		PrivateShare:       s,
		PublicKey:          summed.Constant(),
		VerificationShares: shares,
	}
	if err = keyShare.Validate(); err != nil {
		return nil, err
	}
	return keyShare, nil
}

// checkSenders ensures there is exactly one valid package per other participant.
func (d *DKG) checkSenders(count int, present func(party.Identifier) bool) error {
	for _, l := range d.Others() {
		if !present(l) {
			return culprit(l, ErrMissingPackage)
		}
	}
	if count != len(d.ids)-1 {
		return ErrUnexpectedPackage
	}
	return nil
}
