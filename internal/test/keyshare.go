package test

import (
	"io"

	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
	"github.com/taurusgroup/tss-mesh/pkg/math/polynomial"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/protocols/frost"
)

// GenerateKeyShares creates the key shares of a trusted dealer for the given participants,
// as they would have been obtained by key generation.
func GenerateKeyShares(source io.Reader, participants []party.ID, threshold int) (map[party.ID]*frost.KeyShare, *party.IdentifierMap) {
	ids, err := party.Assign(participants)
	if err != nil {
		panic(err)
	}
	f := polynomial.NewPolynomial(source, threshold-1, nil)
	publicKey := f.Constant().ActOnBase()

	privateShares := make(map[party.Identifier]*curve.Scalar, ids.Len())
	verificationShares := make(map[party.Identifier]*curve.Point, ids.Len())
	for _, i := range ids.Identifiers() {
		privateShares[i] = f.Evaluate(i.Scalar())
		verificationShares[i] = privateShares[i].ActOnBase()
	}

	shares := make(map[party.ID]*frost.KeyShare, ids.Len())
	for _, id := range ids.Participants() {
		i, _ := ids.Identifier(id)
		vs := make(map[party.Identifier]*curve.Point, len(verificationShares))
		for j, Y := range verificationShares {
			vs[j] = new(curve.Point).Set(Y)
		}
		shares[id] = &frost.KeyShare{
			ID:                 i,
			Threshold:          threshold,
			PrivateShare:       privateShares[i].Clone(),
			PublicKey:          new(curve.Point).Set(publicKey),
			VerificationShares: vs,
		}
	}
	return shares, ids
}
