package frost

import (
	"fmt"
	"sort"

	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
	"github.com/taurusgroup/tss-mesh/pkg/party"
)

// KeyShare contains all the information produced after key generation, from the perspective
// of a single participant.
type KeyShare struct {
	// ID is the identifier for this participant.
	ID party.Identifier
	// Threshold is the number of participants needed to produce a signature.
	Threshold int
	// PrivateShare is the fraction of the secret key owned by this participant.
	PrivateShare *curve.Scalar
	// PublicKey is the shared public key for this consortium of signers.
	//
	// This key can be used to verify signatures produced by the consortium.
	PublicKey *curve.Point
	// VerificationShares is a map between parties and a commitment to their private share.
	//
	// This will later be used to verify the integrity of the signing protocol.
	VerificationShares map[party.Identifier]*curve.Point
}

// Participants returns the identifiers of every holder of a share, in increasing order.
func (k *KeyShare) Participants() []party.Identifier {
	ids := make([]party.Identifier, 0, len(k.VerificationShares))
	for id := range k.VerificationShares {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PublicKeyBytes returns the compressed encoding of the group public key.
func (k *KeyShare) PublicKeyBytes() []byte {
	return k.PublicKey.Bytes()
}

// Validate checks that the share is internally consistent.
func (k *KeyShare) Validate() error {
	if k.PrivateShare == nil || k.PublicKey == nil || len(k.VerificationShares) == 0 {
		return fmt.Errorf("%w: incomplete key share", ErrInvalidParameters)
	}
	if k.Threshold < 1 || k.Threshold > len(k.VerificationShares) {
		return fmt.Errorf("%w: threshold %d with %d participants", ErrInvalidParameters, k.Threshold, len(k.VerificationShares))
	}
	if k.PublicKey.IsIdentity() {
		return fmt.Errorf("%w: public key is identity", ErrInvalidParameters)
	}
	Y, ok := k.VerificationShares[k.ID]
	if !ok || !k.PrivateShare.ActOnBase().Equal(Y) {
		return fmt.Errorf("%w: private share does not match verification share", ErrInvalidParameters)
	}
	return nil
}

// Clone creates a deep clone of this struct, and all the values contained inside.
func (k *KeyShare) Clone() *KeyShare {
	shares := make(map[party.Identifier]*curve.Point, len(k.VerificationShares))
	for id, Y := range k.VerificationShares {
		shares[id] = new(curve.Point).Set(Y)
	}
	return &KeyShare{
		ID:                 k.ID,
		Threshold:          k.Threshold,
		PrivateShare:       k.PrivateShare.Clone(),
		PublicKey:          new(curve.Point).Set(k.PublicKey),
		VerificationShares: shares,
	}
}
