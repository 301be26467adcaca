package frost_test

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
	"github.com/taurusgroup/tss-mesh/pkg/math/polynomial"
	"github.com/taurusgroup/tss-mesh/pkg/math/sample"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/protocols/frost"
)

var sessionContext = []byte("session-test")

func newDKGs(t *testing.T, n, threshold int) (map[party.Identifier]*frost.DKG, []party.Identifier) {
	ids := make([]party.Identifier, n)
	dkgs := make(map[party.Identifier]*frost.DKG, n)
	for i := range ids {
		ids[i] = party.Identifier(i + 1)
	}
	for _, id := range ids {
		d, err := frost.NewDKG(rand.Reader, id, ids, threshold, sessionContext)
		require.NoError(t, err)
		dkgs[id] = d
	}
	return dkgs, ids
}

func runRound1(t *testing.T, dkgs map[party.Identifier]*frost.DKG) map[party.Identifier]*frost.Round1Package {
	out := make(map[party.Identifier]*frost.Round1Package, len(dkgs))
	for id, d := range dkgs {
		pkg, err := d.Round1()
		require.NoError(t, err)
		out[id] = pkg
	}
	return out
}

func others[V any](all map[party.Identifier]V, self party.Identifier) map[party.Identifier]V {
	out := make(map[party.Identifier]V, len(all)-1)
	for id, v := range all {
		if id != self {
			out[id] = v
		}
	}
	return out
}

func runDKG(t *testing.T, n, threshold int) map[party.Identifier]*frost.KeyShare {
	dkgs, _ := newDKGs(t, n, threshold)
	round1 := runRound1(t, dkgs)

	// round2[from][to]
	round2 := make(map[party.Identifier]map[party.Identifier]*frost.Round2Package, n)
	for id, d := range dkgs {
		pkgs, err := d.Round2(others(round1, id))
		require.NoError(t, err)
		require.Len(t, pkgs, n-1)
		round2[id] = pkgs
	}

	shares := make(map[party.Identifier]*frost.KeyShare, n)
	for id, d := range dkgs {
		received := make(map[party.Identifier]*frost.Round2Package, n-1)
		for from, pkgs := range round2 {
			if from != id {
				received[from] = pkgs[id]
			}
		}
		share, err := d.Finalize(received)
		require.NoError(t, err)
		shares[id] = share
	}
	return shares
}

func TestDKG(t *testing.T) {
	const n, threshold = 5, 3
	shares := runDKG(t, n, threshold)

	var publicKey *curve.Point
	for _, share := range shares {
		require.NoError(t, share.Validate())
		if publicKey == nil {
			publicKey = share.PublicKey
		}
		assert.True(t, publicKey.Equal(share.PublicKey), "public keys differ")
		assert.Len(t, share.VerificationShares, n)
	}

	// any threshold subset reconstructs the same secret
	for _, subset := range [][]party.Identifier{{1, 2, 3}, {2, 4, 5}, {1, 3, 5}} {
		lambda := polynomial.Lagrange(subset)
		secret := curve.NewScalar()
		for _, id := range subset {
			secret.Add(lambda[id].Clone().Mul(shares[id].PrivateShare))
		}
		assert.True(t, secret.ActOnBase().Equal(publicKey), "subset %v", subset)
	}
}

func TestDKG_InvalidParameters(t *testing.T) {
	ids := []party.Identifier{1, 2, 3}
	_, err := frost.NewDKG(rand.Reader, 4, ids, 2, sessionContext)
	assert.ErrorIs(t, err, frost.ErrInvalidParameters)
	_, err = frost.NewDKG(rand.Reader, 1, ids, 0, sessionContext)
	assert.ErrorIs(t, err, frost.ErrInvalidParameters)
	_, err = frost.NewDKG(rand.Reader, 1, ids, 4, sessionContext)
	assert.ErrorIs(t, err, frost.ErrInvalidParameters)
	_, err = frost.NewDKG(rand.Reader, 1, []party.Identifier{1, 1, 2}, 2, sessionContext)
	assert.ErrorIs(t, err, frost.ErrInvalidParameters)
}

func TestDKG_OutOfOrder(t *testing.T) {
	dkgs, _ := newDKGs(t, 3, 2)
	_, err := dkgs[1].Round2(nil)
	assert.ErrorIs(t, err, frost.ErrWrongState)
	_, err = dkgs[1].Finalize(nil)
	assert.ErrorIs(t, err, frost.ErrWrongState)
}

func TestDKG_Round1Idempotent(t *testing.T) {
	dkgs, _ := newDKGs(t, 2, 2)
	first, err := dkgs[1].Round1()
	require.NoError(t, err)
	second, err := dkgs[1].Round1()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestDKG_Culprits(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		dkgs, _ := newDKGs(t, 3, 2)
		round1 := runRound1(t, dkgs)
		received := others(round1, 1)
		delete(received, 3)
		_, err := dkgs[1].Round2(received)
		var culprit *frost.Error
		require.True(t, errors.As(err, &culprit))
		assert.Equal(t, party.Identifier(3), culprit.Culprit)
		assert.ErrorIs(t, err, frost.ErrMissingPackage)
	})

	t.Run("wrong sessionContext", func(t *testing.T) {
		dkgs, ids := newDKGs(t, 3, 2)
		forged, err := frost.NewDKG(rand.Reader, 2, ids, 2, []byte("other-session"))
		require.NoError(t, err)
		dkgs[2] = forged
		round1 := runRound1(t, dkgs)
		_, err = dkgs[1].Round2(others(round1, 1))
		var culprit *frost.Error
		require.True(t, errors.As(err, &culprit))
		assert.Equal(t, party.Identifier(2), culprit.Culprit)
		assert.ErrorIs(t, err, frost.ErrInvalidProof)
	})

	t.Run("forged share", func(t *testing.T) {
		dkgs, _ := newDKGs(t, 3, 2)
		round1 := runRound1(t, dkgs)
		round2 := make(map[party.Identifier]map[party.Identifier]*frost.Round2Package)
		for id, d := range dkgs {
			pkgs, err := d.Round2(others(round1, id))
			require.NoError(t, err)
			round2[id] = pkgs
		}
		received := map[party.Identifier]*frost.Round2Package{
			2: round2[2][1],
			3: {Share: sample.Scalar(rand.Reader)},
		}
		_, err := dkgs[1].Finalize(received)
		var culprit *frost.Error
		require.True(t, errors.As(err, &culprit))
		assert.Equal(t, party.Identifier(3), culprit.Culprit)
		assert.ErrorIs(t, err, frost.ErrInvalidShare)
	})
}

func sign(t *testing.T, shares map[party.Identifier]*frost.KeyShare, signers []party.Identifier, message []byte) (map[party.Identifier]*frost.Commitment, map[party.Identifier]*frost.SignatureShare) {
	instances := make(map[party.Identifier]*frost.Signer, len(signers))
	commitments := make(map[party.Identifier]*frost.Commitment, len(signers))
	for _, id := range signers {
		instances[id] = frost.NewSigner(rand.Reader, shares[id])
		c, err := instances[id].Commit()
		require.NoError(t, err)
		commitments[id] = c
	}
	sigShares := make(map[party.Identifier]*frost.SignatureShare, len(signers))
	for _, id := range signers {
		z, err := instances[id].Sign(message, commitments)
		require.NoError(t, err)
		sigShares[id] = z
	}
	return commitments, sigShares
}

func TestSign(t *testing.T) {
	shares := runDKG(t, 5, 3)
	message := []byte("hello")

	for _, signers := range [][]party.Identifier{{1, 2, 3}, {2, 4, 5}, {1, 2, 3, 4, 5}} {
		commitments, sigShares := sign(t, shares, signers, message)
		for _, id := range signers {
			sig, err := frost.Aggregate(shares[id], message, commitments, sigShares)
			require.NoError(t, err)
			assert.True(t, sig.Verify(shares[id].PublicKey, message))
			assert.False(t, sig.Verify(shares[id].PublicKey, []byte("other")))
		}
	}
}

func TestSign_NotEnoughSigners(t *testing.T) {
	shares := runDKG(t, 3, 2)
	signer := frost.NewSigner(rand.Reader, shares[1])
	c, err := signer.Commit()
	require.NoError(t, err)
	_, err = signer.Sign([]byte("m"), map[party.Identifier]*frost.Commitment{1: c})
	assert.ErrorIs(t, err, frost.ErrInvalidParameters)
}

func TestSign_SingleUse(t *testing.T) {
	shares := runDKG(t, 2, 2)
	message := []byte("m")
	s1, s2 := frost.NewSigner(rand.Reader, shares[1]), frost.NewSigner(rand.Reader, shares[2])
	c1, err := s1.Commit()
	require.NoError(t, err)
	c2, err := s2.Commit()
	require.NoError(t, err)
	commitments := map[party.Identifier]*frost.Commitment{1: c1, 2: c2}

	_, err = s1.Sign(message, commitments)
	require.NoError(t, err)
	_, err = s1.Sign(message, commitments)
	assert.ErrorIs(t, err, frost.ErrNonceReuse)
	_, err = s1.Commit()
	assert.ErrorIs(t, err, frost.ErrNonceReuse)
}

func TestAggregate_Culprit(t *testing.T) {
	shares := runDKG(t, 3, 2)
	message := []byte("m")
	signers := []party.Identifier{1, 3}
	commitments, sigShares := sign(t, shares, signers, message)
	sigShares[3] = &frost.SignatureShare{Z: sample.Scalar(rand.Reader)}

	_, err := frost.Aggregate(shares[1], message, commitments, sigShares)
	var culprit *frost.Error
	require.True(t, errors.As(err, &culprit))
	assert.Equal(t, party.Identifier(3), culprit.Culprit)
	assert.ErrorIs(t, err, frost.ErrInvalidShare)
}

func TestSignature_Binary(t *testing.T) {
	shares := runDKG(t, 2, 1)
	message := []byte("m")
	commitments, sigShares := sign(t, shares, []party.Identifier{2}, message)
	sig, err := frost.Aggregate(shares[2], message, commitments, sigShares)
	require.NoError(t, err)

	data, err := sig.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, frost.SignatureBytes)

	var decoded frost.Signature
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.True(t, decoded.Verify(shares[1].PublicKey, message))
}
