package sign_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/tss-mesh/internal/test"
	"github.com/taurusgroup/tss-mesh/pkg/math/sample"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
	"github.com/taurusgroup/tss-mesh/pkg/sign"
	"github.com/taurusgroup/tss-mesh/protocols/frost"
)

var message = []byte("hello")

type fixture struct {
	ids          party.IDSlice
	network      *test.Network
	shares       map[party.ID]*frost.KeyShare
	coordinators map[party.ID]*sign.Coordinator
	handlers     map[party.ID]test.Handler
	buffered     map[party.ID]int
}

func setup(t *testing.T, n, threshold int) *fixture {
	ids := test.PartyIDs(n)
	shares, identifiers := test.GenerateKeyShares(rand.Reader, ids, threshold)
	f := &fixture{
		ids:          ids,
		network:      test.NewNetwork(),
		shares:       shares,
		coordinators: make(map[party.ID]*sign.Coordinator, n),
		handlers:     make(map[party.ID]test.Handler, n),
		buffered:     make(map[party.ID]int, n),
	}
	req := sign.Request{ID: sign.NewRequestID(), Message: message, RequiredSigners: threshold, Initiator: ids[0]}
	for _, id := range ids {
		id := id
		c, err := sign.New(sign.Config{
			Rand:        rand.Reader,
			Self:        id,
			Share:       shares[id],
			Identifiers: identifiers,
			Members:     ids,
			Request:     req,
			Outbox:      f.network.Outbox(id, "sign-test", req.ID),
			OnBuffered:  func(protocol.Phase) { f.buffered[id]++ },
		})
		require.NoError(t, err)
		f.coordinators[id] = c
		f.handlers[id] = c.Handle
	}
	return f
}

// start makes the initiator send its request, which the tests answer by calling Accept or Decline.
func (f *fixture) start(t *testing.T) {
	require.NoError(t, f.coordinators[f.ids[0]].Start())
	requests := f.network.Take(test.Kind(protocol.KindSigningRequest))
	require.Len(t, requests, len(f.ids)-1)
}

func (f *fixture) deliver(t *testing.T, msgs []*protocol.Message) {
	for _, msg := range msgs {
		content, err := msg.Content()
		require.NoError(t, err)
		require.NoError(t, f.handlers[msg.To](msg.From, content), "%s", msg)
	}
}

func checkSigned(t *testing.T, f *fixture, signers ...party.ID) {
	for _, id := range signers {
		c := f.coordinators[id]
		require.Equal(t, sign.Complete, c.State(), "party %s: %v", id, c.Err())
		assert.Equal(t, sign.Signed, c.Outcome())
		assert.True(t, c.Signature().Verify(f.shares[id].PublicKey, message))
		assert.Zero(t, c.Buffered())
		assert.NoError(t, c.Warnings())
	}
}

func TestCoordinator_EndToEnd(t *testing.T) {
	f := setup(t, 3, 2)
	a, b, c := f.ids[0], f.ids[1], f.ids[2]
	f.start(t)
	assert.Equal(t, sign.AwaitingAcceptances, f.coordinators[a].State())
	assert.Equal(t, sign.Idle, f.coordinators[b].State())

	require.NoError(t, f.coordinators[b].Accept())
	require.NoError(t, f.coordinators[c].Accept())

	// record which participants send signing packages
	sent := map[party.ID]bool{}
	handlers := make(map[party.ID]test.Handler, len(f.handlers))
	for id, h := range f.handlers {
		h := h
		handlers[id] = func(from party.ID, content protocol.Content) error {
			switch content.(type) {
			case *protocol.SigningCommitment, *protocol.SignatureShare:
				sent[from] = true
			}
			return h(from, content)
		}
	}
	assert.Empty(t, f.network.Deliver(handlers))

	assert.Equal(t, party.IDSlice{a, b}, f.coordinators[a].Signers())
	checkSigned(t, f, a, b)
	assert.True(t, f.coordinators[a].Signature().R.Equal(f.coordinators[b].Signature().R))

	assert.Equal(t, sign.NotSelected, f.coordinators[c].Outcome())
	assert.Equal(t, sign.Idle, f.coordinators[c].State())
	assert.Nil(t, f.coordinators[c].Signature())
	assert.False(t, sent[c], "non-selected participants never commit")
}

// With 3-of-5 signing, the selection is fixed once the third acceptance arrives.
func TestCoordinator_SelectionStability(t *testing.T) {
	f := setup(t, 5, 3)
	a, b, c, d, e := f.ids[0], f.ids[1], f.ids[2], f.ids[3], f.ids[4]
	initiator := f.coordinators[a]
	f.start(t)

	require.NoError(t, f.coordinators[c].Accept())
	require.NoError(t, f.coordinators[b].Accept())
	f.deliver(t, f.network.Take(test.Kind(protocol.KindSigningAcceptance)))
	require.Equal(t, sign.CommitmentPhase, initiator.State())
	selection := initiator.Signers().Copy()
	assert.Equal(t, party.IDSlice{a, b, c}, selection)
	assert.Equal(t, []party.ID{a, c, b}, initiator.Accepted(), "receipt order")

	require.NoError(t, f.coordinators[e].Accept())
	require.NoError(t, f.coordinators[d].Accept())
	assert.Empty(t, f.network.Deliver(f.handlers))

	assert.Equal(t, selection, initiator.Signers(), "late acceptances do not change the selection")
	checkSigned(t, f, a, b, c)
	for _, id := range []party.ID{d, e} {
		assert.Equal(t, sign.NotSelected, f.coordinators[id].Outcome())
		assert.Equal(t, selection, f.coordinators[id].Signers())
	}
}

func TestCoordinator_SelectionBeforeAccept(t *testing.T) {
	f := setup(t, 3, 2)
	a, b, c := f.ids[0], f.ids[1], f.ids[2]
	f.start(t)
	require.NoError(t, f.coordinators[b].Accept())
	assert.Empty(t, f.network.Deliver(f.handlers))
	checkSigned(t, f, a, b)

	// c still has to answer, the selection waits for it
	assert.Equal(t, sign.Idle, f.coordinators[c].State())
	assert.Equal(t, 1, f.coordinators[c].Buffered())
	assert.Equal(t, 1, f.buffered[c])

	require.NoError(t, f.coordinators[c].Accept())
	assert.Equal(t, sign.NotSelected, f.coordinators[c].Outcome())
	assert.Zero(t, f.coordinators[c].Buffered())
	assert.Empty(t, f.network.Deliver(f.handlers), "late acceptance is ignored")
}

func TestCoordinator_BufferedCommitment(t *testing.T) {
	f := setup(t, 3, 2)
	a, b := f.ids[0], f.ids[1]
	f.start(t)
	require.NoError(t, f.coordinators[b].Accept())
	f.deliver(t, f.network.Take(test.Kind(protocol.KindSigningAcceptance)))
	require.Equal(t, sign.CommitmentPhase, f.coordinators[a].State())

	// a's commitment overtakes the selection
	f.deliver(t, f.network.Take(func(m *protocol.Message) bool {
		return m.To == b && m.Kind == protocol.KindSigningCommitment
	}))
	assert.Equal(t, sign.AwaitingAcceptances, f.coordinators[b].State())
	assert.Equal(t, 1, f.coordinators[b].Buffered())
	assert.Equal(t, 1, f.buffered[b])

	assert.Empty(t, f.network.Deliver(f.handlers))
	checkSigned(t, f, a, b)
}

func TestCoordinator_Duplicates(t *testing.T) {
	f := setup(t, 3, 2)
	a, b := f.ids[0], f.ids[1]
	f.start(t)
	require.NoError(t, f.coordinators[b].Accept())
	require.NoError(t, f.coordinators[b].Accept(), "answering twice is a no-op")

	acceptances := f.network.Take(test.Kind(protocol.KindSigningAcceptance))
	require.Len(t, acceptances, 1)
	f.deliver(t, acceptances)
	content, err := acceptances[0].Content()
	require.NoError(t, err)
	assert.ErrorIs(t, f.coordinators[a].Handle(b, content), protocol.ErrDuplicate)
	assert.Equal(t, []party.ID{a, b}, f.coordinators[a].Accepted())

	assert.Empty(t, f.network.Deliver(f.handlers))
	checkSigned(t, f, a, b)
}

func TestCoordinator_InsufficientAcceptances(t *testing.T) {
	f := setup(t, 5, 3)
	a := f.coordinators[f.ids[0]]
	f.start(t)

	require.NoError(t, f.coordinators[f.ids[1]].Decline())
	require.NoError(t, f.coordinators[f.ids[2]].Decline())
	f.deliver(t, f.network.Take(nil))
	assert.Equal(t, sign.AwaitingAcceptances, a.State(), "two members may still accept")

	require.NoError(t, f.coordinators[f.ids[3]].Decline())
	msgs := f.network.Take(nil)
	require.Len(t, msgs, 1)
	content, err := msgs[0].Content()
	require.NoError(t, err)
	err = a.Handle(msgs[0].From, content)
	require.Error(t, err)

	assert.Equal(t, sign.Failed, a.State())
	assert.Equal(t, sign.Aborted, a.Outcome())
	assert.Equal(t, protocol.ErrorNegotiation, protocol.KindOf(a.Err()))
	assert.ErrorIs(t, a.Err(), protocol.ErrInsufficientAcceptances)
	assert.Equal(t, sign.Declined, f.coordinators[f.ids[1]].Outcome())
}

func TestCoordinator_MalformedAcceptance(t *testing.T) {
	f := setup(t, 4, 2)
	a, b, c := f.ids[0], f.ids[1], f.ids[2]
	f.start(t)

	// a garbled answer from b counts as a decline
	assert.NoError(t, f.coordinators[a].Reject(b, protocol.ErrNilFields))
	assert.ErrorIs(t, f.coordinators[a].Warnings(), protocol.ErrNilFields)
	assert.Equal(t, sign.AwaitingAcceptances, f.coordinators[a].State())

	require.NoError(t, f.coordinators[c].Accept())
	assert.Empty(t, f.network.Deliver(f.handlers))
	assert.Equal(t, party.IDSlice{a, c}, f.coordinators[a].Signers())
	assert.Equal(t, sign.Complete, f.coordinators[a].State())
}

func TestCoordinator_ForgedShare(t *testing.T) {
	f := setup(t, 3, 2)
	a, b := f.ids[0], f.ids[1]
	f.start(t)
	require.NoError(t, f.coordinators[b].Accept())

	// b's share to a is replaced by a random scalar
	handlers := map[party.ID]test.Handler{
		a: func(from party.ID, content protocol.Content) error {
			if share, ok := content.(*protocol.SignatureShare); ok {
				share.Share = &frost.SignatureShare{Z: sample.Scalar(rand.Reader)}
			}
			return f.handlers[a](from, content)
		},
		b: f.handlers[b],
		f.ids[2]: f.handlers[f.ids[2]],
	}
	errs := f.network.Deliver(handlers)
	require.Len(t, errs, 1)

	initiator := f.coordinators[a]
	require.Equal(t, sign.Failed, initiator.State())
	assert.Equal(t, protocol.ErrorProtocol, protocol.KindOf(initiator.Err()))
	assert.Equal(t, b, protocol.CulpritOf(initiator.Err()))
	assert.ErrorIs(t, initiator.Err(), frost.ErrInvalidShare)
	assert.Equal(t, protocol.PhaseShare, initiator.Err().(*protocol.Error).Phase)

	checkSigned(t, f, b)
}

func TestCoordinator_SignerRejected(t *testing.T) {
	f := setup(t, 3, 2)
	a, b := f.ids[0], f.ids[1]
	f.start(t)
	require.NoError(t, f.coordinators[b].Accept())
	f.deliver(t, f.network.Take(test.Kind(protocol.KindSigningAcceptance)))

	err := f.coordinators[a].Reject(b, protocol.ErrNilFields)
	assert.Equal(t, b, protocol.CulpritOf(err))
	assert.Equal(t, sign.Failed, f.coordinators[a].State())
}

func TestCoordinator_NotSelectedSender(t *testing.T) {
	f := setup(t, 3, 2)
	a, b, c := f.ids[0], f.ids[1], f.ids[2]
	f.start(t)
	require.NoError(t, f.coordinators[b].Accept())
	f.deliver(t, f.network.Take(test.Kind(protocol.KindSigningAcceptance)))

	err := f.coordinators[a].Handle(c, &protocol.SigningCommitment{
		Sender:     3,
		Commitment: &frost.Commitment{D: sample.Scalar(rand.Reader).ActOnBase(), E: sample.Scalar(rand.Reader).ActOnBase()},
	})
	assert.ErrorIs(t, err, sign.ErrNotSelected)
	assert.Equal(t, sign.CommitmentPhase, f.coordinators[a].State(), "packages outside the selection are not fatal")
	assert.Error(t, f.coordinators[a].Warnings())
}

func TestCoordinator_Rejections(t *testing.T) {
	f := setup(t, 3, 2)
	a, b := f.ids[0], f.ids[1]

	assert.Error(t, f.coordinators[b].Start(), "only the initiator starts")
	assert.ErrorIs(t, f.coordinators[a].Handle("z", &protocol.SigningAcceptance{Accepted: true}), protocol.ErrUnknownSender)
	assert.ErrorIs(t, f.coordinators[a].Handle(b, &protocol.Round1Package{}), protocol.ErrUnexpectedContent)
	assert.ErrorIs(t, f.coordinators[b].Handle(a, &protocol.SigningRequest{}), protocol.ErrDuplicate)
}

func TestNew_Invalid(t *testing.T) {
	ids := test.PartyIDs(3)
	shares, identifiers := test.GenerateKeyShares(rand.Reader, ids, 2)
	valid := sign.Config{
		Rand:        rand.Reader,
		Self:        ids[0],
		Share:       shares[ids[0]],
		Identifiers: identifiers,
		Members:     ids,
		Request:     sign.Request{ID: "r", Message: message, RequiredSigners: 2, Initiator: ids[0]},
		Outbox:      test.NewNetwork().Outbox(ids[0], "s", "r"),
	}
	_, err := sign.New(valid)
	require.NoError(t, err)

	cfg := valid
	cfg.Request.RequiredSigners = 3
	_, err = sign.New(cfg)
	assert.Error(t, err)

	cfg = valid
	cfg.Share = shares[ids[1]]
	_, err = sign.New(cfg)
	assert.Error(t, err, "share of another holder")

	cfg = valid
	cfg.Members = party.IDSlice{ids[0]}
	_, err = sign.New(cfg)
	assert.ErrorIs(t, err, protocol.ErrInsufficientAcceptances)

	cfg = valid
	cfg.Members = party.IDSlice{ids[0], ids[1], "zz"}
	_, err = sign.New(cfg)
	assert.ErrorIs(t, err, protocol.ErrUnknownSender)
}

func TestCoordinator_SingleSigner(t *testing.T) {
	f := setup(t, 2, 1)
	a := f.coordinators[f.ids[0]]
	require.NoError(t, a.Start())
	checkSigned(t, f, f.ids[0])
	assert.Equal(t, party.IDSlice{f.ids[0]}, a.Signers())
}
