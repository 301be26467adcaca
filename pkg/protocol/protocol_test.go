package protocol_test

import (
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
	"github.com/taurusgroup/tss-mesh/pkg/session"
	"github.com/taurusgroup/tss-mesh/protocols/frost"
)

func transmit(t *testing.T, msg *protocol.Message) protocol.Content {
	data, err := msg.MarshalBinary()
	require.NoError(t, err)
	var received protocol.Message
	require.NoError(t, received.UnmarshalBinary(data))
	assert.Equal(t, msg.SessionID, received.SessionID)
	assert.Equal(t, msg.From, received.From)
	assert.Equal(t, msg.To, received.To)
	assert.Equal(t, msg.Kind, received.Kind)
	content, err := received.Content()
	require.NoError(t, err)
	return content
}

func TestMessage_Round1Package(t *testing.T) {
	d, err := frost.NewDKG(rand.Reader, 1, []party.Identifier{1, 2, 3}, 2, []byte("ctx"))
	require.NoError(t, err)
	pkg, err := d.Round1()
	require.NoError(t, err)

	msg, err := protocol.NewMessage("s", "", "a", "", &protocol.Round1Package{Sender: 1, Package: pkg})
	require.NoError(t, err)
	assert.True(t, msg.Broadcast())
	assert.True(t, msg.IsFor("b"))
	assert.False(t, msg.IsFor("a"))

	content := transmit(t, msg)
	r1, ok := content.(*protocol.Round1Package)
	require.True(t, ok)
	assert.Equal(t, party.Identifier(1), r1.Sender)
	assert.True(t, pkg.Commitment.Equal(r1.Package.Commitment))
	assert.True(t, pkg.Proof.R.Equal(r1.Package.Proof.R))
	assert.True(t, pkg.Proof.Z.Equal(r1.Package.Proof.Z))
}

func TestMessage_SessionFinalized(t *testing.T) {
	descriptor := &session.Descriptor{
		SessionID:    "s",
		Threshold:    2,
		Total:        3,
		Participants: party.IDSlice{"a", "b", "c"},
		Purpose:      session.Signing([]byte{2, 3}),
		Initiator:    "a",
	}
	msg, err := protocol.NewMessage("s", "", "a", "b", &protocol.SessionFinalized{
		Descriptor: descriptor,
		Members:    party.IDSlice{"a", "b"},
	})
	require.NoError(t, err)
	assert.False(t, msg.IsFor("c"))

	content := transmit(t, msg)
	finalized, ok := content.(*protocol.SessionFinalized)
	require.True(t, ok)
	assert.True(t, descriptor.Equal(finalized.Descriptor))
	assert.Equal(t, party.IDSlice{"a", "b"}, finalized.Members)
}

func TestMessage_Invalid(t *testing.T) {
	var m protocol.Message
	assert.Error(t, m.UnmarshalBinary([]byte{0xff}))

	msg, err := protocol.NewMessage("s", "r", "a", "b", &protocol.SigningCommitment{Sender: 1})
	require.NoError(t, err)
	_, err = msg.Content()
	assert.ErrorIs(t, err, protocol.ErrNilFields)

	msg.Kind = 200
	assert.ErrorIs(t, msg.Validate(), protocol.ErrUnknownKind)

	msg.Kind = protocol.KindSigningRequest
	msg.SessionID = ""
	assert.ErrorIs(t, msg.Validate(), protocol.ErrMessageEmptySession)
}

func TestQueue(t *testing.T) {
	var q protocol.Queue
	r1 := &protocol.Round1Package{Sender: 2}
	r2 := &protocol.Round2Package{Sender: 2, Recipient: 1}

	require.NoError(t, q.Store("b", r2))
	require.NoError(t, q.Store("b", r1))
	require.NoError(t, q.Store("c", &protocol.Round1Package{Sender: 3}))
	assert.ErrorIs(t, q.Store("b", r1), protocol.ErrDuplicate)
	assert.Equal(t, 3, q.Len())

	round1 := q.Get(protocol.KindRound1Package)
	require.Len(t, round1, 2)
	assert.Equal(t, party.ID("b"), round1[0].From)
	assert.Equal(t, party.ID("c"), round1[1].From)
	assert.Equal(t, 1, q.Len())

	q.Reset()
	assert.Empty(t, q.Get(protocol.KindRound2Package))
}

func TestError(t *testing.T) {
	base := &frost.Error{Culprit: 2, Err: frost.ErrInvalidShare}
	err := fmt.Errorf("wrapped: %w", protocol.NewError(protocol.ErrorProtocol, protocol.PhaseRound2, "b", base))

	assert.Equal(t, protocol.ErrorProtocol, protocol.KindOf(err))
	assert.Equal(t, party.ID("b"), protocol.CulpritOf(err))
	assert.ErrorIs(t, err, frost.ErrInvalidShare)
	assert.Contains(t, err.Error(), "party b")

	assert.Nil(t, protocol.NewError(protocol.ErrorTimeout, protocol.PhaseMesh, "", nil))
	assert.Equal(t, protocol.ErrorKind(0), protocol.KindOf(errors.New("plain")))
	assert.ErrorIs(t, protocol.ErrDeclined, session.ErrDeclined)
}
