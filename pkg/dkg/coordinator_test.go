package dkg_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/tss-mesh/internal/test"
	"github.com/taurusgroup/tss-mesh/pkg/dkg"
	"github.com/taurusgroup/tss-mesh/pkg/math/sample"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
	"github.com/taurusgroup/tss-mesh/pkg/session"
	"github.com/taurusgroup/tss-mesh/protocols/frost"
)

func descriptor(n, threshold int) *session.Descriptor {
	ids := test.PartyIDs(n)
	return &session.Descriptor{
		SessionID:    "dkg-test",
		Threshold:    threshold,
		Total:        n,
		Participants: ids,
		Purpose:      session.KeyGeneration(),
		Initiator:    ids[0],
	}
}

func setup(t *testing.T, n, threshold int) (*test.Network, map[party.ID]*dkg.Coordinator, map[party.ID]test.Handler) {
	d := descriptor(n, threshold)
	network := test.NewNetwork()
	coordinators := make(map[party.ID]*dkg.Coordinator, n)
	handlers := make(map[party.ID]test.Handler, n)
	for _, id := range d.Participants {
		c, err := dkg.New(dkg.Config{
			Rand:       rand.Reader,
			Self:       id,
			Descriptor: d,
			Outbox:     network.Outbox(id, d.SessionID, ""),
		})
		require.NoError(t, err)
		coordinators[id] = c
		handlers[id] = c.Handle
	}
	return network, coordinators, handlers
}

func checkFinalized(t *testing.T, coordinators map[party.ID]*dkg.Coordinator) *frost.KeyShare {
	var first *frost.KeyShare
	for id, c := range coordinators {
		require.Equal(t, dkg.Finalized, c.State(), "party %s: %v", id, c.Err())
		share := c.Result()
		require.NoError(t, share.Validate())
		if first == nil {
			first = share
		}
		assert.True(t, first.PublicKey.Equal(share.PublicKey), "group public keys differ")
		assert.Zero(t, c.Buffered())
	}
	return first
}

func TestCoordinator_InOrder(t *testing.T) {
	network, coordinators, handlers := setup(t, 3, 2)
	for _, c := range coordinators {
		require.NoError(t, c.Start())
		assert.Equal(t, dkg.Round1Collecting, c.State())
	}
	assert.Empty(t, network.Deliver(handlers))
	checkFinalized(t, coordinators)
}

func TestCoordinator_NoSendBeforeStart(t *testing.T) {
	network, coordinators, _ := setup(t, 3, 2)
	for _, c := range coordinators {
		assert.Equal(t, dkg.NotStarted, c.State())
	}
	assert.Zero(t, network.Len(), "nothing may be sent before Start")
}

func TestCoordinator_BufferRound1BeforeStart(t *testing.T) {
	network, coordinators, handlers := setup(t, 3, 2)
	ids := test.PartyIDs(3)
	buffered := 0
	coordinators[ids[2]] = mustNew(t, network, ids[2], func(protocol.Phase) { buffered++ })
	handlers[ids[2]] = coordinators[ids[2]].Handle

	// a and b open their gate first, c is late
	require.NoError(t, coordinators[ids[0]].Start())
	require.NoError(t, coordinators[ids[1]].Start())

	for _, msg := range network.Take(func(m *protocol.Message) bool { return m.To == ids[2] }) {
		content, err := msg.Content()
		require.NoError(t, err)
		require.NoError(t, handlers[ids[2]](msg.From, content))
	}
	assert.Equal(t, dkg.NotStarted, coordinators[ids[2]].State())
	assert.Equal(t, 2, coordinators[ids[2]].Buffered())
	assert.Equal(t, 2, buffered)

	require.NoError(t, coordinators[ids[2]].Start())
	assert.Equal(t, dkg.Round2Collecting, coordinators[ids[2]].State(), "replayed packages complete round 1")

	assert.Empty(t, network.Deliver(handlers))
	checkFinalized(t, coordinators)
}

func mustNew(t *testing.T, network *test.Network, self party.ID, onBuffered func(protocol.Phase)) *dkg.Coordinator {
	d := descriptor(3, 2)
	c, err := dkg.New(dkg.Config{
		Rand:       rand.Reader,
		Self:       self,
		Descriptor: d,
		Outbox:     network.Outbox(self, d.SessionID, ""),
		OnBuffered: onBuffered,
	})
	require.NoError(t, err)
	return c
}

// A Round-2 package reaching a coordinator still in Round1Collecting is replayed
// once the missing Round-1 packages arrive.
func TestCoordinator_BufferRound2(t *testing.T) {
	network, coordinators, handlers := setup(t, 3, 2)
	ids := test.PartyIDs(3)
	a, b, c := ids[0], ids[1], ids[2]
	for _, coordinator := range coordinators {
		require.NoError(t, coordinator.Start())
	}

	round1 := network.Take(test.Kind(protocol.KindRound1Package))
	deliver := func(msgs []*protocol.Message, filter func(*protocol.Message) bool) {
		for _, msg := range msgs {
			if !filter(msg) {
				continue
			}
			content, err := msg.Content()
			require.NoError(t, err)
			require.NoError(t, handlers[msg.To](msg.From, content))
		}
	}

	// a and b complete round 1, c only hears from a
	deliver(round1, func(m *protocol.Message) bool { return m.To != c || m.From == a })
	require.Equal(t, dkg.Round2Collecting, coordinators[a].State())
	require.Equal(t, dkg.Round2Collecting, coordinators[b].State())
	require.Equal(t, dkg.Round1Collecting, coordinators[c].State())

	// round 2 packages of a and b reach c early
	deliver(network.Take(func(m *protocol.Message) bool { return m.To == c }), func(*protocol.Message) bool { return true })
	assert.Equal(t, dkg.Round1Collecting, coordinators[c].State())
	assert.Equal(t, 2, coordinators[c].Buffered())

	// the missing round 1 package finally arrives
	deliver(round1, func(m *protocol.Message) bool { return m.To == c && m.From == b })
	assert.Equal(t, dkg.Finalized, coordinators[c].State(), "buffered shares were replayed")

	assert.Empty(t, network.Deliver(handlers))
	checkFinalized(t, coordinators)
}

func TestCoordinator_Duplicates(t *testing.T) {
	network, coordinators, handlers := setup(t, 3, 2)
	ids := test.PartyIDs(3)
	for _, c := range coordinators {
		require.NoError(t, c.Start())
	}

	msgs := network.Take(func(m *protocol.Message) bool { return m.To == ids[0] && m.From == ids[1] })
	require.Len(t, msgs, 1)
	content, err := msgs[0].Content()
	require.NoError(t, err)

	require.NoError(t, handlers[ids[0]](ids[1], content))
	assert.Equal(t, 1, coordinators[ids[0]].Received())
	assert.ErrorIs(t, handlers[ids[0]](ids[1], content), protocol.ErrDuplicate)
	assert.Equal(t, 1, coordinators[ids[0]].Received(), "duplicates are not counted")
	assert.Equal(t, dkg.Round1Collecting, coordinators[ids[0]].State())

	assert.Empty(t, network.Deliver(handlers))
	checkFinalized(t, coordinators)
}

func TestCoordinator_ForgedShare(t *testing.T) {
	network, coordinators, handlers := setup(t, 3, 2)
	ids := test.PartyIDs(3)
	for _, c := range coordinators {
		require.NoError(t, c.Start())
	}
	for _, msg := range network.Take(test.Kind(protocol.KindRound1Package)) {
		content, err := msg.Content()
		require.NoError(t, err)
		require.NoError(t, handlers[msg.To](msg.From, content))
	}

	// b's share to a is replaced by a random scalar
	err := handlers[ids[0]](ids[1], &protocol.Round2Package{
		Sender:    2,
		Recipient: 1,
		Package:   &frost.Round2Package{Share: sample.Scalar(rand.Reader)},
	})
	require.NoError(t, err, "not all round 2 packages received yet")
	network.Deliver(handlers)

	a := coordinators[ids[0]]
	require.Equal(t, dkg.Failed, a.State())
	assert.Equal(t, protocol.ErrorProtocol, protocol.KindOf(a.Err()))
	assert.Equal(t, ids[1], protocol.CulpritOf(a.Err()))
	assert.ErrorIs(t, a.Err(), frost.ErrInvalidShare)

	// the others were not affected
	assert.Equal(t, dkg.Finalized, coordinators[ids[1]].State())
	assert.Equal(t, dkg.Finalized, coordinators[ids[2]].State())
}

func TestCoordinator_Rejections(t *testing.T) {
	_, coordinators, _ := setup(t, 2, 2)
	ids := test.PartyIDs(2)
	a := coordinators[ids[0]]

	assert.ErrorIs(t, a.Handle("z", &protocol.Round1Package{Sender: 9}), protocol.ErrUnknownSender)
	assert.ErrorIs(t, a.Handle(ids[1], &protocol.SigningAcceptance{}), protocol.ErrUnexpectedContent)
	assert.ErrorIs(t, a.Handle(ids[1], &protocol.Round2Package{Sender: 2, Recipient: 2}), protocol.ErrWrongRecipient)
	assert.Equal(t, dkg.NotStarted, a.State())

	// claiming another identifier is fatal
	err := a.Handle(ids[1], &protocol.Round1Package{Sender: 1})
	assert.Equal(t, protocol.ErrorProtocol, protocol.KindOf(err))
	assert.Equal(t, dkg.Failed, a.State())
}

func TestCoordinator_Fail(t *testing.T) {
	network, coordinators, _ := setup(t, 3, 2)
	ids := test.PartyIDs(3)
	a := coordinators[ids[0]]
	require.NoError(t, coordinators[ids[1]].Start())
	for _, msg := range network.Take(func(m *protocol.Message) bool { return m.To == ids[0] }) {
		content, err := msg.Content()
		require.NoError(t, err)
		require.NoError(t, a.Handle(msg.From, content))
	}
	require.Equal(t, 1, a.Buffered())

	timeout := protocol.NewError(protocol.ErrorTimeout, protocol.PhaseMesh, "", protocol.ErrTimeout)
	a.Fail(timeout)
	assert.Equal(t, dkg.Failed, a.State())
	assert.Zero(t, a.Buffered(), "buffered packages are discarded")
	assert.ErrorIs(t, a.Err(), protocol.ErrTimeout)

	// later packages are ignored
	assert.NoError(t, a.Handle(ids[2], &protocol.Round1Package{Sender: 3}))
}

func TestCoordinator_SingleParticipant(t *testing.T) {
	network, coordinators, _ := setup(t, 1, 1)
	for _, c := range coordinators {
		require.NoError(t, c.Start())
	}
	assert.Zero(t, network.Len())
	checkFinalized(t, coordinators)
}
