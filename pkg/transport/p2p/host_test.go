package p2p_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/transport"
	"github.com/taurusgroup/tss-mesh/pkg/transport/p2p"
)

func newHost(t *testing.T, id party.ID) *p2p.Host {
	h, err := p2p.New(p2p.Config{Self: id, Listen: []string{"/ip4/127.0.0.1/tcp/0"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func waitFor(t *testing.T, h *p2p.Host, kind transport.EventKind) transport.Event {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-h.Events():
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for "+kind.String())
		}
	}
}

func TestHost_LinkAndSend(t *testing.T) {
	a, b := newHost(t, "a"), newHost(t, "b")
	require.NoError(t, a.AddPeer("b", b.Addrs()[0]))
	require.NoError(t, b.AddPeer("a", a.Addrs()[0]))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, a.Send(ctx, "b", []byte("early")), transport.ErrLinkDown)
	assert.ErrorIs(t, a.Send(ctx, "z", []byte("x")), transport.ErrUnknownPeer)

	require.NoError(t, a.Connect(ctx, "b"))
	assert.Equal(t, party.ID("b"), waitFor(t, a, transport.LinkUp).Peer)
	assert.Equal(t, party.ID("a"), waitFor(t, b, transport.LinkUp).Peer)

	require.NoError(t, a.Send(ctx, "b", []byte("hello")))
	e := waitFor(t, b, transport.Received)
	assert.Equal(t, party.ID("a"), e.Peer)
	assert.Equal(t, []byte("hello"), e.Data)

	require.NoError(t, a.Disconnect("b"))
	assert.Equal(t, party.ID("a"), waitFor(t, b, transport.LinkDown).Peer)
}
