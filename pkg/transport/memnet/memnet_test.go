package memnet_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/transport"
	"github.com/taurusgroup/tss-mesh/pkg/transport/memnet"
)

func next(t *testing.T, node *memnet.Node) transport.Event {
	select {
	case e, ok := <-node.Events():
		require.True(t, ok, "events closed")
		return e
	case <-time.After(time.Second):
		require.FailNow(t, "no event")
		return transport.Event{}
	}
}

func TestNetwork_Links(t *testing.T) {
	n := memnet.New()
	defer n.Close()
	a, b := n.Join("a"), n.Join("b")
	ctx := context.Background()

	assert.ErrorIs(t, a.Send(ctx, "b", []byte("x")), transport.ErrLinkDown)
	assert.ErrorIs(t, a.Send(ctx, "z", []byte("x")), transport.ErrUnknownPeer)

	n.Connect("a", "b")
	assert.Equal(t, transport.Event{Kind: transport.LinkUp, Peer: "b"}, next(t, a))
	assert.Equal(t, transport.Event{Kind: transport.LinkUp, Peer: "a"}, next(t, b))
	assert.True(t, n.Linked("b", "a"))

	require.NoError(t, a.Send(ctx, "b", []byte("hello")))
	e := next(t, b)
	assert.Equal(t, transport.Received, e.Kind)
	assert.Equal(t, party.ID("a"), e.Peer)
	assert.Equal(t, []byte("hello"), e.Data)

	n.Disconnect("b", "a")
	assert.Equal(t, transport.LinkDown, next(t, a).Kind)
	assert.Equal(t, transport.LinkDown, next(t, b).Kind)
}

func TestNetwork_HoldRelease(t *testing.T) {
	n := memnet.New()
	defer n.Close()
	a, b := n.Join("a"), n.Join("b")
	n.ConnectAll()
	next(t, a)
	next(t, b)

	n.Hold()
	for i := byte(0); i < 10; i++ {
		require.NoError(t, a.Send(context.Background(), "b", []byte{i}))
	}
	assert.Equal(t, 10, n.Held())

	n.Release(rand.New(rand.NewSource(1)))
	seen := make(map[byte]bool)
	var order []byte
	for i := 0; i < 10; i++ {
		e := next(t, b)
		seen[e.Data[0]] = true
		order = append(order, e.Data[0])
	}
	assert.Len(t, seen, 10, "every frame is delivered once")
	assert.NotEqual(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestNetwork_ReleaseMatching(t *testing.T) {
	n := memnet.New()
	defer n.Close()
	a, b := n.Join("a"), n.Join("b")
	n.ConnectAll()
	next(t, a)
	next(t, b)

	n.Hold()
	for i := byte(0); i < 4; i++ {
		require.NoError(t, a.Send(context.Background(), "b", []byte{i}))
	}
	odd := func(_, _ party.ID, data []byte) bool { return data[0]%2 == 1 }
	assert.Equal(t, 2, n.ReleaseMatching(odd))
	assert.Equal(t, []byte{1}, next(t, b).Data)
	assert.Equal(t, []byte{3}, next(t, b).Data)
	assert.Equal(t, 2, n.Held())

	require.NoError(t, a.Send(context.Background(), "b", []byte{5}))
	assert.Equal(t, 3, n.Held(), "still holding")

	n.Release(nil)
	assert.Equal(t, []byte{0}, next(t, b).Data)
	assert.Equal(t, []byte{2}, next(t, b).Data)
	assert.Equal(t, []byte{5}, next(t, b).Data)
}

func TestNetwork_Filter(t *testing.T) {
	n := memnet.New()
	defer n.Close()
	a, b := n.Join("a"), n.Join("b")
	n.ConnectAll()
	next(t, a)
	next(t, b)

	n.SetFilter(func(_, _ party.ID, data []byte) bool { return data[0] != 0 })
	require.NoError(t, a.Send(context.Background(), "b", []byte{0}))
	require.NoError(t, a.Send(context.Background(), "b", []byte{1}))
	assert.Equal(t, []byte{1}, next(t, b).Data)
}

func TestNetwork_Close(t *testing.T) {
	n := memnet.New()
	a := n.Join("a")
	require.NoError(t, n.Close())
	_, ok := <-a.Events()
	assert.False(t, ok)
}
