// Package memnet is an in-process Transport for tests and simulations.
//
// Links between nodes are controlled explicitly, and deliveries can be held back and released
// later, possibly shuffled, to exercise out-of-order arrival.
package memnet

import (
	"context"
	"math/rand"
	"sync"

	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/transport"
	"golang.org/x/sync/errgroup"
)

type link struct{ a, b party.ID }

func key(a, b party.ID) link {
	if b < a {
		a, b = b, a
	}
	return link{a, b}
}

type frame struct {
	from, to party.ID
	data     []byte
}

// Network connects in-process Nodes.
type Network struct {
	mtx     sync.Mutex
	nodes   map[party.ID]*Node
	links   map[link]bool
	holding bool
	held    []frame
	// Filter drops frames for which it returns false. It may be nil.
	filter func(from, to party.ID, data []byte) bool
}

// New returns an empty Network.
func New() *Network {
	return &Network{
		nodes: make(map[party.ID]*Node),
		links: make(map[link]bool),
	}
}

// Join adds a node for id. Its links are down until Connect is called.
func (n *Network) Join(id party.ID) *Node {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if node, ok := n.nodes[id]; ok {
		return node
	}
	node := &Node{network: n, self: id, pipe: transport.NewPipe()}
	n.nodes[id] = node
	return node
}

// Connect brings the link between a and b up, and notifies both ends.
func (n *Network) Connect(a, b party.ID) {
	n.setLink(a, b, true)
}

// Disconnect brings the link between a and b down, and notifies both ends.
func (n *Network) Disconnect(a, b party.ID) {
	n.setLink(a, b, false)
}

// ConnectAll brings up every link between the nodes that joined so far.
func (n *Network) ConnectAll() {
	n.mtx.Lock()
	ids := make([]party.ID, 0, len(n.nodes))
	for id := range n.nodes {
		ids = append(ids, id)
	}
	n.mtx.Unlock()
	ids = party.NewIDSlice(ids)
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			n.Connect(a, b)
		}
	}
}

func (n *Network) setLink(a, b party.ID, up bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	k := key(a, b)
	if n.links[k] == up || a == b {
		return
	}
	nodeA, okA := n.nodes[a]
	nodeB, okB := n.nodes[b]
	if !okA || !okB {
		return
	}
	n.links[k] = up
	kind := transport.LinkDown
	if up {
		kind = transport.LinkUp
	}
	nodeA.pipe.Push(transport.Event{Kind: kind, Peer: b})
	nodeB.pipe.Push(transport.Event{Kind: kind, Peer: a})
}

// Linked reports whether the link between a and b is up.
func (n *Network) Linked(a, b party.ID) bool {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.links[key(a, b)]
}

// SetFilter installs a function deciding which frames are delivered. A nil filter delivers everything.
func (n *Network) SetFilter(filter func(from, to party.ID, data []byte) bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.filter = filter
}

// Hold keeps every frame sent from now on until Release.
func (n *Network) Hold() {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.holding = true
}

// Held returns the number of frames being held.
func (n *Network) Held() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return len(n.held)
}

// Release delivers the held frames and stops holding. If shuffle is not nil, frames are
// delivered in a random order drawn from it, otherwise in send order.
func (n *Network) Release(shuffle *rand.Rand) {
	n.mtx.Lock()
	held := n.held
	n.held = nil
	n.holding = false
	if shuffle != nil {
		shuffle.Shuffle(len(held), func(i, j int) { held[i], held[j] = held[j], held[i] })
	}
	for _, f := range held {
		n.deliver(f)
	}
	n.mtx.Unlock()
}

// ReleaseMatching delivers the held frames for which match returns true, in send order.
// The other frames stay held, and the network keeps holding. It returns the number of frames delivered.
func (n *Network) ReleaseMatching(match func(from, to party.ID, data []byte) bool) int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	kept := n.held[:0]
	released := 0
	for _, f := range n.held {
		if match(f.from, f.to, f.data) {
			n.deliver(f)
			released++
		} else {
			kept = append(kept, f)
		}
	}
	n.held = kept
	return released
}

// Close closes every node.
func (n *Network) Close() error {
	n.mtx.Lock()
	nodes := make([]*Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, node)
	}
	n.mtx.Unlock()

	var g errgroup.Group
	for _, node := range nodes {
		node := node
		g.Go(node.Close)
	}
	return g.Wait()
}

func (n *Network) send(from, to party.ID, data []byte) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.nodes[to]; !ok {
		return transport.ErrUnknownPeer
	}
	if !n.links[key(from, to)] {
		return transport.ErrLinkDown
	}
	f := frame{from: from, to: to, data: append([]byte(nil), data...)}
	if n.holding {
		n.held = append(n.held, f)
		return nil
	}
	n.deliver(f)
	return nil
}

// deliver must be called with n.mtx held.
func (n *Network) deliver(f frame) {
	if n.filter != nil && !n.filter(f.from, f.to, f.data) {
		return
	}
	if node, ok := n.nodes[f.to]; ok {
		node.pipe.Push(transport.Event{Kind: transport.Received, Peer: f.from, Data: f.data})
	}
}

// Node is the Transport of a single participant of a Network.
type Node struct {
	network *Network
	self    party.ID
	pipe    *transport.Pipe
	once    sync.Once
}

// Self implements transport.Transport.
func (n *Node) Self() party.ID { return n.self }

// Send implements transport.Transport.
func (n *Node) Send(ctx context.Context, to party.ID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.network.send(n.self, to, data)
}

// Events implements transport.Transport.
func (n *Node) Events() <-chan transport.Event { return n.pipe.Events() }

// Close closes the events channel of the node. The links of the node are left as they are.
func (n *Node) Close() error {
	n.once.Do(n.pipe.Close)
	return nil
}
