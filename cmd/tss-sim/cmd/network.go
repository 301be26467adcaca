package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/transport"
	"github.com/taurusgroup/tss-mesh/pkg/transport/memnet"
	"github.com/taurusgroup/tss-mesh/pkg/transport/p2p"
)

// simNet gives every simulated participant a transport.
type simNet interface {
	transport(id party.ID) transport.Transport
	// connect brings up every link.
	connect(ctx context.Context) error
	close() error
}

func newSimNet(kind string, ids party.IDSlice, shuffle int64) (simNet, error) {
	switch kind {
	case "memnet":
		return newMemNet(ids, shuffle), nil
	case "p2p":
		return newP2PNet(ids)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

type memNet struct {
	net   *memnet.Network
	ids   party.IDSlice
	rng   *rand.Rand
	stop  chan struct{}
	nodes map[party.ID]*memnet.Node
}

func newMemNet(ids party.IDSlice, shuffle int64) *memNet {
	n := &memNet{net: memnet.New(), ids: ids, stop: make(chan struct{}), nodes: make(map[party.ID]*memnet.Node, len(ids))}
	if shuffle != 0 {
		n.rng = rand.New(rand.NewSource(shuffle))
	}
	for _, id := range ids {
		n.nodes[id] = n.net.Join(id)
	}
	return n
}

func (n *memNet) transport(id party.ID) transport.Transport { return n.nodes[id] }

func (n *memNet) connect(context.Context) error {
	n.net.ConnectAll()
	if n.rng != nil {
		go n.reorder()
	}
	return nil
}

// reorder delivers the frames in shuffled batches.
func (n *memNet) reorder() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	n.net.Hold()
	for {
		select {
		case <-n.stop:
			n.net.Release(nil)
			return
		case <-ticker.C:
			n.net.Release(n.rng)
			n.net.Hold()
		}
	}
}

func (n *memNet) close() error {
	close(n.stop)
	return n.net.Close()
}

type p2pNet struct {
	ids   party.IDSlice
	hosts map[party.ID]*p2p.Host
}

func newP2PNet(ids party.IDSlice) (*p2pNet, error) {
	n := &p2pNet{ids: ids, hosts: make(map[party.ID]*p2p.Host, len(ids))}
	for _, id := range ids {
		priv, _, err := crypto.GenerateKeyPair(crypto.Secp256k1, 256)
		if err != nil {
			_ = n.close()
			return nil, err
		}
		hostLog := log.With().Str("party", string(id)).Logger()
		h, err := p2p.New(p2p.Config{
			Self:    id,
			Listen:  []string{"/ip4/127.0.0.1/tcp/0"},
			Options: []libp2p.Option{libp2p.Identity(priv)},
			Logger:  &hostLog,
		})
		if err != nil {
			_ = n.close()
			return nil, err
		}
		n.hosts[id] = h
	}
	for _, id := range ids {
		for _, other := range ids.Remove(id) {
			addrs := n.hosts[other].Addrs()
			if len(addrs) == 0 {
				_ = n.close()
				return nil, fmt.Errorf("host of %s has no address", other)
			}
			if err := n.hosts[id].AddPeer(other, addrs[0]); err != nil {
				_ = n.close()
				return nil, err
			}
		}
	}
	return n, nil
}

func (n *p2pNet) transport(id party.ID) transport.Transport { return n.hosts[id] }

func (n *p2pNet) connect(ctx context.Context) error {
	for i, id := range n.ids {
		for _, other := range n.ids[i+1:] {
			if err := n.hosts[id].Connect(ctx, other); err != nil {
				return fmt.Errorf("%s could not reach %s: %w", id, other, err)
			}
		}
	}
	return nil
}

func (n *p2pNet) close() error {
	var errs *multierror.Error
	for _, h := range n.hosts {
		errs = multierror.Append(errs, h.Close())
	}
	return errs.ErrorOrNil()
}
