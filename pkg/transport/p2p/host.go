// Package p2p runs the engine over libp2p.
//
// Every participant is a libp2p host with a known peer identity. A live connection to a
// participant is its link, and each frame travels on its own stream.
package p2p

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/rs/zerolog"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/transport"
)

// ProtocolID is the stream protocol frames are sent on.
const ProtocolID = libp2pprotocol.ID("/tss-mesh/frame/1.0.0")

// MaxFrameSize bounds the size of a received frame.
const MaxFrameSize = 1 << 20

// Config describes the local host.
type Config struct {
	// Self is the participant this host sends as.
	Self party.ID
	// Listen are the multiaddrs to listen on, such as /ip4/127.0.0.1/tcp/0.
	Listen []string
	// Options are passed to libp2p.New after the listen addresses.
	Options []libp2p.Option
	// Logger defaults to zerolog.Nop().
	Logger *zerolog.Logger
}

// Host implements transport.Transport on a libp2p host.
type Host struct {
	host host.Host
	self party.ID
	pipe *transport.Pipe
	log  zerolog.Logger

	mtx     sync.RWMutex
	peers   map[party.ID]peer.ID
	parties map[peer.ID]party.ID
	up      map[party.ID]bool
}

// New starts a libp2p host.
func New(cfg Config) (*Host, error) {
	if cfg.Self == "" {
		return nil, fmt.Errorf("p2p: empty participant")
	}
	opts := make([]libp2p.Option, 0, len(cfg.Options)+1)
	if len(cfg.Listen) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.Listen...))
	}
	opts = append(opts, cfg.Options...)
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: failed to create host: %w", err)
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	t := &Host{
		host:    h,
		self:    cfg.Self,
		pipe:    transport.NewPipe(),
		log:     log.With().Str("component", "p2p").Str("peer_id", h.ID().String()).Logger(),
		peers:   make(map[party.ID]peer.ID),
		parties: make(map[peer.ID]party.ID),
		up:      make(map[party.ID]bool),
	}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    t.connected,
		DisconnectedF: t.disconnected,
	})
	h.SetStreamHandler(ProtocolID, t.handleStream)
	return t, nil
}

// Addrs returns the addresses of the host, including its peer identity, in the form AddPeer expects.
func (t *Host) Addrs() []string {
	addrs := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return addrs
}

// AddPeer records the address of a participant. addr must include the /p2p/ component.
func (t *Host) AddPeer(id party.ID, addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("p2p: invalid address for %s: %w", id, err)
	}
	t.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)

	t.mtx.Lock()
	t.peers[id] = info.ID
	t.parties[info.ID] = id
	t.mtx.Unlock()

	// the connection may have been opened by the other side already
	if t.host.Network().Connectedness(info.ID) == network.Connected {
		t.setLink(id, true)
	}
	return nil
}

// Connect dials a participant added with AddPeer.
func (t *Host) Connect(ctx context.Context, id party.ID) error {
	pid, ok := t.peerID(id)
	if !ok {
		return transport.ErrUnknownPeer
	}
	return t.host.Connect(ctx, t.host.Peerstore().PeerInfo(pid))
}

// Disconnect closes the connections to a participant.
func (t *Host) Disconnect(id party.ID) error {
	pid, ok := t.peerID(id)
	if !ok {
		return transport.ErrUnknownPeer
	}
	return t.host.Network().ClosePeer(pid)
}

// Self implements transport.Transport.
func (t *Host) Self() party.ID { return t.self }

// Events implements transport.Transport.
func (t *Host) Events() <-chan transport.Event { return t.pipe.Events() }

// Send implements transport.Transport.
func (t *Host) Send(ctx context.Context, to party.ID, data []byte) error {
	pid, ok := t.peerID(to)
	if !ok {
		return transport.ErrUnknownPeer
	}
	if t.host.Network().Connectedness(pid) != network.Connected {
		return transport.ErrLinkDown
	}
	s, err := t.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return fmt.Errorf("%w: %s", transport.ErrLinkDown, err)
	}
	if _, err = s.Write(data); err != nil {
		_ = s.Reset()
		return fmt.Errorf("%w: %s", transport.ErrLinkDown, err)
	}
	return s.Close()
}

// Close shuts the host down.
func (t *Host) Close() error {
	t.pipe.Close()
	return t.host.Close()
}

func (t *Host) handleStream(s network.Stream) {
	defer s.Close()
	from, ok := t.party(s.Conn().RemotePeer())
	if !ok {
		t.log.Warn().Str("remote", s.Conn().RemotePeer().String()).Msg("stream from unknown peer")
		_ = s.Reset()
		return
	}
	data, err := io.ReadAll(io.LimitReader(s, MaxFrameSize+1))
	if err != nil || len(data) > MaxFrameSize {
		t.log.Warn().Err(err).Str("from", string(from)).Int("size", len(data)).Msg("dropping frame")
		_ = s.Reset()
		return
	}
	t.pipe.Push(transport.Event{Kind: transport.Received, Peer: from, Data: data})
}

func (t *Host) connected(_ network.Network, c network.Conn) {
	if id, ok := t.party(c.RemotePeer()); ok {
		t.setLink(id, true)
	}
}

func (t *Host) disconnected(n network.Network, c network.Conn) {
	id, ok := t.party(c.RemotePeer())
	if !ok || n.Connectedness(c.RemotePeer()) == network.Connected {
		return
	}
	t.setLink(id, false)
}

// setLink reports a change of the link to id, once.
func (t *Host) setLink(id party.ID, up bool) {
	t.mtx.Lock()
	changed := t.up[id] != up
	t.up[id] = up
	t.mtx.Unlock()
	if !changed {
		return
	}
	kind := transport.LinkDown
	if up {
		kind = transport.LinkUp
	}
	t.log.Debug().Str("party", string(id)).Stringer("event", kind).Msg("link changed")
	t.pipe.Push(transport.Event{Kind: kind, Peer: id})
}

func (t *Host) peerID(id party.ID) (peer.ID, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	pid, ok := t.peers[id]
	return pid, ok
}

func (t *Host) party(pid peer.ID) (party.ID, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	id, ok := t.parties[pid]
	return id, ok
}
