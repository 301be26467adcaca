// Package transport is the boundary between the engine and the network.
//
// A Transport moves opaque frames between participants and reports when the link to a
// participant comes up or goes down. It makes no delivery guarantee: frames may be lost
// while a link is down, and frames sent to different participants may arrive in any order.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/taurusgroup/tss-mesh/pkg/party"
)

var (
	// ErrUnknownPeer is returned when sending to a participant the transport cannot address.
	ErrUnknownPeer = errors.New("transport: unknown peer")
	// ErrLinkDown is returned when sending to a participant whose link is currently down.
	ErrLinkDown = errors.New("transport: link down")
	// ErrClosed is returned once the transport was closed.
	ErrClosed = errors.New("transport: closed")
)

// EventKind discriminates Events.
type EventKind uint8

const (
	// Received carries a frame sent by Peer.
	Received EventKind = iota + 1
	// LinkUp reports a live link to Peer.
	LinkUp
	// LinkDown reports that the link to Peer was lost.
	LinkDown
)

func (k EventKind) String() string {
	switch k {
	case Received:
		return "received"
	case LinkUp:
		return "link-up"
	case LinkDown:
		return "link-down"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is something that happened on the network.
type Event struct {
	Kind EventKind
	Peer party.ID
	// Data is only set for Received.
	Data []byte
}

// Transport is implemented by the networks the engine runs on.
type Transport interface {
	// Self returns the participant this transport sends as.
	Self() party.ID
	// Send delivers a frame to a participant. A nil error only means the frame left this node.
	Send(ctx context.Context, to party.ID, data []byte) error
	// Events returns the channel of incoming events. It is closed when the transport is closed.
	Events() <-chan Event
}
