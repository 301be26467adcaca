package test

import (
	"sync"

	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
)

// Network collects the messages sent by coordinators under test, so that tests decide
// when, in which order, and whether they are delivered.
//
// Every message goes through its wire encoding.
type Network struct {
	pending []*protocol.Message
	mtx     sync.Mutex
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{}
}

// Outbox returns a protocol.Outbox sending messages from self in the given session and request.
func (n *Network) Outbox(self party.ID, sessionID, requestID string) protocol.Outbox {
	return &outbox{network: n, self: self, sessionID: sessionID, requestID: requestID}
}

func (n *Network) push(msg *protocol.Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	var decoded protocol.Message
	if err = decoded.UnmarshalBinary(data); err != nil {
		return err
	}
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.pending = append(n.pending, &decoded)
	return nil
}

// Len returns the number of undelivered messages.
func (n *Network) Len() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return len(n.pending)
}

// Take removes and returns the undelivered messages accepted by filter, in send order.
// A nil filter takes everything.
func (n *Network) Take(filter func(*protocol.Message) bool) []*protocol.Message {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	var taken, remaining []*protocol.Message
	for _, msg := range n.pending {
		if filter == nil || filter(msg) {
			taken = append(taken, msg)
		} else {
			remaining = append(remaining, msg)
		}
	}
	n.pending = remaining
	return taken
}

// Kind returns a filter accepting messages of the given kind.
func Kind(kind protocol.Kind) func(*protocol.Message) bool {
	return func(msg *protocol.Message) bool { return msg.Kind == kind }
}

// Handler is what a test delivers messages to.
type Handler func(from party.ID, content protocol.Content) error

// Deliver delivers messages until none are left, returning the errors returned by handlers.
// Messages to participants without a handler are dropped.
func (n *Network) Deliver(handlers map[party.ID]Handler) []error {
	var errs []error
	for {
		msgs := n.Take(nil)
		if len(msgs) == 0 {
			return errs
		}
		for _, msg := range msgs {
			h, ok := handlers[msg.To]
			if !ok {
				continue
			}
			content, err := msg.Content()
			if err == nil {
				err = h(msg.From, content)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
}

type outbox struct {
	network   *Network
	self      party.ID
	sessionID string
	requestID string
}

func (o *outbox) Send(to party.ID, content protocol.Content) error {
	msg, err := protocol.NewMessage(o.sessionID, o.requestID, o.self, to, content)
	if err != nil {
		return err
	}
	return o.network.push(msg)
}

func (o *outbox) Broadcast(to []party.ID, content protocol.Content) error {
	for _, id := range to {
		if id == o.self {
			continue
		}
		if err := o.Send(id, content); err != nil {
			return err
		}
	}
	return nil
}
