package protocol

import "github.com/taurusgroup/tss-mesh/pkg/party"

// Buffered is a package received before the coordinator could process it.
type Buffered struct {
	From    party.ID
	Content Content
}

// Queue holds packages for a later phase until the coordinator reaches it.
//
// At most one package is kept per sender and kind, and packages are replayed in arrival order.
// A Queue is owned by a single session loop and is not safe for concurrent use.
type Queue struct {
	messages []Buffered
}

// Store buffers content, or returns ErrDuplicate if the sender already has a buffered package of this kind.
func (q *Queue) Store(from party.ID, content Content) error {
	for _, existing := range q.messages {
		if existing.From == from && existing.Content.Kind() == content.Kind() {
			return ErrDuplicate
		}
	}
	q.messages = append(q.messages, Buffered{From: from, Content: content})
	return nil
}

// Get removes and returns the buffered packages of the given kind.
func (q *Queue) Get(kind Kind) []Buffered {
	out := make([]Buffered, 0, len(q.messages))
	remaining := make([]Buffered, 0, len(q.messages))
	for _, msg := range q.messages {
		if msg.Content.Kind() == kind {
			out = append(out, msg)
		} else {
			remaining = append(remaining, msg)
		}
	}
	q.messages = remaining
	return out
}

// Len returns the number of buffered packages.
func (q *Queue) Len() int {
	return len(q.messages)
}

// Reset discards every buffered package.
func (q *Queue) Reset() {
	q.messages = nil
}

// Outbox is how coordinators hand messages to the transport.
//
// Sends are fire-and-forget: a nil error only means the message was encoded and queued.
type Outbox interface {
	// Send delivers content to a single participant.
	Send(to party.ID, content Content) error
	// Broadcast delivers content to every given participant.
	Broadcast(to []party.ID, content Content) error
}
