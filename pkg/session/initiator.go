package session

import (
	"fmt"

	"github.com/taurusgroup/tss-mesh/pkg/party"
)

// Initiator is the negotiation as run by the node proposing the session.
//
// It is not safe for concurrent use; the owning session loop serializes every call.
type Initiator struct {
	proposal *Proposal
	state    State
	// accepted holds the acceptances in receipt order, the initiator first.
	accepted []party.ID
	declined map[party.ID]struct{}

	descriptor *Descriptor
	members    party.IDSlice
	err        error
}

// NewInitiator validates the proposal and prepares its negotiation.
func NewInitiator(p *Proposal) (*Initiator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Initiator{
		proposal: p,
		state:    StateProposing,
		accepted: []party.ID{p.Initiator},
		declined: make(map[party.ID]struct{}),
	}, nil
}

// Start must be called once the proposal was sent to every candidate.
func (i *Initiator) Start() Event {
	if i.state != StateProposing {
		return EventNone
	}
	i.state = StateCollectingResponses
	if len(i.accepted) >= i.proposal.Quorum() {
		i.finalize()
		return EventFinalized
	}
	return EventNone
}

// HandleResponse records the answer of a candidate.
//
// A candidate answering twice is ignored.
func (i *Initiator) HandleResponse(from party.ID, accepted bool) (Event, error) {
	if from == i.proposal.Initiator || !i.proposal.Candidates.Contains(from) {
		return EventNone, fmt.Errorf("%w: %s", ErrUnknownParticipant, from)
	}
	switch i.state {
	case StateProposing:
		return EventNone, fmt.Errorf("session: response from %s before proposal was sent", from)
	case StateAborted:
		return EventNone, ErrClosed
	}
	if i.responded(from) {
		return EventNone, nil
	}

	if !accepted {
		i.declined[from] = struct{}{}
		if i.state == StateCollectingResponses && len(i.accepted)+i.undecided() < i.proposal.Quorum() {
			i.Abort(fmt.Errorf("%w: %d of %d candidates declined", ErrDeclined, len(i.declined), len(i.proposal.Candidates)))
			return EventAborted, nil
		}
		return EventNone, nil
	}

	i.accepted = append(i.accepted, from)
	switch i.state {
	case StateCollectingResponses:
		if len(i.accepted) == i.proposal.Quorum() {
			i.finalize()
			return EventFinalized, nil
		}
		return EventNone, nil
	case StateFinalized:
		if i.proposal.Purpose.Kind == KindSigning {
			i.members = party.NewIDSlice(append(i.members, from))
			return EventMemberJoined, nil
		}
		return EventLateAcceptance, nil
	}
	return EventNone, nil
}

// Abort fails the negotiation, unless it already finished.
func (i *Initiator) Abort(err error) Event {
	if i.state == StateAborted || i.state == StateFinalized {
		return EventNone
	}
	i.state = StateAborted
	i.err = err
	return EventAborted
}

func (i *Initiator) finalize() {
	quorum := i.accepted[:i.proposal.Quorum()]
	if i.proposal.Purpose.Kind == KindSigning {
		i.descriptor = i.proposal.descriptor(i.proposal.Candidates)
	} else {
		i.descriptor = i.proposal.descriptor(quorum)
	}
	i.members = party.NewIDSlice(quorum)
	i.state = StateFinalized
}

func (i *Initiator) responded(id party.ID) bool {
	if _, ok := i.declined[id]; ok {
		return true
	}
	for _, a := range i.accepted {
		if a == id {
			return true
		}
	}
	return false
}

func (i *Initiator) undecided() int {
	return len(i.proposal.Candidates) - len(i.accepted) - len(i.declined)
}

// Proposal returns the proposal being negotiated.
func (i *Initiator) Proposal() *Proposal { return i.proposal }

// State returns the current state.
func (i *Initiator) State() State { return i.state }

// Descriptor returns the agreed descriptor, or nil if the session is not finalized.
func (i *Initiator) Descriptor() *Descriptor { return i.descriptor }

// Members returns the participants that accepted a finalized session, sorted.
func (i *Initiator) Members() party.IDSlice { return i.members.Copy() }

// Accepted returns the acceptances in receipt order, the initiator first.
func (i *Initiator) Accepted() []party.ID { return append([]party.ID(nil), i.accepted...) }

// Err returns the reason the negotiation was aborted.
func (i *Initiator) Err() error { return i.err }
