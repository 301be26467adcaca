package session

import (
	"fmt"

	"github.com/taurusgroup/tss-mesh/pkg/party"
)

// Invitee is the negotiation as run by a node receiving a proposal.
type Invitee struct {
	self     party.ID
	proposal *Proposal
	state    State

	descriptor *Descriptor
	members    party.IDSlice
	err        error
}

// NewInvitee validates a received proposal.
func NewInvitee(self party.ID, p *Proposal) (*Invitee, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if self == p.Initiator || !p.Candidates.Contains(self) {
		return nil, fmt.Errorf("%w: %s was not invited", ErrUnknownParticipant, self)
	}
	return &Invitee{
		self:     self,
		proposal: p,
		state:    StateInvited,
	}, nil
}

// HandleProposal handles a repeated invitation.
// An identical proposal is ignored, any other one is a mismatch.
func (i *Invitee) HandleProposal(p *Proposal) error {
	if !i.proposal.Equal(p) {
		return fmt.Errorf("%w: conflicting proposals for session %s", ErrParameterMismatch, p.SessionID)
	}
	return nil
}

// Evaluate marks the invitation as being considered by the local policy.
func (i *Invitee) Evaluate() {
	if i.state == StateInvited {
		i.state = StateEvaluating
	}
}

// Decide records the local decision. It returns false if a decision was already made.
func (i *Invitee) Decide(accept bool) bool {
	if i.state != StateInvited && i.state != StateEvaluating {
		return false
	}
	if accept {
		i.state = StateAccepted
	} else {
		i.state = StateDeclined
	}
	return true
}

// HandleFinalized handles the descriptor sent by the initiator, along with the members that accepted.
func (i *Invitee) HandleFinalized(d *Descriptor, members []party.ID) (Event, error) {
	switch i.state {
	case StateDeclined, StateExcluded, StateAborted:
		return EventNone, nil
	}
	if err := i.proposal.consistent(d); err != nil {
		return i.Abort(err), err
	}
	sorted := party.NewIDSlice(members)
	if !sorted.Valid() || !d.Participants.Contains(sorted...) || !sorted.Contains(d.Initiator) {
		err := fmt.Errorf("%w: invalid members", ErrParameterMismatch)
		return i.Abort(err), err
	}
	if i.descriptor != nil && !i.descriptor.Equal(d) {
		err := fmt.Errorf("%w: descriptor changed", ErrParameterMismatch)
		return i.Abort(err), err
	}
	i.descriptor = d

	if !sorted.Contains(i.self) {
		if d.Purpose.Kind == KindSigning {
			// our acceptance may still be on its way
			return EventNone, nil
		}
		i.state = StateExcluded
		i.err = ErrExcluded
		return EventExcluded, nil
	}

	switch i.state {
	case StateFinalized:
		if sorted.Equal(i.members) {
			return EventNone, nil
		}
		i.members = sorted
		return EventMemberJoined, nil
	case StateAccepted:
		i.members = sorted
		i.state = StateFinalized
		return EventFinalized, nil
	default:
		// listed as a member without having accepted
		err := fmt.Errorf("%w: listed as member before accepting", ErrParameterMismatch)
		return i.Abort(err), err
	}
}

// Abort fails the negotiation, unless it already finished.
func (i *Invitee) Abort(err error) Event {
	switch i.state {
	case StateAborted, StateDeclined, StateExcluded:
		return EventNone
	}
	i.state = StateAborted
	i.err = err
	return EventAborted
}

// Proposal returns the received proposal.
func (i *Invitee) Proposal() *Proposal { return i.proposal }

// State returns the current state.
func (i *Invitee) State() State { return i.state }

// Descriptor returns the agreed descriptor, or nil if none was received.
func (i *Invitee) Descriptor() *Descriptor { return i.descriptor }

// Members returns the participants that accepted a finalized session, sorted.
func (i *Invitee) Members() party.IDSlice { return i.members.Copy() }

// Err returns the reason the negotiation was aborted.
func (i *Invitee) Err() error { return i.err }
