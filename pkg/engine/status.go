package engine

import (
	"github.com/taurusgroup/tss-mesh/pkg/dkg"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/session"
	"github.com/taurusgroup/tss-mesh/pkg/sign"
)

// Status is a snapshot of a session.
type Status struct {
	SessionID string
	Purpose   session.Purpose
	Initiator party.ID
	// Negotiation is the state of the local negotiation.
	Negotiation session.State
	// Participants is set once the session is finalized.
	Participants party.IDSlice
	// Members are the participants that accepted the session.
	Members party.IDSlice
	// Started is set once the links to every member came up for the first time.
	Started bool
	// Waiting are the members whose link is down.
	Waiting party.IDSlice
	// KeyGeneration is the state of the key generation, or zero.
	KeyGeneration dkg.State
	// Requests are the signing requests in progress.
	Requests []RequestStatus
	// Pending is the number of messages held by the session itself.
	Pending int
	Done    bool
	Err     error
}

// RequestStatus is a snapshot of a signing request.
type RequestStatus struct {
	ID       string
	State    sign.State
	Outcome  sign.Outcome
	Signers  party.IDSlice
	Deferred bool
}

func (s *sessionLoop) status() *Status {
	st := &Status{
		SessionID: s.id,
		Purpose:   s.proposal.Purpose,
		Initiator: s.proposal.Initiator,
		Members:   s.members.Copy(),
		Started:   s.started,
		Pending:   len(s.pending),
		Done:      s.finished,
	}
	if s.initiator != nil {
		st.Negotiation = s.initiator.State()
	} else {
		st.Negotiation = s.invitee.State()
	}
	if s.descriptor != nil {
		st.Participants = s.descriptor.Participants.Copy()
	}
	if s.gate != nil {
		st.Waiting = s.gate.Pending()
	}
	if s.dkg != nil {
		st.KeyGeneration = s.dkg.State()
	}
	for _, r := range s.requests {
		st.Requests = append(st.Requests, RequestStatus{
			ID:       r.request.ID,
			State:    r.c.State(),
			Outcome:  r.c.Outcome(),
			Signers:  r.c.Signers().Copy(),
			Deferred: r.deferred,
		})
	}
	if s.result != nil {
		st.Err = s.result.Err
	}
	return st
}
