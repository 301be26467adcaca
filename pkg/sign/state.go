package sign

import (
	"fmt"

	"github.com/taurusgroup/tss-mesh/pkg/protocol"
)

// State is the progress of one signing request.
type State uint8

const (
	Idle State = iota + 1
	AwaitingAcceptances
	CommitmentPhase
	SharePhase
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingAcceptances:
		return "awaiting-acceptances"
	case CommitmentPhase:
		return "commitment"
	case SharePhase:
		return "share"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Phase returns the phase a coordinator in this state is waiting on.
func (s State) Phase() protocol.Phase {
	switch s {
	case CommitmentPhase:
		return protocol.PhaseCommitment
	case SharePhase, Complete:
		return protocol.PhaseShare
	default:
		return protocol.PhaseAcceptance
	}
}

// Outcome is how a request ended for the local participant.
type Outcome uint8

const (
	// Pending means the request is still running.
	Pending Outcome = iota
	// Signed means the signature was aggregated.
	Signed
	// NotSelected means the local participant accepted but was not chosen as signer.
	NotSelected
	// Declined means the local participant declined the request.
	Declined
	// Aborted means the request failed.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Signed:
		return "signed"
	case NotSelected:
		return "not-selected"
	case Declined:
		return "declined"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}
