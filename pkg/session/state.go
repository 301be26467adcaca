package session

import "fmt"

// State is the negotiation state of a session, as seen by one node.
type State uint8

const (
	// initiator states
	StateProposing State = iota + 1
	StateCollectingResponses

	// invitee states
	StateInvited
	StateEvaluating
	StateAccepted
	StateDeclined
	StateExcluded

	// shared terminal states
	StateFinalized
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateProposing:
		return "proposing"
	case StateCollectingResponses:
		return "collecting-responses"
	case StateInvited:
		return "invited"
	case StateEvaluating:
		return "evaluating"
	case StateAccepted:
		return "accepted"
	case StateDeclined:
		return "declined"
	case StateExcluded:
		return "excluded"
	case StateFinalized:
		return "finalized"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Event reports what changed after a negotiation input was handled.
type Event uint8

const (
	// EventNone means the input did not change the negotiation.
	EventNone Event = iota
	// EventFinalized means the session was just finalized.
	EventFinalized
	// EventMemberJoined means a holder joined an already finalized signing session.
	EventMemberJoined
	// EventLateAcceptance means an acceptance arrived after a key generation was finalized without its sender.
	EventLateAcceptance
	// EventAborted means the negotiation just failed.
	EventAborted
	// EventExcluded means the local node was left out of the finalized session.
	EventExcluded
)
