package protocol

import "fmt"

// Kind is the discriminant of a Message's content.
type Kind uint8

const (
	KindSessionProposal Kind = iota + 1
	KindSessionResponse
	KindSessionFinalized
	KindSessionAbort
	KindRound1Package
	KindRound2Package
	KindSigningRequest
	KindSigningAcceptance
	KindSigningSelection
	KindSigningCommitment
	KindSignatureShare
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindSessionProposal:
		return "session-proposal"
	case KindSessionResponse:
		return "session-response"
	case KindSessionFinalized:
		return "session-finalized"
	case KindSessionAbort:
		return "session-abort"
	case KindRound1Package:
		return "round1-package"
	case KindRound2Package:
		return "round2-package"
	case KindSigningRequest:
		return "signing-request"
	case KindSigningAcceptance:
		return "signing-acceptance"
	case KindSigningSelection:
		return "signing-selection"
	case KindSigningCommitment:
		return "signing-commitment"
	case KindSignatureShare:
		return "signature-share"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Phase names the stage of a session in which something happened.
type Phase string

const (
	PhaseNegotiation Phase = "negotiation"
	PhaseMesh        Phase = "mesh"
	PhaseRound1      Phase = "round1"
	PhaseRound2      Phase = "round2"
	PhaseAcceptance  Phase = "acceptance"
	PhaseCommitment  Phase = "commitment"
	PhaseShare       Phase = "share"
)

// Phase returns the phase during which content of this kind is consumed.
func (k Kind) Phase() Phase {
	switch k {
	case KindRound1Package:
		return PhaseRound1
	case KindRound2Package:
		return PhaseRound2
	case KindSigningRequest, KindSigningAcceptance, KindSigningSelection:
		return PhaseAcceptance
	case KindSigningCommitment:
		return PhaseCommitment
	case KindSignatureShare:
		return PhaseShare
	default:
		return PhaseNegotiation
	}
}
