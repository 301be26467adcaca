package dkg

import (
	"fmt"

	"github.com/taurusgroup/tss-mesh/pkg/protocol"
)

// State is the progress of the key generation of one session.
type State uint8

const (
	NotStarted State = iota + 1
	Round1Collecting
	Round2Collecting
	Finalized
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Round1Collecting:
		return "round1-collecting"
	case Round2Collecting:
		return "round2-collecting"
	case Finalized:
		return "finalized"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal returns true for Finalized and Failed.
func (s State) Terminal() bool {
	return s == Finalized || s == Failed
}

// Phase returns the phase a coordinator in this state is waiting on.
func (s State) Phase() protocol.Phase {
	switch s {
	case Round1Collecting:
		return protocol.PhaseRound1
	case Round2Collecting, Finalized:
		return protocol.PhaseRound2
	default:
		return protocol.PhaseMesh
	}
}
