package session

import (
	"errors"
	"fmt"

	"github.com/taurusgroup/tss-mesh/pkg/party"
)

// Proposal is what the initiator sends to every candidate.
type Proposal struct {
	SessionID  string        `cbor:"1,keyasint"`
	Threshold  int           `cbor:"2,keyasint"`
	Total      int           `cbor:"3,keyasint"`
	Candidates party.IDSlice `cbor:"4,keyasint"`
	Purpose    Purpose       `cbor:"5,keyasint"`
	Initiator  party.ID      `cbor:"6,keyasint"`
}

// Quorum returns the number of acceptances, the initiator included, needed to finalize the session.
//
// Key generation needs every one of the Total participants.
// Signing only needs Threshold holders of the key to agree.
func (p *Proposal) Quorum() int {
	if p.Purpose.Kind == KindSigning {
		return p.Threshold
	}
	return p.Total
}

// Validate checks the structure of the proposal.
func (p *Proposal) Validate() error {
	if p == nil {
		return errors.New("session: nil proposal")
	}
	if p.SessionID == "" {
		return errors.New("session: empty session id")
	}
	if p.Threshold < 1 || p.Threshold > p.Total {
		return fmt.Errorf("%w: threshold %d with total %d", ErrParameterMismatch, p.Threshold, p.Total)
	}
	if !p.Candidates.Valid() {
		return fmt.Errorf("%w: candidates must be sorted, unique and non-empty", ErrParameterMismatch)
	}
	if !p.Candidates.Contains(p.Initiator) {
		return fmt.Errorf("%w: initiator %s is not a candidate", ErrParameterMismatch, p.Initiator)
	}
	if len(p.Candidates) < p.Total {
		return fmt.Errorf("%w: %d candidates for total %d", ErrParameterMismatch, len(p.Candidates), p.Total)
	}
	if p.Purpose.Kind == KindSigning && len(p.Candidates) != p.Total {
		return fmt.Errorf("%w: signing must invite every holder of the key", ErrParameterMismatch)
	}
	if err := p.Purpose.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrParameterMismatch, err)
	}
	return nil
}

// Equal returns true if both proposals are identical.
func (p *Proposal) Equal(other *Proposal) bool {
	return p.SessionID == other.SessionID &&
		p.Threshold == other.Threshold &&
		p.Total == other.Total &&
		p.Candidates.Equal(other.Candidates) &&
		p.Purpose.Equal(other.Purpose) &&
		p.Initiator == other.Initiator
}

// descriptor builds the Descriptor for the given participants.
func (p *Proposal) descriptor(participants []party.ID) *Descriptor {
	return &Descriptor{
		SessionID:    p.SessionID,
		Threshold:    p.Threshold,
		Total:        p.Total,
		Participants: party.NewIDSlice(participants),
		Purpose:      p.Purpose,
		Initiator:    p.Initiator,
	}
}

// consistent checks that a finalized descriptor could have been produced from this proposal.
func (p *Proposal) consistent(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrParameterMismatch, err)
	}
	switch {
	case d.SessionID != p.SessionID,
		d.Threshold != p.Threshold,
		d.Total != p.Total,
		d.Initiator != p.Initiator,
		!d.Purpose.Equal(p.Purpose):
		return fmt.Errorf("%w: descriptor differs from proposal", ErrParameterMismatch)
	}
	if !p.Candidates.Contains(d.Participants...) {
		return fmt.Errorf("%w: descriptor contains uninvited participants", ErrParameterMismatch)
	}
	return nil
}
