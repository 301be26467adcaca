package protocol

import (
	"errors"

	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/session"
	"github.com/taurusgroup/tss-mesh/protocols/frost"
)

// ErrNilFields is returned by Validate when content is missing fields.
var ErrNilFields = errors.New("protocol: message contained empty fields")

// Content is the body of a Message.
//
// The set of implementations is closed: every consumer switches over the concrete types
// it handles, and rejects the others with ErrUnexpectedContent.
type Content interface {
	// Kind returns the discriminant used to encode this content.
	Kind() Kind
	// Validate checks that no field is missing.
	Validate() error

	content()
}

// SessionProposal invites a candidate to a session.
type SessionProposal struct {
	Proposal *session.Proposal `cbor:"1,keyasint"`
}

// SessionResponse is a candidate's answer to a SessionProposal.
type SessionResponse struct {
	Accepted bool   `cbor:"1,keyasint"`
	Reason   string `cbor:"2,keyasint,omitempty"`
}

// SessionFinalized carries the agreed descriptor, along with the members that accepted the session.
type SessionFinalized struct {
	Descriptor *session.Descriptor `cbor:"1,keyasint"`
	Members    party.IDSlice       `cbor:"2,keyasint"`
}

// SessionAbort tells participants that the initiator gave up on the session.
type SessionAbort struct {
	Reason string `cbor:"1,keyasint"`
}

// Round1Package carries the public commitment of a participant of the key generation.
type Round1Package struct {
	Sender  party.Identifier     `cbor:"1,keyasint"`
	Package *frost.Round1Package `cbor:"2,keyasint"`
}

// Round2Package carries the secret share sent privately from Sender to Recipient.
type Round2Package struct {
	Sender    party.Identifier     `cbor:"1,keyasint"`
	Recipient party.Identifier     `cbor:"2,keyasint"`
	Package   *frost.Round2Package `cbor:"3,keyasint"`
}

// SigningRequest asks the members of a session to sign Message.
type SigningRequest struct {
	Message         []byte `cbor:"1,keyasint"`
	RequiredSigners int    `cbor:"2,keyasint"`
}

// SigningAcceptance is a member's answer to a SigningRequest.
type SigningAcceptance struct {
	Accepted bool `cbor:"1,keyasint"`
}

// SigningSelection fixes the signers of a request.
type SigningSelection struct {
	Signers party.IDSlice `cbor:"1,keyasint"`
}

// SigningCommitment carries the nonce commitment of a selected signer.
type SigningCommitment struct {
	Sender     party.Identifier  `cbor:"1,keyasint"`
	Commitment *frost.Commitment `cbor:"2,keyasint"`
}

// SignatureShare carries the response of a selected signer.
type SignatureShare struct {
	Sender party.Identifier      `cbor:"1,keyasint"`
	Share  *frost.SignatureShare `cbor:"2,keyasint"`
}

func (*SessionProposal) Kind() Kind   { return KindSessionProposal }
func (*SessionResponse) Kind() Kind   { return KindSessionResponse }
func (*SessionFinalized) Kind() Kind  { return KindSessionFinalized }
func (*SessionAbort) Kind() Kind      { return KindSessionAbort }
func (*Round1Package) Kind() Kind     { return KindRound1Package }
func (*Round2Package) Kind() Kind     { return KindRound2Package }
func (*SigningRequest) Kind() Kind    { return KindSigningRequest }
func (*SigningAcceptance) Kind() Kind { return KindSigningAcceptance }
func (*SigningSelection) Kind() Kind  { return KindSigningSelection }
func (*SigningCommitment) Kind() Kind { return KindSigningCommitment }
func (*SignatureShare) Kind() Kind    { return KindSignatureShare }

func (*SessionProposal) content()   {}
func (*SessionResponse) content()   {}
func (*SessionFinalized) content()  {}
func (*SessionAbort) content()      {}
func (*Round1Package) content()     {}
func (*Round2Package) content()     {}
func (*SigningRequest) content()    {}
func (*SigningAcceptance) content() {}
func (*SigningSelection) content()  {}
func (*SigningCommitment) content() {}
func (*SignatureShare) content()    {}

func (c *SessionProposal) Validate() error {
	if c.Proposal == nil {
		return ErrNilFields
	}
	return c.Proposal.Validate()
}

func (*SessionResponse) Validate() error { return nil }

func (c *SessionFinalized) Validate() error {
	if c.Descriptor == nil || len(c.Members) == 0 {
		return ErrNilFields
	}
	return c.Descriptor.Validate()
}

func (*SessionAbort) Validate() error { return nil }

func (c *Round1Package) Validate() error {
	if c.Sender == 0 || c.Package == nil || c.Package.Commitment == nil || c.Package.Proof == nil ||
		c.Package.Proof.R == nil || c.Package.Proof.Z == nil {
		return ErrNilFields
	}
	return nil
}

func (c *Round2Package) Validate() error {
	if c.Sender == 0 || c.Recipient == 0 || c.Package == nil || c.Package.Share == nil {
		return ErrNilFields
	}
	return nil
}

func (c *SigningRequest) Validate() error {
	if c.RequiredSigners < 1 {
		return ErrNilFields
	}
	return nil
}

func (*SigningAcceptance) Validate() error { return nil }

func (c *SigningSelection) Validate() error {
	if !c.Signers.Valid() {
		return ErrNilFields
	}
	return nil
}

func (c *SigningCommitment) Validate() error {
	if c.Sender == 0 || c.Commitment == nil || c.Commitment.D == nil || c.Commitment.E == nil {
		return ErrNilFields
	}
	return nil
}

func (c *SignatureShare) Validate() error {
	if c.Sender == 0 || c.Share == nil || c.Share.Z == nil {
		return ErrNilFields
	}
	return nil
}

// NewContent returns an empty Content for the given kind, ready for decoding.
func NewContent(kind Kind) (Content, error) {
	switch kind {
	case KindSessionProposal:
		return &SessionProposal{}, nil
	case KindSessionResponse:
		return &SessionResponse{}, nil
	case KindSessionFinalized:
		return &SessionFinalized{}, nil
	case KindSessionAbort:
		return &SessionAbort{}, nil
	case KindRound1Package:
		return &Round1Package{}, nil
	case KindRound2Package:
		return &Round2Package{}, nil
	case KindSigningRequest:
		return &SigningRequest{}, nil
	case KindSigningAcceptance:
		return &SigningAcceptance{}, nil
	case KindSigningSelection:
		return &SigningSelection{}, nil
	case KindSigningCommitment:
		return &SigningCommitment{}, nil
	case KindSignatureShare:
		return &SignatureShare{}, nil
	default:
		return nil, ErrUnknownKind
	}
}
