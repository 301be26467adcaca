package protocol

import (
	"errors"
	"fmt"

	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/session"
)

// ErrorKind is the category of a failure reported to callers.
type ErrorKind uint8

const (
	// ErrorNegotiation covers parameter mismatches, declines and insufficient acceptances.
	ErrorNegotiation ErrorKind = iota + 1
	// ErrorMesh is reported when the links to the other participants never come up.
	ErrorMesh
	// ErrorProtocol is reported when the primitive rejects a package.
	ErrorProtocol
	// ErrorTimeout is reported when the deadline of a pending state expires.
	ErrorTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNegotiation:
		return "negotiation"
	case ErrorMesh:
		return "mesh"
	case ErrorProtocol:
		return "protocol"
	case ErrorTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("error-kind(%d)", uint8(k))
	}
}

var (
	ErrTimeout           = errors.New("protocol: deadline expired")
	ErrAborted           = errors.New("protocol: aborted")
	ErrMeshNotReady      = errors.New("protocol: links to participants are not ready")
	ErrDuplicate         = errors.New("protocol: duplicate message")
	ErrUnknownSender     = errors.New("protocol: message from unknown sender")
	ErrUnknownSession    = errors.New("protocol: message for unknown session")
	ErrUnexpectedContent = errors.New("protocol: unexpected message content")
	ErrWrongRecipient    = errors.New("protocol: message for another recipient")

	ErrDeclined                = session.ErrDeclined
	ErrParameterMismatch       = session.ErrParameterMismatch
	ErrInsufficientAcceptances = session.ErrInsufficientAcceptances
)

// Error is a custom error for protocols which contains information about the phase in which it occurred,
// and the party responsible.
type Error struct {
	// Kind is the category of the failure.
	Kind ErrorKind
	// Phase where the error occurred.
	Phase Phase
	// Culprit is empty if the identity of the misbehaving party cannot be known.
	Culprit party.ID
	// Err is the underlying error.
	Err error
}

// NewError returns an *Error, or nil if err is nil.
func NewError(kind ErrorKind, phase Phase, culprit party.ID, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Phase: phase, Culprit: culprit, Err: err}
}

func (e *Error) Error() string {
	if e.Culprit == "" {
		return fmt.Sprintf("%s error: %s: %s", e.Kind, e.Phase, e.Err)
	}
	return fmt.Sprintf("%s error: %s: party %s: %s", e.Kind, e.Phase, e.Culprit, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CulpritOf returns the participant blamed for err, if any.
func CulpritOf(err error) party.ID {
	var e *Error
	if errors.As(err, &e) {
		return e.Culprit
	}
	return ""
}
