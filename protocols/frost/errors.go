package frost

import (
	"errors"
	"fmt"

	"github.com/taurusgroup/tss-mesh/pkg/party"
)

var (
	ErrInvalidParameters = errors.New("frost: invalid parameters")
	ErrWrongState        = errors.New("frost: operation called out of order")
	ErrMissingPackage    = errors.New("frost: missing package")
	ErrUnexpectedPackage = errors.New("frost: package from unexpected participant")
	ErrInvalidProof      = errors.New("frost: invalid proof of knowledge")
	ErrInvalidCommitment = errors.New("frost: invalid commitment")
	ErrInvalidShare      = errors.New("frost: share does not match commitment")
	ErrNonceReuse        = errors.New("frost: signer already used")
	ErrInvalidSignature  = errors.New("frost: aggregated signature is invalid")
)

// Error is returned when a package from a specific participant causes a failure.
type Error struct {
	// Culprit is the participant whose package was rejected.
	Culprit party.Identifier
	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("frost: participant %d: %v", e.Culprit, e.Err)
}

// Unwrap implements errors.Wrapper.
func (e *Error) Unwrap() error {
	return e.Err
}

func culprit(id party.Identifier, err error) error {
	return &Error{Culprit: id, Err: err}
}
