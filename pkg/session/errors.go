package session

import "errors"

var (
	ErrParameterMismatch       = errors.New("session: parameter mismatch")
	ErrInsufficientAcceptances = errors.New("session: insufficient acceptances")
	ErrDeclined                = errors.New("session: declined")
	ErrExcluded                = errors.New("session: not selected as participant")
	ErrUnknownParticipant      = errors.New("session: unknown participant")
	ErrClosed                  = errors.New("session: negotiation already closed")
)
