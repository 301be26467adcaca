package engine

import (
	"context"
	"sync"

	"github.com/taurusgroup/tss-mesh/pkg/session"
)

// Session is a handle on a session run by a Node.
type Session struct {
	id      string
	purpose session.Purpose

	done   chan struct{}
	result *Result

	establishOnce sync.Once
	established   chan struct{}
}

func newSession(id string, purpose session.Purpose) *Session {
	return &Session{
		id:          id,
		purpose:     purpose,
		done:        make(chan struct{}),
		established: make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Purpose returns what the session is for.
func (s *Session) Purpose() session.Purpose { return s.purpose }

// Done is closed when the session ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ended and returns its Result.
// The returned error is only ever ctx.Err(); failures of the session are in Result.Err.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Established blocks until a signing session is ready to sign.
// It returns the error of the session if it ended before that.
func (s *Session) Established(ctx context.Context) error {
	select {
	case <-s.established:
		return nil
	case <-s.done:
		if s.result.Err != nil {
			return s.result.Err
		}
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) establish() {
	s.establishOnce.Do(func() { close(s.established) })
}

// complete must be called exactly once.
func (s *Session) complete(res *Result) {
	s.result = res
	close(s.done)
}

// Request is a handle on a signing request made by the local node.
type Request struct {
	id        string
	sessionID string

	done   chan struct{}
	result *Result
}

func newRequest(sessionID, id string) *Request {
	return &Request{id: id, sessionID: sessionID, done: make(chan struct{})}
}

// ID returns the request identifier.
func (r *Request) ID() string { return r.id }

// SessionID returns the session the request belongs to.
func (r *Request) SessionID() string { return r.sessionID }

// Done is closed when the request ended.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request ended and returns its Result.
func (r *Request) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Request) complete(res *Result) {
	r.result = res
	close(r.done)
}
