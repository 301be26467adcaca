package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/taurusgroup/tss-mesh/pkg/dkg"
	"github.com/taurusgroup/tss-mesh/pkg/keystore"
	"github.com/taurusgroup/tss-mesh/pkg/mesh"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
	"github.com/taurusgroup/tss-mesh/pkg/session"
	"github.com/taurusgroup/tss-mesh/pkg/sign"
)

// reasonClosed is the reason sent by an initiator closing an established signing session.
const reasonClosed = "session closed"

// sessionLoop is the state of a single session. Only its own goroutine touches it.
type sessionLoop struct {
	node     *Node
	id       string
	self     party.ID
	log      zerolog.Logger
	proposal *session.Proposal
	handle   *Session
	mailbox  *mailbox
	timers   *deadlines

	// exactly one is set
	initiator *session.Initiator
	invitee   *session.Invitee

	descriptor *session.Descriptor
	members    party.IDSlice
	ids        *party.IdentifierMap
	gate       *mesh.Gate
	started    bool
	stalled    bool

	phase      protocol.Phase
	phaseStart time.Time

	// key generation
	dkg *dkg.Coordinator

	// signing
	record   *keystore.Record
	requests map[string]*signingRequest
	queued   []*signingRequest
	ended    map[string]struct{}

	// pending holds packages that arrived before the session knew what to do with them.
	pending []*protocol.Message

	finished bool
	result   *Result
}

type signingRequest struct {
	request    sign.Request
	c          *sign.Coordinator
	state      sign.State
	phaseStart time.Time
	deferred   bool
	// handle is only set on the initiator.
	handle *Request
}

func newSessionLoop(n *Node, p *session.Proposal, initiator *session.Initiator, invitee *session.Invitee) *sessionLoop {
	role := "invitee"
	if initiator != nil {
		role = "initiator"
	}
	s := &sessionLoop{
		node:      n,
		id:        p.SessionID,
		self:      n.self,
		proposal:  p,
		handle:    newSession(p.SessionID, p.Purpose),
		mailbox:   newMailbox(),
		initiator: initiator,
		invitee:   invitee,
		requests:  make(map[string]*signingRequest),
		ended:     make(map[string]struct{}),
		phase:     protocol.PhaseNegotiation,
	}
	s.log = n.log.With().
		Str("session", p.SessionID).
		Stringer("purpose", p.Purpose.Kind).
		Str("role", role).
		Logger()
	s.timers = newDeadlines(n.cfg.Clock, func(d *deadline) { s.mailbox.push(event{deadline: d}) })
	s.phaseStart = n.cfg.Clock.Now()
	return s
}

func (s *sessionLoop) run(ctx context.Context) {
	defer s.node.wg.Done()
	for !s.finished {
		e, ok := s.mailbox.pop()
		if !ok {
			select {
			case <-s.mailbox.signal:
			case <-ctx.Done():
				s.end(s.newResult(ErrClosed))
			}
			continue
		}
		s.dispatch(e)
	}
	s.complete()
}

func (s *sessionLoop) dispatch(e event) {
	switch {
	case e.msg != nil:
		s.handleMessage(e.msg)
	case e.link != nil:
		s.handleLink(e.link.peer, e.link.up)
	case e.deadline != nil:
		if s.timers.expired(e.deadline) {
			s.expire(e.deadline.key)
		}
	case e.call != nil:
		e.call()
	}
}

//
// negotiation
//

// propose sends the proposal to every candidate. It is the first item of an initiator's mailbox.
func (s *sessionLoop) propose() {
	p := s.proposal
	err := s.outbox("").Broadcast(p.Candidates.Remove(s.self), &protocol.SessionProposal{Proposal: p})
	if err != nil {
		s.initiator.Abort(err)
		s.fail(protocol.NewError(protocol.ErrorNegotiation, protocol.PhaseNegotiation, "", err), false)
		return
	}
	s.timers.arm(deadlineKey{kind: deadlineNegotiation}, s.node.cfg.NegotiationTimeout)
	s.log.Info().
		Int("threshold", p.Threshold).
		Int("total", p.Total).
		Strs("candidates", strs(p.Candidates)).
		Msg("session proposed")
	s.negotiated(s.initiator.Start(), "")
}

func (s *sessionLoop) handleNegotiation(from party.ID, content protocol.Content) {
	switch body := content.(type) {
	case *protocol.SessionProposal:
		s.handleProposal(from, body.Proposal)
	case *protocol.SessionResponse:
		s.handleResponse(from, body)
	case *protocol.SessionFinalized:
		s.handleFinalized(from, body)
	case *protocol.SessionAbort:
		s.handleAbort(from, body.Reason)
	default:
		s.log.Warn().Err(protocol.ErrUnexpectedContent).Str("from", string(from)).Str("type", fmt.Sprintf("%T", content)).Msg("ignoring message")
	}
}

func (s *sessionLoop) handleProposal(from party.ID, p *session.Proposal) {
	if s.invitee == nil {
		s.log.Warn().Str("from", string(from)).Msg("ignoring proposal for own session")
		return
	}
	if err := s.invitee.HandleProposal(p); err != nil {
		if from != s.proposal.Initiator {
			s.log.Warn().Err(err).Str("from", string(from)).Msg("ignoring conflicting proposal")
			return
		}
		s.invitee.Abort(err)
		s.fail(protocol.NewError(protocol.ErrorNegotiation, protocol.PhaseNegotiation, from, err), true)
		return
	}
	if s.invitee.State() != session.StateInvited {
		s.log.Debug().Stringer("state", s.invitee.State()).Msg("repeated proposal")
		return
	}
	s.evaluate()
}

// evaluate applies the local policy to a new invitation.
func (s *sessionLoop) evaluate() {
	s.invitee.Evaluate()
	s.timers.arm(deadlineKey{kind: deadlineNegotiation}, s.node.cfg.NegotiationTimeout)
	p := s.proposal
	s.log.Info().Str("initiator", string(p.Initiator)).Int("threshold", p.Threshold).Int("total", p.Total).Msg("invited")

	if p.Purpose.Kind == session.KindSigning {
		record, err := s.node.store.Load(s.node.ctx, p.Purpose.GroupPublicKey)
		if err == nil {
			err = checkRecord(s.self, p, record)
		}
		if err != nil {
			s.log.Info().Err(err).Msg("cannot sign with this key")
			_ = s.decide(false, err.Error())
			return
		}
		s.record = record
	}

	switch s.node.cfg.AcceptSession(p) {
	case Accept:
		_ = s.decide(true, "")
	case Decline:
		_ = s.decide(false, "declined by policy")
	default:
		s.log.Info().Msg("waiting for a decision")
		s.node.reporter.publish(Notice{Kind: NoticeInvited, SessionID: s.id, Proposal: p})
	}
}

// decide answers the initiator.
func (s *sessionLoop) decide(accept bool, reason string) error {
	if s.invitee == nil {
		return fmt.Errorf("%w: %s proposed session %s", ErrWrongPurpose, s.self, s.id)
	}
	if !s.invitee.Decide(accept) {
		return ErrAlreadyDecided
	}
	err := s.outbox("").Send(s.proposal.Initiator, &protocol.SessionResponse{Accepted: accept, Reason: reason})
	if err != nil {
		s.invitee.Abort(err)
		s.fail(protocol.NewError(protocol.ErrorNegotiation, protocol.PhaseNegotiation, "", err), false)
		return err
	}
	if !accept {
		s.log.Info().Str("reason", reason).Msg("session declined")
		s.end(s.newResult(protocol.NewError(protocol.ErrorNegotiation, protocol.PhaseNegotiation, "",
			fmt.Errorf("%w: %s", protocol.ErrDeclined, reason))))
		return nil
	}
	s.log.Info().Msg("session accepted")
	return nil
}

func (s *sessionLoop) handleResponse(from party.ID, body *protocol.SessionResponse) {
	if s.initiator == nil {
		s.log.Warn().Str("from", string(from)).Msg("ignoring response sent to invitee")
		return
	}
	ev, err := s.initiator.HandleResponse(from, body.Accepted)
	if err != nil {
		s.log.Warn().Err(err).Str("from", string(from)).Msg("ignoring response")
		return
	}
	if !body.Accepted {
		s.log.Info().Str("from", string(from)).Str("reason", body.Reason).Msg("candidate declined")
	}
	s.negotiated(ev, from)
}

func (s *sessionLoop) handleFinalized(from party.ID, body *protocol.SessionFinalized) {
	if s.invitee == nil || from != s.proposal.Initiator {
		s.log.Warn().Str("from", string(from)).Msg("ignoring finalization not sent by the initiator")
		return
	}
	ev, err := s.invitee.HandleFinalized(body.Descriptor, body.Members)
	if err != nil {
		s.log.Warn().Err(err).Msg("invalid finalization")
	}
	s.negotiated(ev, from)
}

// negotiated reacts to the outcome of a negotiation input. from is the sender of the input, if any.
func (s *sessionLoop) negotiated(ev session.Event, from party.ID) {
	switch ev {
	case session.EventFinalized:
		if s.initiator != nil {
			s.announce()
		}
		s.finalized()
	case session.EventMemberJoined:
		if s.initiator != nil {
			s.announce()
		}
		s.memberJoined()
	case session.EventLateAcceptance:
		// tell the candidate it was left out
		final := &protocol.SessionFinalized{Descriptor: s.initiator.Descriptor(), Members: s.initiator.Members()}
		if err := s.outbox("").Send(from, final); err != nil {
			s.log.Warn().Err(err).Str("to", string(from)).Msg("failed to send finalization")
		}
	case session.EventExcluded:
		s.log.Info().Msg("excluded from session")
		s.end(s.newResult(protocol.NewError(protocol.ErrorNegotiation, protocol.PhaseNegotiation, "", session.ErrExcluded)))
	case session.EventAborted:
		var culprit party.ID
		err := s.negotiationErr()
		if s.invitee != nil {
			// the initiator sent an inconsistent descriptor
			culprit = from
		}
		s.fail(protocol.NewError(protocol.ErrorNegotiation, protocol.PhaseNegotiation, culprit, err), true)
	}
}

// announce sends the descriptor and members to every candidate, including those left out.
func (s *sessionLoop) announce() {
	final := &protocol.SessionFinalized{Descriptor: s.initiator.Descriptor(), Members: s.initiator.Members()}
	if err := s.outbox("").Broadcast(s.proposal.Candidates.Remove(s.self), final); err != nil {
		s.log.Warn().Err(err).Msg("failed to announce finalization")
	}
}

// finalized sets up the identifiers and the gate of an agreed session.
func (s *sessionLoop) finalized() {
	s.timers.stop(deadlineKey{kind: deadlineNegotiation})
	d, members := s.negotiation()
	ids, err := d.IdentifierMap()
	if err != nil {
		s.fail(protocol.NewError(protocol.ErrorNegotiation, protocol.PhaseNegotiation, "", err), true)
		return
	}
	s.descriptor, s.members, s.ids = d, members, ids
	s.enterPhase(protocol.PhaseMesh)
	s.log.Info().Strs("participants", strs(d.Participants)).Strs("members", strs(members)).Msg("session finalized")

	roster := members
	if d.Purpose.Kind == session.KindKeyGeneration {
		roster = d.Participants
		c, err := dkg.New(dkg.Config{
			Rand:       s.node.cfg.Rand,
			Self:       s.self,
			Descriptor: d,
			Outbox:     s.outbox(""),
			Logger:     &s.log,
			OnBuffered: s.buffered,
		})
		if err != nil {
			s.fail(protocol.NewError(protocol.ErrorProtocol, protocol.PhaseMesh, "", err), true)
			return
		}
		s.dkg = c
		s.replay(func(m *protocol.Message) bool {
			return m.Kind == protocol.KindRound1Package || m.Kind == protocol.KindRound2Package
		})
		if s.finished {
			return
		}
	}

	s.gate = mesh.NewGate(s.self, roster, s.node.linkUp)
	if s.gate.IsReady() {
		s.begin()
		return
	}
	s.timers.arm(deadlineKey{kind: deadlineMesh}, s.node.cfg.MeshTimeout)
	s.log.Info().Strs("waiting", strs(s.gate.Pending())).Msg("waiting for links")
}

func (s *sessionLoop) memberJoined() {
	_, members := s.negotiation()
	for _, id := range members {
		if s.members.Contains(id) {
			continue
		}
		s.log.Info().Str("member", string(id)).Msg("member joined")
		if s.gate != nil && !s.gate.Tracks(id) {
			s.transition(s.gate.Track(id, s.node.linkUp(id)))
		}
	}
	s.members = members
}

func (s *sessionLoop) handleAbort(from party.ID, reason string) {
	initiator := s.proposal.Initiator
	keygen := s.proposal.Purpose.Kind == session.KindKeyGeneration
	switch {
	case from == initiator:
	case keygen && s.descriptor != nil && s.descriptor.Participants.Contains(from):
	case keygen && s.descriptor == nil && s.initiator != nil && s.proposal.Candidates.Contains(from):
	default:
		s.log.Warn().Str("from", string(from)).Str("reason", reason).Msg("ignoring abort")
		return
	}

	if !keygen && s.started && from == initiator && reason == reasonClosed {
		s.log.Info().Msg("session closed by initiator")
		s.end(s.newResult(nil))
		return
	}
	s.log.Warn().Str("from", string(from)).Str("reason", reason).Msg("session aborted by participant")
	err := protocol.NewError(protocol.ErrorNegotiation, s.phase, "", fmt.Errorf("%w by %s: %s", protocol.ErrAborted, from, reason))
	s.abortNegotiation(err)
	// only the initiator relays, so that candidates that were not told by the sender learn about it
	s.fail(err, s.initiator != nil)
}

// negotiation returns the descriptor and members agreed so far.
func (s *sessionLoop) negotiation() (*session.Descriptor, party.IDSlice) {
	if s.initiator != nil {
		return s.initiator.Descriptor(), s.initiator.Members()
	}
	return s.invitee.Descriptor(), s.invitee.Members()
}

func (s *sessionLoop) negotiationErr() error {
	if s.initiator != nil {
		return s.initiator.Err()
	}
	return s.invitee.Err()
}

func (s *sessionLoop) abortNegotiation(err error) {
	if s.initiator != nil {
		s.initiator.Abort(err)
	} else {
		s.invitee.Abort(err)
	}
}

//
// mesh
//

func (s *sessionLoop) handleLink(peer party.ID, up bool) {
	if s.gate == nil || !s.gate.Tracks(peer) {
		return
	}
	if up {
		s.transition(s.gate.LinkUp(peer))
	} else {
		s.transition(s.gate.LinkDown(peer))
	}
}

func (s *sessionLoop) transition(t mesh.Transition) {
	switch t {
	case mesh.Opened:
		if !s.started {
			s.begin()
			return
		}
		if s.stalled {
			s.stalled = false
			s.log.Info().Msg("links recovered")
			s.node.reporter.publish(Notice{Kind: NoticeRecovered, SessionID: s.id})
			s.startQueued()
		}
	case mesh.Closed:
		if !s.started {
			return
		}
		s.stalled = true
		pending := s.gate.Pending()
		s.log.Warn().Strs("waiting", strs(pending)).Msg("session stalled")
		s.node.reporter.publish(Notice{Kind: NoticeStalled, SessionID: s.id, Pending: pending})
	}
}

// begin runs once, when the gate first opens.
func (s *sessionLoop) begin() {
	s.started = true
	s.timers.stop(deadlineKey{kind: deadlineMesh})

	if s.dkg != nil {
		s.enterPhase(protocol.PhaseRound1)
		s.timers.arm(deadlineKey{kind: deadlineRound}, s.node.cfg.RoundTimeout)
		prev := s.dkg.State()
		s.keyGenerated(prev, s.dkg.Start())
		return
	}

	s.enterPhase(protocol.PhaseAcceptance)
	s.log.Info().Msg("session established")
	s.handle.establish()
	s.node.reporter.publish(Notice{Kind: NoticeEstablished, SessionID: s.id})
	s.startQueued()
	s.replay(func(*protocol.Message) bool { return true })
}

// startQueued starts the requests made while the session could not run them.
func (s *sessionLoop) startQueued() {
	queued := s.queued
	s.queued = nil
	for _, r := range queued {
		if err := s.startRequest(r); err != nil {
			r.handle.complete(s.requestResult(r, err))
		}
	}
}

//
// key generation
//

func (s *sessionLoop) handleKeyGeneration(msg *protocol.Message) {
	if s.proposal.Purpose.Kind != session.KindKeyGeneration {
		s.log.Warn().Err(protocol.ErrUnexpectedContent).Str("from", string(msg.From)).Stringer("kind", msg.Kind).Msg("ignoring message")
		return
	}
	if s.dkg == nil {
		s.hold(msg)
		return
	}
	prev := s.dkg.State()
	var err error
	if content, cerr := msg.Content(); cerr != nil {
		err = s.dkg.Reject(msg.From, cerr)
	} else {
		err = s.dkg.Handle(msg.From, content)
	}
	s.keyGenerated(prev, err)
}

// keyGenerated follows the coordinator after it handled an input.
func (s *sessionLoop) keyGenerated(prev dkg.State, err error) {
	state := s.dkg.State()
	if err != nil && !state.Terminal() {
		s.log.Debug().Err(err).Msg("package ignored")
	}
	if state == prev {
		return
	}
	switch state {
	case dkg.Round2Collecting:
		s.enterPhase(protocol.PhaseRound2)
		s.timers.arm(deadlineKey{kind: deadlineRound}, s.node.cfg.RoundTimeout)
	case dkg.Finalized:
		s.log.Info().Msg("key generation complete")
		s.end(s.node.reporter.keyGenerated(s.node.ctx, s.descriptor, s.dkg.Result()))
	case dkg.Failed:
		s.fail(s.dkg.Err(), true)
	}
}

//
// signing
//

// requestSigning starts a request as initiator, or queues it until the session is established
// and every link to its members is up.
func (s *sessionLoop) requestSigning(message []byte) (*Request, error) {
	if s.proposal.Purpose.Kind != session.KindSigning {
		return nil, ErrWrongPurpose
	}
	if s.initiator == nil {
		return nil, ErrNotInitiator
	}
	id := sign.NewRequestID()
	r := &signingRequest{
		request: sign.Request{
			ID:              id,
			Message:         append([]byte(nil), message...),
			RequiredSigners: s.proposal.Threshold,
			Initiator:       s.self,
		},
		handle: newRequest(s.id, id),
	}
	if !s.started || s.stalled {
		s.queued = append(s.queued, r)
		s.log.Info().Str("request", id).Bool("stalled", s.stalled).Msg("request queued until the links are up")
		return r.handle, nil
	}
	if err := s.startRequest(r); err != nil {
		return nil, err
	}
	return r.handle, nil
}

func (s *sessionLoop) startRequest(r *signingRequest) error {
	c, err := sign.New(sign.Config{
		Rand:        s.node.cfg.Rand,
		Self:        s.self,
		Share:       s.record.Share,
		Identifiers: s.ids,
		Members:     s.members,
		Request:     r.request,
		Outbox:      s.outbox(r.request.ID),
		Logger:      &s.log,
		OnBuffered:  s.buffered,
	})
	if err != nil {
		return err
	}
	s.track(r, c)
	if err = c.Start(); err != nil {
		s.log.Debug().Err(err).Msg("request failed to start")
	}
	s.signed(r)
	return nil
}

// track registers the coordinator of a request and arms its deadline.
func (s *sessionLoop) track(r *signingRequest, c *sign.Coordinator) {
	r.c = c
	r.state = c.State()
	r.phaseStart = s.node.cfg.Clock.Now()
	s.requests[r.request.ID] = r
	s.timers.stop(deadlineKey{kind: deadlineHeld, request: r.request.ID})
	s.timers.arm(deadlineKey{kind: deadlineSigning, request: r.request.ID}, s.node.cfg.SigningTimeout)
}

func (s *sessionLoop) handleSigning(msg *protocol.Message) {
	log := s.log.With().Str("from", string(msg.From)).Str("request", msg.RequestID).Stringer("kind", msg.Kind).Logger()
	if s.proposal.Purpose.Kind != session.KindSigning || msg.RequestID == "" {
		log.Warn().Err(protocol.ErrUnexpectedContent).Msg("ignoring message")
		return
	}
	if _, ok := s.ended[msg.RequestID]; ok {
		log.Debug().Msg("late message for ended request")
		return
	}
	r, ok := s.requests[msg.RequestID]
	if !ok {
		if msg.Kind == protocol.KindSigningRequest && s.started {
			s.requested(msg)
			return
		}
		if !s.proposal.Candidates.Contains(msg.From) {
			log.Warn().Err(protocol.ErrUnknownSender).Msg("ignoring message")
			return
		}
		s.hold(msg)
		return
	}

	var err error
	if content, cerr := msg.Content(); cerr != nil {
		err = r.c.Reject(msg.From, cerr)
	} else {
		err = r.c.Handle(msg.From, content)
	}
	if err != nil && !r.c.Done() {
		log.Debug().Err(err).Msg("message ignored")
	}
	s.signed(r)
}

// requested creates the coordinator of a member for a request of the initiator.
func (s *sessionLoop) requested(msg *protocol.Message) {
	log := s.log.With().Str("request", msg.RequestID).Logger()
	if s.initiator != nil || msg.From != s.proposal.Initiator {
		log.Warn().Str("from", string(msg.From)).Msg("ignoring signing request not sent by the initiator")
		return
	}
	content, err := msg.Content()
	if err != nil {
		log.Warn().Err(err).Msg("ignoring signing request")
		return
	}
	body := content.(*protocol.SigningRequest)
	r := &signingRequest{request: sign.Request{
		ID:              msg.RequestID,
		Message:         body.Message,
		RequiredSigners: body.RequiredSigners,
		Initiator:       msg.From,
	}}
	c, err := sign.New(sign.Config{
		Rand:        s.node.cfg.Rand,
		Self:        s.self,
		Share:       s.record.Share,
		Identifiers: s.ids,
		// the initiator may have asked holders that joined after us
		Members:    s.descriptor.Participants,
		Request:    r.request,
		Outbox:     s.outbox(r.request.ID),
		Logger:     &s.log,
		OnBuffered: s.buffered,
	})
	if err != nil {
		log.Warn().Err(err).Msg("rejecting signing request")
		s.ended[r.request.ID] = struct{}{}
		if err = s.outbox(r.request.ID).Send(msg.From, &protocol.SigningAcceptance{Accepted: false}); err != nil {
			log.Warn().Err(err).Msg("failed to decline")
		}
		return
	}
	s.track(r, c)
	s.replay(func(m *protocol.Message) bool { return m.RequestID == r.request.ID })
	if _, ok := s.requests[r.request.ID]; !ok || s.finished {
		return
	}

	switch s.node.cfg.AcceptSigning(SigningRequest{
		SessionID:      s.id,
		RequestID:      r.request.ID,
		Initiator:      r.request.Initiator,
		Message:        r.request.Message,
		GroupPublicKey: s.proposal.Purpose.GroupPublicKey,
	}) {
	case Accept:
		s.answer(r, true)
	case Decline:
		s.answer(r, false)
	default:
		r.deferred = true
		log.Info().Msg("waiting for a signing decision")
		s.node.reporter.publish(Notice{
			Kind:      NoticeSigningRequested,
			SessionID: s.id,
			RequestID: r.request.ID,
			Request: &SigningRequest{
				SessionID:      s.id,
				RequestID:      r.request.ID,
				Initiator:      r.request.Initiator,
				Message:        r.request.Message,
				GroupPublicKey: s.proposal.Purpose.GroupPublicKey,
			},
		})
	}
}

func (s *sessionLoop) answer(r *signingRequest, accept bool) {
	var err error
	if accept {
		err = r.c.Accept()
	} else {
		err = r.c.Decline()
	}
	if err != nil {
		s.log.Debug().Err(err).Str("request", r.request.ID).Msg("answer failed")
	}
	s.signed(r)
}

func (s *sessionLoop) decideSigning(requestID string, accept bool) error {
	r, ok := s.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if !r.deferred {
		return ErrAlreadyDecided
	}
	r.deferred = false
	s.answer(r, accept)
	return nil
}

// signed follows a request coordinator after it handled an input, and reports it once done.
func (s *sessionLoop) signed(r *signingRequest) {
	key := deadlineKey{kind: deadlineSigning, request: r.request.ID}
	now := s.node.cfg.Clock.Now()
	if state := r.c.State(); state != r.state {
		s.node.metrics.PhaseFinished(string(r.state.Phase()), now.Sub(r.phaseStart))
		r.state, r.phaseStart = state, now
		if !r.c.Done() {
			s.timers.arm(key, s.node.cfg.SigningTimeout)
		}
	}
	if !r.c.Done() {
		return
	}
	s.timers.stop(key)
	delete(s.requests, r.request.ID)
	s.ended[r.request.ID] = struct{}{}

	res := s.requestResult(r, r.c.Err())
	s.node.metrics.SignatureFinished(res.Outcome.String())
	s.node.reporter.result(res)
	if r.handle != nil {
		r.handle.complete(res)
	}
}

func (s *sessionLoop) requestResult(r *signingRequest, err error) *Result {
	res := &Result{
		SessionID:      s.id,
		RequestID:      r.request.ID,
		Purpose:        s.proposal.Purpose,
		GroupPublicKey: s.proposal.Purpose.GroupPublicKey,
		Outcome:        sign.Aborted,
		Err:            err,
	}
	if s.descriptor != nil {
		res.Participants = s.descriptor.Participants.Copy()
	}
	if r.c != nil {
		res.Signature = r.c.Signature()
		res.Signers = r.c.Signers().Copy()
		res.Outcome = r.c.Outcome()
		res.Warnings = r.c.Warnings()
	}
	return res
}

//
// deadlines and failures
//

func (s *sessionLoop) expire(key deadlineKey) {
	switch key.kind {
	case deadlineNegotiation:
		err := protocol.NewError(protocol.ErrorTimeout, protocol.PhaseNegotiation, "", protocol.ErrTimeout)
		s.log.Warn().Msg("negotiation timed out")
		s.abortNegotiation(err)
		s.fail(err, true)
	case deadlineMesh:
		err := protocol.NewError(protocol.ErrorMesh, protocol.PhaseMesh, "",
			fmt.Errorf("%w: waiting for %v", protocol.ErrMeshNotReady, s.gate.Pending()))
		s.log.Warn().Strs("waiting", strs(s.gate.Pending())).Msg("links never came up")
		s.fail(err, true)
	case deadlineRound:
		err := protocol.NewError(protocol.ErrorTimeout, s.dkg.State().Phase(), "", protocol.ErrTimeout)
		s.log.Warn().Stringer("state", s.dkg.State()).Msg("key generation timed out")
		s.dkg.Fail(err)
		s.fail(err, true)
	case deadlineSigning:
		r, ok := s.requests[key.request]
		if !ok {
			return
		}
		s.log.Warn().Str("request", key.request).Stringer("state", r.c.State()).Msg("signing timed out")
		r.c.Fail(protocol.NewError(protocol.ErrorTimeout, r.c.State().Phase(), "", protocol.ErrTimeout))
		s.signed(r)
	case deadlineHeld:
		s.forget(key.request)
	}
}

// abort is the local equivalent of an immediate deadline.
func (s *sessionLoop) abort() {
	err := protocol.NewError(protocol.ErrorTimeout, s.phase, "", protocol.ErrAborted)
	s.log.Info().Msg("aborting session")
	s.abortNegotiation(err)
	if s.dkg != nil {
		s.dkg.Fail(err)
	}
	s.fail(err, true)
}

// close ends an established signing session without error.
func (s *sessionLoop) close() error {
	if s.proposal.Purpose.Kind != session.KindSigning || !s.started {
		return ErrWrongPurpose
	}
	if s.initiator != nil {
		if err := s.outbox("").Broadcast(s.members.Remove(s.self), &protocol.SessionAbort{Reason: reasonClosed}); err != nil {
			s.log.Warn().Err(err).Msg("failed to announce close")
		}
	}
	s.log.Info().Msg("closing session")
	s.end(s.newResult(nil))
	return nil
}

// fail ends the session with err. If notify is set, the participants that would otherwise
// wait for this node are told.
func (s *sessionLoop) fail(err error, notify bool) {
	if s.finished {
		return
	}
	s.log.Error().Err(err).Msg("session failed")
	if notify {
		if to := s.abortAudience(); len(to) > 0 {
			if serr := s.outbox("").Broadcast(to, &protocol.SessionAbort{Reason: err.Error()}); serr != nil {
				s.log.Warn().Err(serr).Msg("failed to send abort")
			}
		}
	}
	s.end(s.newResult(err))
}

// abortAudience returns the participants waiting for this node.
// Signing sessions go on without a member that leaves, so only their initiator tells anyone.
func (s *sessionLoop) abortAudience() party.IDSlice {
	switch {
	case s.initiator != nil:
		return s.proposal.Candidates.Remove(s.self)
	case s.proposal.Purpose.Kind == session.KindSigning:
		return nil
	case s.descriptor != nil:
		return s.descriptor.Others(s.self)
	default:
		return party.IDSlice{s.proposal.Initiator}
	}
}

// end stops the session. The loop completes it once the current item is handled.
func (s *sessionLoop) end(res *Result) {
	if s.finished {
		return
	}
	s.finished = true
	s.result = res
	s.timers.stopAll()

	cause := res.Err
	if cause == nil {
		cause = ErrSessionClosed
	}
	for _, r := range s.requests {
		r.c.Fail(protocol.NewError(protocol.ErrorTimeout, r.c.State().Phase(), "", fmt.Errorf("%w: %v", protocol.ErrAborted, cause)))
		s.signed(r)
	}
	for _, r := range s.queued {
		r.handle.complete(s.requestResult(r, cause))
	}
	s.queued = nil
	s.pending = nil
}

// complete publishes the result of an ended session. It runs once, after the loop exits.
func (s *sessionLoop) complete() {
	s.mailbox.close()
	s.enterPhase("")
	s.node.retire(s, s.status())
	s.node.metrics.SessionFinished(s.proposal.Purpose.Kind.String(), resultLabel(s.result.Err))
	s.node.reporter.result(s.result)
	s.handle.complete(s.result)
}

func (s *sessionLoop) newResult(err error) *Result {
	res := &Result{
		SessionID: s.id,
		Purpose:   s.proposal.Purpose,
		Outcome:   sign.Pending,
		Err:       err,
	}
	if s.proposal.Purpose.Kind == session.KindSigning {
		res.GroupPublicKey = s.proposal.Purpose.GroupPublicKey
	}
	if s.descriptor != nil {
		res.Participants = s.descriptor.Participants.Copy()
	}
	return res
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrClosed):
		return "closed"
	}
	if kind := protocol.KindOf(err); kind != 0 {
		return kind.String()
	}
	return "error"
}

//
// helpers
//

func (s *sessionLoop) handleMessage(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindSessionProposal, protocol.KindSessionResponse, protocol.KindSessionFinalized, protocol.KindSessionAbort:
		content, err := msg.Content()
		if err != nil {
			s.log.Warn().Err(err).Str("from", string(msg.From)).Msg("dropping negotiation message")
			return
		}
		s.handleNegotiation(msg.From, content)
	case protocol.KindRound1Package, protocol.KindRound2Package:
		s.handleKeyGeneration(msg)
	case protocol.KindSigningRequest, protocol.KindSigningAcceptance, protocol.KindSigningSelection,
		protocol.KindSigningCommitment, protocol.KindSignatureShare:
		s.handleSigning(msg)
	default:
		s.log.Warn().Err(protocol.ErrUnknownKind).Str("from", string(msg.From)).Stringer("kind", msg.Kind).Msg("dropping message")
	}
}

// hold keeps msg until the session can hand it to a coordinator.
func (s *sessionLoop) hold(msg *protocol.Message) {
	if len(s.pending) >= s.node.cfg.MaxPending {
		s.log.Warn().Str("from", string(msg.From)).Stringer("kind", msg.Kind).Msg("too many pending messages, dropping")
		s.node.metrics.FrameDropped()
		return
	}
	s.pending = append(s.pending, msg)
	s.log.Debug().Str("from", string(msg.From)).Stringer("kind", msg.Kind).Int("pending", len(s.pending)).Msg("holding message")
	s.buffered(msg.Kind.Phase())

	// a request that never shows up must not keep its messages past a signing deadline
	if key := (deadlineKey{kind: deadlineHeld, request: msg.RequestID}); msg.RequestID != "" && !s.timers.active(key) {
		s.timers.arm(key, s.node.cfg.SigningTimeout)
	}
}

// forget drops the pending messages of a request that never started here.
func (s *sessionLoop) forget(requestID string) {
	kept := s.pending[:0]
	dropped := 0
	for _, m := range s.pending {
		if m.RequestID == requestID {
			dropped++
			s.node.metrics.FrameDropped()
			continue
		}
		kept = append(kept, m)
	}
	s.pending = kept
	if dropped > 0 {
		s.log.Warn().Str("request", requestID).Int("dropped", dropped).Msg("dropping messages of an unknown request")
	}
}

// replay handles again the pending messages matching keep, in arrival order.
func (s *sessionLoop) replay(match func(*protocol.Message) bool) {
	var matched, rest []*protocol.Message
	for _, m := range s.pending {
		if match(m) {
			matched = append(matched, m)
		} else {
			rest = append(rest, m)
		}
	}
	s.pending = rest
	for _, m := range matched {
		if s.finished {
			return
		}
		s.handleMessage(m)
	}
}

func (s *sessionLoop) buffered(phase protocol.Phase) {
	s.node.metrics.PackageBuffered(string(phase))
}

func (s *sessionLoop) enterPhase(phase protocol.Phase) {
	now := s.node.cfg.Clock.Now()
	if s.phase != "" {
		s.node.metrics.PhaseFinished(string(s.phase), now.Sub(s.phaseStart))
	}
	s.phase, s.phaseStart = phase, now
}

func (s *sessionLoop) outbox(requestID string) protocol.Outbox {
	return s.node.dispatcher.Outbox(s.id, requestID)
}

func strs(ids []party.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
