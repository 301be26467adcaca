// Package engine runs threshold sessions for one participant.
//
// A Node owns the transport of its participant. Every session gets its own goroutine and
// mailbox: inbound packages, link changes, deadlines and local API calls are all items of
// that mailbox, so the state of a session is only ever touched by one goroutine. Sessions
// share nothing but the link table of the node.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/taurusgroup/tss-mesh/pkg/keystore"
	"github.com/taurusgroup/tss-mesh/pkg/metrics"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
	"github.com/taurusgroup/tss-mesh/pkg/session"
	"github.com/taurusgroup/tss-mesh/pkg/transport"
)

var (
	// ErrClosed is returned by a Node after Close, and is the error of the sessions it interrupted.
	ErrClosed = errors.New("engine: node closed")
	// ErrSessionClosed is returned when calling into a session that already ended.
	ErrSessionClosed = errors.New("engine: session closed")
	// ErrNotInitiator is returned when a node asks for a signature in a session it did not propose.
	ErrNotInitiator = errors.New("engine: only the initiator may request signatures")
	// ErrWrongPurpose is returned when an operation does not apply to the purpose of the session.
	ErrWrongPurpose = errors.New("engine: operation does not apply to this session")
	// ErrUnknownRequest is returned for a signing request the session does not know.
	ErrUnknownRequest = errors.New("engine: unknown signing request")
	// ErrAlreadyDecided is returned when answering an invitation or a request twice.
	ErrAlreadyDecided = errors.New("engine: already decided")
)

// Node is the coordination engine of a single participant.
type Node struct {
	cfg        Config
	log        zerolog.Logger
	self       party.ID
	transport  transport.Transport
	store      keystore.Store
	dispatcher *transport.Dispatcher
	reporter   *reporter
	metrics    metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mtx      sync.RWMutex
	links    map[party.ID]bool
	sessions map[string]*sessionLoop
	// tombstones maps the ids of ended sessions to their final Status.
	tombstones *lru.Cache
}

// New returns a Node sending and receiving over t, and keeping its key shares in store.
// Nothing is received until Run is called.
func New(cfg Config, t transport.Transport, store keystore.Store) (*Node, error) {
	if t == nil || store == nil {
		return nil, errors.New("engine: missing transport or key store")
	}
	cfg = cfg.withDefaults()

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	log = log.With().Str("party", string(t.Self())).Logger()

	tombstones, err := lru.New(cfg.Tombstones)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		log:        log.With().Str("component", "engine").Logger(),
		self:       t.Self(),
		transport:  t,
		store:      store,
		reporter:   newReporter(store, log.With().Str("component", "reporter").Logger()),
		metrics:    cfg.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		links:      make(map[party.ID]bool),
		sessions:   make(map[string]*sessionLoop),
		tombstones: tombstones,
	}
	n.dispatcher = transport.NewDispatcher(t, transport.DispatcherConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		RetryBase:  cfg.RetryBase,
		MaxHold:    cfg.longestTimeout(),
		Logger:     &log,
		OnDropped:  func(party.ID, error) { n.metrics.FrameDropped() },
	})
	return n, nil
}

// Self returns the participant this node runs for.
func (n *Node) Self() party.ID { return n.self }

// Run pumps the events of the transport until ctx is done, the transport closes, or Close is called.
// The node is closed when Run returns.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()
	events := n.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ctx.Done():
			return ErrClosed
		case e, ok := <-events:
			if !ok {
				return transport.ErrClosed
			}
			n.handleEvent(e)
		}
	}
}

// Close interrupts every running session and stops sending. It is safe to call more than once.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.cancel()
		// sessions only start while holding the lock, after checking the context
		n.mtx.Lock()
		n.mtx.Unlock()
		n.wg.Wait()
		n.dispatcher.Stop()
		n.log.Info().Msg("node closed")
	})
}

func (n *Node) handleEvent(e transport.Event) {
	switch e.Kind {
	case transport.Received:
		n.receive(e.Peer, e.Data)
	case transport.LinkUp:
		n.setLink(e.Peer, true)
	case transport.LinkDown:
		n.setLink(e.Peer, false)
	default:
		n.log.Warn().Stringer("kind", e.Kind).Msg("unknown transport event")
	}
}

func (n *Node) setLink(peer party.ID, up bool) {
	n.mtx.Lock()
	n.links[peer] = up
	sessions := make([]*sessionLoop, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mtx.Unlock()

	n.log.Debug().Str("peer", string(peer)).Bool("up", up).Msg("link changed")
	if up {
		n.dispatcher.LinkUp(peer)
	}
	for _, s := range sessions {
		s.mailbox.push(event{link: &linkChange{peer: peer, up: up}})
	}
}

// linkUp reports the last known state of the link to peer.
func (n *Node) linkUp(peer party.ID) bool {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.links[peer]
}

// receive routes a frame to its session. A proposal for a session this node never saw creates it.
func (n *Node) receive(from party.ID, data []byte) {
	msg := new(protocol.Message)
	if err := msg.UnmarshalBinary(data); err != nil {
		n.log.Warn().Err(err).Str("from", string(from)).Msg("dropping undecodable frame")
		n.metrics.FrameDropped()
		return
	}
	log := n.log.With().Str("session", msg.SessionID).Str("from", string(from)).Stringer("kind", msg.Kind).Logger()
	if msg.From != from {
		log.Warn().Str("claimed", string(msg.From)).Msg("dropping message with forged sender")
		n.metrics.FrameDropped()
		return
	}
	if !msg.IsFor(n.self) {
		log.Warn().Err(protocol.ErrWrongRecipient).Str("to", string(msg.To)).Msg("dropping message")
		return
	}

	n.mtx.Lock()
	s, ok := n.sessions[msg.SessionID]
	if !ok {
		switch {
		case n.ctx.Err() != nil:
			n.mtx.Unlock()
			return
		case n.tombstones.Contains(msg.SessionID):
			n.mtx.Unlock()
			log.Debug().Msg("late message for ended session")
			return
		case msg.Kind != protocol.KindSessionProposal:
			n.mtx.Unlock()
			log.Warn().Err(protocol.ErrUnknownSession).Msg("dropping message")
			return
		}
		var err error
		if s, err = n.invited(msg); err != nil {
			n.mtx.Unlock()
			log.Warn().Err(err).Msg("dropping invalid proposal")
			return
		}
	}
	n.mtx.Unlock()
	s.mailbox.push(event{msg: msg})
}

// invited creates the session for a new proposal. n.mtx must be held.
func (n *Node) invited(msg *protocol.Message) (*sessionLoop, error) {
	content, err := msg.Content()
	if err != nil {
		return nil, err
	}
	p := content.(*protocol.SessionProposal).Proposal
	if p.SessionID != msg.SessionID || p.Initiator != msg.From {
		return nil, fmt.Errorf("%w: proposal of %s for session %s", protocol.ErrParameterMismatch, p.Initiator, p.SessionID)
	}
	invitee, err := session.NewInvitee(n.self, p)
	if err != nil {
		return nil, err
	}
	s := newSessionLoop(n, p, nil, invitee)
	n.start(s)
	return s, nil
}

// start registers s and runs its loop. n.mtx must be held.
func (n *Node) start(s *sessionLoop) {
	n.sessions[s.id] = s
	n.wg.Add(1)
	n.metrics.SessionStarted(s.proposal.Purpose.Kind.String())
	go s.run(n.ctx)
}

// retire forgets a session that ended, keeping its final status.
func (n *Node) retire(s *sessionLoop, status *Status) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.sessions, s.id)
	n.tombstones.Add(s.id, status)
}

func (n *Node) lookup(sessionID string) (*sessionLoop, error) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	s, ok := n.sessions[sessionID]
	if !ok {
		if n.tombstones.Contains(sessionID) {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownSession, sessionID)
	}
	return s, nil
}

// call runs fn on the loop of the session and returns its error.
func (n *Node) call(ctx context.Context, sessionID string, fn func(s *sessionLoop) error) error {
	s, err := n.lookup(sessionID)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if !s.mailbox.push(event{call: func() { reply <- fn(s) }}) {
		return ErrSessionClosed
	}
	select {
	case err = <-reply:
		return err
	case <-s.handle.done:
		// the reply is sent before the session completes
		select {
		case err = <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Propose starts a session as its initiator, and invites the candidates.
// The local node is added to the candidates if missing.
//
// For signing, purpose names the group public key, and the local node must hold a share of
// it: candidates must then be every holder, and threshold and total those of the key.
func (n *Node) Propose(ctx context.Context, threshold, total int, candidates []party.ID, purpose session.Purpose) (*Session, error) {
	if n.ctx.Err() != nil {
		return nil, ErrClosed
	}
	ids := party.NewIDSlice(candidates)
	if !ids.Contains(n.self) {
		ids = party.NewIDSlice(append(ids, n.self))
	}
	p := &session.Proposal{
		SessionID:  session.NewSessionID(),
		Threshold:  threshold,
		Total:      total,
		Candidates: ids,
		Purpose:    purpose,
		Initiator:  n.self,
	}

	var record *keystore.Record
	if purpose.Kind == session.KindSigning {
		var err error
		if record, err = n.store.Load(ctx, purpose.GroupPublicKey); err != nil {
			return nil, fmt.Errorf("engine: cannot sign with %s: %w", purpose, err)
		}
		if err = checkRecord(n.self, p, record); err != nil {
			return nil, err
		}
	}

	initiator, err := session.NewInitiator(p)
	if err != nil {
		return nil, err
	}
	s := newSessionLoop(n, p, initiator, nil)
	s.record = record

	n.mtx.Lock()
	if n.ctx.Err() != nil {
		n.mtx.Unlock()
		return nil, ErrClosed
	}
	n.start(s)
	n.mtx.Unlock()

	s.mailbox.push(event{call: s.propose})
	return s.handle, nil
}

// ProposeSigning starts a signing session with every holder of the key of groupPublicKey.
func (n *Node) ProposeSigning(ctx context.Context, groupPublicKey []byte) (*Session, error) {
	record, err := n.store.Load(ctx, groupPublicKey)
	if err != nil {
		return nil, fmt.Errorf("engine: cannot sign: %w", err)
	}
	return n.Propose(ctx, record.Share.Threshold, len(record.Participants), record.Participants, session.Signing(groupPublicKey))
}

// checkRecord verifies that the stored share can serve the signing proposal p.
func checkRecord(self party.ID, p *session.Proposal, r *keystore.Record) error {
	switch {
	case r.Owner() != self:
		return fmt.Errorf("%w: share is held by %s", protocol.ErrParameterMismatch, r.Owner())
	case r.Share.Threshold != p.Threshold, len(r.Participants) != p.Total:
		return fmt.Errorf("%w: key is %d-of-%d", protocol.ErrParameterMismatch, r.Share.Threshold, len(r.Participants))
	case !r.Participants.Equal(p.Candidates):
		return fmt.Errorf("%w: candidates are not the holders of the key", protocol.ErrParameterMismatch)
	}
	return nil
}

// Session returns the handle of a running session.
func (n *Node) Session(sessionID string) (*Session, bool) {
	s, err := n.lookup(sessionID)
	if err != nil {
		return nil, false
	}
	return s.handle, true
}

// AcceptSession accepts an invitation that the AcceptSession policy deferred.
func (n *Node) AcceptSession(ctx context.Context, sessionID string) error {
	return n.call(ctx, sessionID, func(s *sessionLoop) error { return s.decide(true, "") })
}

// DeclineSession declines an invitation that the AcceptSession policy deferred.
func (n *Node) DeclineSession(ctx context.Context, sessionID string) error {
	return n.call(ctx, sessionID, func(s *sessionLoop) error { return s.decide(false, "declined by operator") })
}

// RequestSigning asks the members of an established signing session to sign message.
// Only the initiator of the session may call it. A request made before the session is
// established is started as soon as it is.
func (n *Node) RequestSigning(ctx context.Context, sessionID string, message []byte) (*Request, error) {
	var req *Request
	err := n.call(ctx, sessionID, func(s *sessionLoop) error {
		var err error
		req, err = s.requestSigning(message)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// AcceptSigning agrees to sign a request that the AcceptSigning policy deferred.
func (n *Node) AcceptSigning(ctx context.Context, sessionID, requestID string) error {
	return n.call(ctx, sessionID, func(s *sessionLoop) error { return s.decideSigning(requestID, true) })
}

// DeclineSigning refuses to sign a request that the AcceptSigning policy deferred.
func (n *Node) DeclineSigning(ctx context.Context, sessionID, requestID string) error {
	return n.call(ctx, sessionID, func(s *sessionLoop) error { return s.decideSigning(requestID, false) })
}

// CloseSession ends an established signing session. Requests still running are aborted.
func (n *Node) CloseSession(ctx context.Context, sessionID string) error {
	return n.call(ctx, sessionID, func(s *sessionLoop) error { return s.close() })
}

// Abort ends a session as if its current deadline expired.
func (n *Node) Abort(ctx context.Context, sessionID string) error {
	return n.call(ctx, sessionID, func(s *sessionLoop) error {
		s.abort()
		return nil
	})
}

// Status returns a snapshot of a running session, or the final status of a recently ended one.
func (n *Node) Status(ctx context.Context, sessionID string) (*Status, error) {
	var status *Status
	err := n.call(ctx, sessionID, func(s *sessionLoop) error {
		status = s.status()
		return nil
	})
	if errors.Is(err, ErrSessionClosed) {
		n.mtx.RLock()
		v, ok := n.tombstones.Get(sessionID)
		n.mtx.RUnlock()
		if ok {
			return v.(*Status), nil
		}
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Subscribe returns a channel receiving the notices published from now on, and a function
// ending the subscription. Notices are dropped when the channel is full.
func (n *Node) Subscribe(buffer int) (<-chan Notice, func()) {
	return n.reporter.subscribe(buffer)
}
