package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/taurusgroup/tss-mesh/pkg/keystore"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
	"github.com/taurusgroup/tss-mesh/pkg/session"
	"github.com/taurusgroup/tss-mesh/pkg/sign"
	"github.com/taurusgroup/tss-mesh/protocols/frost"
)

// Result is the outcome of a session, or of a signing request when RequestID is set.
type Result struct {
	SessionID string
	RequestID string
	Purpose   session.Purpose

	// GroupPublicKey is set for successful key generations and signing requests.
	GroupPublicKey []byte
	// Participants are the holders of the key.
	Participants party.IDSlice
	// KeyShare is the share produced by a successful key generation.
	KeyShare *frost.KeyShare

	// Signature is set when Outcome is sign.Signed.
	Signature *frost.Signature
	// Signers are the participants selected for a signing request.
	Signers party.IDSlice
	// Outcome is how a signing request ended for this node.
	Outcome sign.Outcome

	// Err is nil on success. Failures are a *protocol.Error.
	Err error
	// Warnings are problems that did not prevent completion.
	Warnings error
}

// NoticeKind discriminates Notices.
type NoticeKind uint8

const (
	// NoticeResult carries the Result of a session or request.
	NoticeResult NoticeKind = iota + 1
	// NoticeInvited is sent when a proposal waits for AcceptSession or DeclineSession.
	NoticeInvited
	// NoticeEstablished is sent when a signing session is ready to sign.
	NoticeEstablished
	// NoticeSigningRequested is sent when a request waits for AcceptSigning or DeclineSigning.
	NoticeSigningRequested
	// NoticeStalled is sent when a link of a running session goes down.
	NoticeStalled
	// NoticeRecovered is sent when every link of a stalled session is back.
	NoticeRecovered
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeResult:
		return "result"
	case NoticeInvited:
		return "invited"
	case NoticeEstablished:
		return "established"
	case NoticeSigningRequested:
		return "signing-requested"
	case NoticeStalled:
		return "stalled"
	case NoticeRecovered:
		return "recovered"
	default:
		return fmt.Sprintf("notice(%d)", uint8(k))
	}
}

// Notice is published to subscribers.
type Notice struct {
	Kind      NoticeKind
	SessionID string
	RequestID string
	// Result is set for NoticeResult.
	Result *Result
	// Proposal is set for NoticeInvited.
	Proposal *session.Proposal
	// Request is set for NoticeSigningRequested.
	Request *SigningRequest
	// Pending are the participants whose link is down, for NoticeStalled.
	Pending party.IDSlice
}

// reporter persists key shares and publishes notices.
type reporter struct {
	store keystore.Store
	log   zerolog.Logger

	mtx         sync.Mutex
	subscribers map[int]chan Notice
	next        int
}

func newReporter(store keystore.Store, log zerolog.Logger) *reporter {
	return &reporter{
		store:       store,
		log:         log,
		subscribers: make(map[int]chan Notice),
	}
}

// subscribe returns a channel receiving every notice published from now on, and a function to unsubscribe.
func (r *reporter) subscribe(buffer int) (<-chan Notice, func()) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	id := r.next
	r.next++
	ch := make(chan Notice, buffer)
	r.subscribers[id] = ch
	return ch, func() {
		r.mtx.Lock()
		defer r.mtx.Unlock()
		if _, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(ch)
		}
	}
}

// publish never blocks: a subscriber that does not keep up misses notices.
func (r *reporter) publish(n Notice) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- n:
		default:
			r.log.Warn().Stringer("notice", n.Kind).Str("session", n.SessionID).Msg("subscriber is full, dropping notice")
		}
	}
}

// keyGenerated saves the new share before reporting it, so that a reported key can always be used.
func (r *reporter) keyGenerated(ctx context.Context, d *session.Descriptor, share *frost.KeyShare) *Result {
	res := &Result{
		SessionID:      d.SessionID,
		Purpose:        d.Purpose,
		GroupPublicKey: share.PublicKeyBytes(),
		Participants:   d.Participants.Copy(),
		KeyShare:       share,
	}
	rec := &keystore.Record{SessionID: d.SessionID, Participants: d.Participants.Copy(), Share: share}
	if err := r.store.Save(ctx, rec); err != nil {
		res.Err = protocol.NewError(protocol.ErrorProtocol, protocol.PhaseRound2, "", fmt.Errorf("failed to store key share: %w", err))
	}
	return res
}

func (r *reporter) result(res *Result) {
	log := r.log.Info()
	if res.Err != nil {
		log = r.log.Error().Err(res.Err)
	}
	log.Str("session", res.SessionID).Str("request", res.RequestID).Stringer("purpose", res.Purpose).Msg("reporting result")
	r.publish(Notice{Kind: NoticeResult, SessionID: res.SessionID, RequestID: res.RequestID, Result: res})
}
