// Package sign drives one signing request against an existing key share.
//
// The initiator broadcasts a SigningRequest, collects acceptances, and fixes the signers as
// itself plus the first T−1 acceptances in the order they were received. The selection is then
// broadcast, so every node works from the same set no matter how the acceptances raced.
// Selected signers exchange commitments and then signature shares, and each of them aggregates
// and verifies the final signature.
package sign

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
	"github.com/taurusgroup/tss-mesh/protocols/frost"
)

// ErrNotSelected is reported for signing packages sent by members outside the selection.
var ErrNotSelected = errors.New("sign: participant was not selected")

// Request identifies a message to sign within a session.
type Request struct {
	// ID is unique within the session.
	ID string
	// Message is signed as is.
	Message []byte
	// RequiredSigners is the threshold of the key.
	RequiredSigners int
	// Initiator collects acceptances and selects the signers.
	Initiator party.ID
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// Config holds everything a Coordinator needs.
type Config struct {
	// Rand is the source of the signing nonces.
	Rand io.Reader
	// Self is the local participant.
	Self party.ID
	// Share is the key share of Self.
	Share *frost.KeyShare
	// Identifiers maps the key holders to the identifiers they had during key generation.
	Identifiers *party.IdentifierMap
	// Members are the holders taking part in the session, the initiator included.
	Members party.IDSlice
	// Request is the message to sign.
	Request Request
	// Outbox sends the messages of the local participant.
	Outbox protocol.Outbox
	// Logger defaults to zerolog.Nop().
	Logger *zerolog.Logger
	// OnBuffered is called whenever a message is held for a later phase. It may be nil.
	OnBuffered func(protocol.Phase)
}

// Coordinator runs a single signing request for the local participant.
//
// A Coordinator is owned by its session loop and is not safe for concurrent use.
type Coordinator struct {
	log        zerolog.Logger
	rnd        io.Reader
	self       party.ID
	selfID     party.Identifier
	share      *frost.KeyShare
	ids        *party.IdentifierMap
	members    party.IDSlice
	request    Request
	threshold  int
	out        protocol.Outbox
	onBuffered func(protocol.Phase)

	state   State
	outcome Outcome
	decided bool

	// initiator only
	accepted  []party.ID
	responded map[party.ID]bool

	signers     party.IDSlice
	signer      *frost.Signer
	commitments map[party.Identifier]*frost.Commitment
	shares      map[party.Identifier]*frost.SignatureShare
	queue       protocol.Queue

	signature *frost.Signature
	warnings  *multierror.Error
	err       error
}

// New prepares the request for cfg.Self. The initiator must call Start, the other members
// Accept or Decline.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Share == nil || cfg.Identifiers == nil {
		return nil, errors.New("sign: missing key share")
	}
	req := cfg.Request
	if req.ID == "" {
		return nil, errors.New("sign: empty request id")
	}
	if req.RequiredSigners != cfg.Share.Threshold {
		return nil, fmt.Errorf("sign: request needs %d signers, key threshold is %d", req.RequiredSigners, cfg.Share.Threshold)
	}
	selfID, ok := cfg.Identifiers.Identifier(cfg.Self)
	if !ok || selfID != cfg.Share.ID {
		return nil, fmt.Errorf("sign: %s does not hold this key share", cfg.Self)
	}
	members := party.NewIDSlice(cfg.Members)
	if !members.Valid() || !members.Contains(cfg.Self, req.Initiator) {
		return nil, fmt.Errorf("sign: invalid members %v", cfg.Members)
	}
	for _, id := range members {
		if _, ok = cfg.Identifiers.Identifier(id); !ok {
			return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownSender, id)
		}
	}
	if len(members) < req.RequiredSigners {
		return nil, fmt.Errorf("%w: %d members for %d signers", protocol.ErrInsufficientAcceptances, len(members), req.RequiredSigners)
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	log = log.With().Str("component", "sign").Str("request", req.ID).Logger()

	return &Coordinator{
		log:        log,
		rnd:        cfg.Rand,
		self:       cfg.Self,
		selfID:     selfID,
		share:      cfg.Share,
		ids:        cfg.Identifiers,
		members:    members,
		request:    req,
		threshold:  req.RequiredSigners,
		out:        cfg.Outbox,
		onBuffered: cfg.OnBuffered,
		state:      Idle,
	}, nil
}

// Start broadcasts the request to the other members. Only the initiator calls it.
func (c *Coordinator) Start() error {
	if c.self != c.request.Initiator {
		return fmt.Errorf("sign: %s is not the initiator of %s", c.self, c.request.ID)
	}
	if c.state != Idle {
		return nil
	}
	c.decided = true
	c.accepted = []party.ID{c.self}
	c.responded = map[party.ID]bool{c.self: true}
	c.state = AwaitingAcceptances

	req := &protocol.SigningRequest{Message: c.request.Message, RequiredSigners: c.threshold}
	if err := c.out.Broadcast(c.members.Remove(c.self), req); err != nil {
		return c.fail(protocol.ErrorProtocol, "", err)
	}
	c.log.Info().Int("members", len(c.members)).Int("signers", c.threshold).Msg("signing requested")
	return c.selectSigners()
}

// Accept answers the initiator positively, then applies the selection if it was already received.
func (c *Coordinator) Accept() error {
	if c.decided || c.Done() {
		return nil
	}
	c.decided = true
	if err := c.out.Send(c.request.Initiator, &protocol.SigningAcceptance{Accepted: true}); err != nil {
		return c.fail(protocol.ErrorProtocol, "", err)
	}
	c.state = AwaitingAcceptances
	c.log.Info().Msg("signing accepted")

	for _, msg := range c.queue.Get(protocol.KindSigningSelection) {
		if err := c.handleSelection(msg.Content.(*protocol.SigningSelection)); err != nil {
			return err
		}
	}
	return nil
}

// Decline answers the initiator negatively. The participant takes no further part in the request.
func (c *Coordinator) Decline() error {
	if c.decided || c.Done() {
		return nil
	}
	c.decided = true
	c.outcome = Declined
	c.queue.Reset()
	c.log.Info().Msg("signing declined")
	return c.out.Send(c.request.Initiator, &protocol.SigningAcceptance{Accepted: false})
}

// Handle processes a message received from a member.
//
// Errors that leave the coordinator running, such as duplicates or packages from
// participants that were not selected, are returned for logging only and are also
// kept in Warnings.
func (c *Coordinator) Handle(from party.ID, content protocol.Content) error {
	if c.Done() {
		return nil
	}
	if from == c.self || !c.members.Contains(from) {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownSender, from)
	}

	switch body := content.(type) {
	case *protocol.SigningRequest:
		// the request is what created this coordinator
		return protocol.ErrDuplicate
	case *protocol.SigningAcceptance:
		if c.self != c.request.Initiator {
			return c.warn(fmt.Errorf("%w: acceptance from %s", protocol.ErrUnexpectedContent, from))
		}
		return c.handleAcceptance(from, body.Accepted, nil)
	case *protocol.SigningSelection:
		if from != c.request.Initiator {
			return c.warn(fmt.Errorf("%w: selection from %s", protocol.ErrUnknownSender, from))
		}
		if !c.decided {
			return c.buffer(from, body)
		}
		if c.signers != nil {
			return protocol.ErrDuplicate
		}
		return c.handleSelection(body)
	case *protocol.SigningCommitment:
		if err := c.checkSender(from, body.Sender); err != nil {
			return err
		}
		if c.state < CommitmentPhase {
			return c.buffer(from, body)
		}
		if err := c.handleCommitment(from, body); err != nil {
			return err
		}
	case *protocol.SignatureShare:
		if err := c.checkSender(from, body.Sender); err != nil {
			return err
		}
		if c.state < SharePhase {
			return c.buffer(from, body)
		}
		if err := c.handleShare(from, body); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnexpectedContent, content)
	}
	return c.advance()
}

// Reject reports a message from a member that could not be decoded.
//
// A malformed acceptance counts as a decline, and anything from a participant that was not
// selected is only a warning. A selected signer sending garbage makes the request fail.
func (c *Coordinator) Reject(from party.ID, err error) error {
	if c.Done() {
		return nil
	}
	if !c.members.Contains(from) {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownSender, from)
	}
	switch {
	case c.state == AwaitingAcceptances && c.self == c.request.Initiator:
		return c.handleAcceptance(from, false, err)
	case c.signers != nil && c.signers.Contains(from) && c.state >= CommitmentPhase:
		return c.fail(protocol.ErrorProtocol, from, err)
	default:
		return c.warn(fmt.Errorf("party %s: %w", from, err))
	}
}

// Fail moves the coordinator to Failed, and discards every buffered message.
func (c *Coordinator) Fail(err error) {
	if c.Done() {
		return
	}
	c.state = Failed
	c.outcome = Aborted
	c.err = err
	c.clear()
}

func (c *Coordinator) handleAcceptance(from party.ID, accepted bool, cause error) error {
	if c.responded[from] {
		return protocol.ErrDuplicate
	}
	c.responded[from] = true
	if cause != nil {
		_ = c.warn(fmt.Errorf("party %s: %w", from, cause))
	}
	if !accepted {
		c.log.Info().Str("from", string(from)).Msg("signing declined by member")
	} else if c.signers != nil {
		// the selection is already fixed and was sent to every member
		c.log.Debug().Str("from", string(from)).Msg("late acceptance")
		return nil
	} else {
		c.accepted = append(c.accepted, from)
		c.log.Debug().Str("from", string(from)).Int("accepted", len(c.accepted)).Msg("signing acceptance")
	}
	if c.signers != nil {
		return nil
	}

	undecided := len(c.members) - len(c.responded)
	if len(c.accepted)+undecided < c.threshold {
		return c.fail(protocol.ErrorNegotiation, "", fmt.Errorf("%w: %d accepted, %d undecided, %d needed",
			protocol.ErrInsufficientAcceptances, len(c.accepted), undecided, c.threshold))
	}
	return c.selectSigners()
}

// selectSigners fixes the signers once enough members accepted.
// Acceptances received afterwards never change the selection.
func (c *Coordinator) selectSigners() error {
	if c.signers != nil || len(c.accepted) < c.threshold {
		return nil
	}
	c.signers = party.NewIDSlice(c.accepted[:c.threshold])
	c.log.Info().Strs("signers", ids(c.signers)).Msg("signers selected")
	if err := c.out.Broadcast(c.members.Remove(c.self), &protocol.SigningSelection{Signers: c.signers}); err != nil {
		return c.fail(protocol.ErrorProtocol, "", err)
	}
	return c.enterCommitment()
}

func (c *Coordinator) handleSelection(body *protocol.SigningSelection) error {
	signers := body.Signers
	if len(signers) != c.threshold || !signers.Contains(c.request.Initiator) {
		return c.fail(protocol.ErrorProtocol, c.request.Initiator, fmt.Errorf("%w: selection %v", frost.ErrInvalidParameters, signers))
	}
	for _, id := range signers {
		if !c.members.Contains(id) {
			return c.fail(protocol.ErrorProtocol, c.request.Initiator, fmt.Errorf("%w: selected %s", protocol.ErrUnknownSender, id))
		}
	}
	c.signers = signers.Copy()
	if !c.signers.Contains(c.self) {
		c.outcome = NotSelected
		c.state = Idle
		c.clear()
		c.log.Info().Strs("signers", ids(c.signers)).Msg("not selected")
		return nil
	}
	c.log.Info().Strs("signers", ids(c.signers)).Msg("selected as signer")
	return c.enterCommitment()
}

func (c *Coordinator) enterCommitment() error {
	c.signer = frost.NewSigner(c.rnd, c.share)
	commitment, err := c.signer.Commit()
	if err != nil {
		return c.fail(protocol.ErrorProtocol, "", err)
	}
	c.commitments = map[party.Identifier]*frost.Commitment{c.selfID: commitment}
	c.shares = make(map[party.Identifier]*frost.SignatureShare, c.threshold)
	if err = c.out.Broadcast(c.signers.Remove(c.self), &protocol.SigningCommitment{Sender: c.selfID, Commitment: commitment}); err != nil {
		return c.fail(protocol.ErrorProtocol, "", err)
	}
	c.state = CommitmentPhase

	for _, msg := range c.queue.Get(protocol.KindSigningCommitment) {
		if err = c.handleCommitment(msg.From, msg.Content.(*protocol.SigningCommitment)); err != nil && c.state == Failed {
			return err
		}
	}
	return c.advance()
}

func (c *Coordinator) handleCommitment(from party.ID, body *protocol.SigningCommitment) error {
	if !c.signers.Contains(from) {
		return c.warn(fmt.Errorf("%w: commitment from %s", ErrNotSelected, from))
	}
	if _, ok := c.commitments[body.Sender]; ok || c.state != CommitmentPhase {
		return protocol.ErrDuplicate
	}
	c.commitments[body.Sender] = body.Commitment
	c.log.Debug().Str("from", string(from)).Int("received", len(c.commitments)-1).Msg("signing commitment")
	return nil
}

func (c *Coordinator) handleShare(from party.ID, body *protocol.SignatureShare) error {
	if !c.signers.Contains(from) {
		return c.warn(fmt.Errorf("%w: share from %s", ErrNotSelected, from))
	}
	if _, ok := c.shares[body.Sender]; ok || c.state != SharePhase {
		return protocol.ErrDuplicate
	}
	c.shares[body.Sender] = body.Share
	c.log.Debug().Str("from", string(from)).Int("received", len(c.shares)-1).Msg("signature share")
	return nil
}

// advance moves to the next phase as long as the completion predicate of the current one holds.
func (c *Coordinator) advance() error {
	if c.state == CommitmentPhase && len(c.commitments) == c.threshold {
		share, err := c.signer.Sign(c.request.Message, c.commitments)
		if err != nil {
			return c.failPrimitive(err)
		}
		c.shares[c.selfID] = share
		if err = c.out.Broadcast(c.signers.Remove(c.self), &protocol.SignatureShare{Sender: c.selfID, Share: share}); err != nil {
			return c.fail(protocol.ErrorProtocol, "", err)
		}
		c.state = SharePhase
		c.log.Info().Int("buffered", c.queue.Len()).Msg("share phase started")

		for _, msg := range c.queue.Get(protocol.KindSignatureShare) {
			if err = c.handleShare(msg.From, msg.Content.(*protocol.SignatureShare)); err != nil && c.state == Failed {
				return err
			}
		}
	}

	if c.state == SharePhase && len(c.shares) == c.threshold {
		sig, err := frost.Aggregate(c.share, c.request.Message, c.commitments, c.shares)
		if err != nil {
			return c.failPrimitive(err)
		}
		c.signature = sig
		c.state = Complete
		c.outcome = Signed
		c.clear()
		c.log.Info().Msg("signature complete")
	}
	return nil
}

// checkSender makes sure the identifier claimed in a package is the one of its sender.
func (c *Coordinator) checkSender(from party.ID, claimed party.Identifier) error {
	if id, _ := c.ids.Identifier(from); id != claimed {
		if c.signers != nil && c.signers.Contains(from) {
			return c.fail(protocol.ErrorProtocol, from, fmt.Errorf("package claims identifier %d", claimed))
		}
		return c.warn(fmt.Errorf("party %s: package claims identifier %d", from, claimed))
	}
	return nil
}

func (c *Coordinator) buffer(from party.ID, content protocol.Content) error {
	if err := c.queue.Store(from, content); err != nil {
		return err
	}
	c.log.Debug().Str("from", string(from)).Stringer("kind", content.Kind()).Stringer("state", c.state).Msg("buffering message")
	if c.onBuffered != nil {
		c.onBuffered(content.Kind().Phase())
	}
	return nil
}

func (c *Coordinator) warn(err error) error {
	c.warnings = multierror.Append(c.warnings, err)
	c.log.Warn().Err(err).Msg("ignoring message")
	return err
}

// failPrimitive maps the culprit named by the primitive back to its participant.
func (c *Coordinator) failPrimitive(err error) error {
	var frostErr *frost.Error
	if errors.As(err, &frostErr) {
		culprit, _ := c.ids.Participant(frostErr.Culprit)
		return c.fail(protocol.ErrorProtocol, culprit, err)
	}
	return c.fail(protocol.ErrorProtocol, "", err)
}

func (c *Coordinator) fail(kind protocol.ErrorKind, culprit party.ID, err error) error {
	c.Fail(protocol.NewError(kind, c.state.Phase(), culprit, err))
	c.log.Error().Err(c.err).Msg("signing failed")
	return c.err
}

func (c *Coordinator) clear() {
	c.queue.Reset()
	c.signer = nil
	c.commitments = nil
	c.shares = nil
}

func ids(s party.IDSlice) []string {
	out := make([]string, len(s))
	for i, id := range s {
		out[i] = string(id)
	}
	return out
}

// Done reports whether the request needs nothing more from this coordinator.
func (c *Coordinator) Done() bool {
	return c.outcome != Pending
}

// State returns the current state.
func (c *Coordinator) State() State { return c.state }

// Outcome returns how the request ended for the local participant, or Pending.
func (c *Coordinator) Outcome() Outcome { return c.outcome }

// Request returns the request being signed.
func (c *Coordinator) Request() Request { return c.request }

// Signers returns the selected signers, or nil before the selection.
func (c *Coordinator) Signers() party.IDSlice { return c.signers }

// Accepted returns the members that accepted, in receipt order. It is only tracked by the initiator.
func (c *Coordinator) Accepted() []party.ID { return c.accepted }

// Signature returns the aggregated signature once Complete.
func (c *Coordinator) Signature() *frost.Signature { return c.signature }

// Err returns the reason of the failure once Failed.
func (c *Coordinator) Err() error { return c.err }

// Warnings returns the non-fatal problems seen so far, or nil.
func (c *Coordinator) Warnings() error { return c.warnings.ErrorOrNil() }

// Buffered returns the number of messages held for a later phase.
func (c *Coordinator) Buffered() int { return c.queue.Len() }
