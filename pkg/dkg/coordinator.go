// Package dkg drives the two rounds of key generation for one session.
package dkg

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/protocol"
	"github.com/taurusgroup/tss-mesh/pkg/session"
	"github.com/taurusgroup/tss-mesh/protocols/frost"
)

// Config holds everything a Coordinator needs.
type Config struct {
	// Rand is the source of randomness for the primitive.
	Rand io.Reader
	// Self is the local participant.
	Self party.ID
	// Descriptor is the finalized key generation session.
	Descriptor *session.Descriptor
	// Outbox sends the packages of the local participant.
	Outbox protocol.Outbox
	// Logger defaults to zerolog.Nop().
	Logger *zerolog.Logger
	// OnBuffered is called whenever a package is held for a later round. It may be nil.
	OnBuffered func(protocol.Phase)
}

// Coordinator runs the key generation of the local participant.
//
// Packages for a round the coordinator has not reached yet are buffered and replayed
// once it gets there; they are never dropped.
// A Coordinator is owned by its session loop and is not safe for concurrent use.
type Coordinator struct {
	log        zerolog.Logger
	self       party.ID
	selfID     party.Identifier
	descriptor *session.Descriptor
	ids        *party.IdentifierMap
	others     party.IDSlice
	out        protocol.Outbox
	onBuffered func(protocol.Phase)

	dkg    *frost.DKG
	state  State
	round1 map[party.Identifier]*frost.Round1Package
	round2 map[party.Identifier]*frost.Round2Package
	queue  protocol.Queue

	result *frost.KeyShare
	err    error
}

// New prepares the key generation of cfg.Self; nothing is sent until Start.
func New(cfg Config) (*Coordinator, error) {
	d := cfg.Descriptor
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Purpose.Kind != session.KindKeyGeneration {
		return nil, fmt.Errorf("dkg: session %s has purpose %s", d.SessionID, d.Purpose)
	}
	ids, err := d.IdentifierMap()
	if err != nil {
		return nil, err
	}
	selfID, ok := ids.Identifier(cfg.Self)
	if !ok {
		return nil, fmt.Errorf("dkg: %s is not a participant", cfg.Self)
	}
	primitive, err := frost.NewDKG(cfg.Rand, selfID, ids.Identifiers(), d.Threshold, d.Digest())
	if err != nil {
		return nil, err
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	log = log.With().Str("component", "dkg").Uint16("identifier", uint16(selfID)).Logger()

	return &Coordinator{
		log:        log,
		self:       cfg.Self,
		selfID:     selfID,
		descriptor: d,
		ids:        ids,
		others:     d.Others(cfg.Self),
		out:        cfg.Outbox,
		onBuffered: cfg.OnBuffered,
		dkg:        primitive,
		state:      NotStarted,
		round1:     make(map[party.Identifier]*frost.Round1Package, len(d.Participants)-1),
		round2:     make(map[party.Identifier]*frost.Round2Package, len(d.Participants)-1),
	}, nil
}

// Start generates and broadcasts the local Round-1 package.
//
// It must only be called once the mesh is ready.
func (c *Coordinator) Start() error {
	if c.state != NotStarted {
		return nil
	}
	pkg, err := c.dkg.Round1()
	if err != nil {
		return c.fail("", err)
	}
	if err = c.out.Broadcast(c.others, &protocol.Round1Package{Sender: c.selfID, Package: pkg}); err != nil {
		return c.fail("", err)
	}
	c.state = Round1Collecting
	c.log.Info().Int("buffered", c.queue.Len()).Msg("round 1 started")

	for _, msg := range c.queue.Get(protocol.KindRound1Package) {
		if err = c.handleRound1(msg.From, msg.Content.(*protocol.Round1Package)); err != nil && c.state == Failed {
			return err
		}
	}
	return c.advance()
}

// Handle processes a package received from a participant.
//
// Errors that leave the coordinator in a non-terminal state, such as duplicates, are
// returned for logging only.
func (c *Coordinator) Handle(from party.ID, content protocol.Content) error {
	if c.state.Terminal() {
		return nil
	}
	sender, ok := c.ids.Identifier(from)
	if !ok || from == c.self {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownSender, from)
	}

	switch body := content.(type) {
	case *protocol.Round1Package:
		if body.Sender != sender {
			return c.fail(from, fmt.Errorf("package claims identifier %d", body.Sender))
		}
		if c.state == NotStarted {
			return c.buffer(from, body)
		}
		if err := c.handleRound1(from, body); err != nil {
			return err
		}
	case *protocol.Round2Package:
		if body.Sender != sender {
			return c.fail(from, fmt.Errorf("package claims identifier %d", body.Sender))
		}
		if body.Recipient != c.selfID {
			return fmt.Errorf("%w: share for %d", protocol.ErrWrongRecipient, body.Recipient)
		}
		if c.state < Round2Collecting {
			return c.buffer(from, body)
		}
		if err := c.handleRound2(from, body); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnexpectedContent, content)
	}
	return c.advance()
}

// Reject reports a package from a participant that could not be decoded.
// Key generation needs a package from everyone, so this is fatal.
func (c *Coordinator) Reject(from party.ID, err error) error {
	if c.state.Terminal() {
		return nil
	}
	if _, ok := c.ids.Identifier(from); !ok {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownSender, from)
	}
	return c.fail(from, err)
}

// Fail moves the coordinator to Failed, and discards every buffered package.
func (c *Coordinator) Fail(err error) {
	if c.state.Terminal() {
		return
	}
	c.state = Failed
	c.err = err
	c.clear()
}

func (c *Coordinator) buffer(from party.ID, content protocol.Content) error {
	if err := c.queue.Store(from, content); err != nil {
		return err
	}
	c.log.Debug().Str("from", string(from)).Stringer("kind", content.Kind()).Stringer("state", c.state).Msg("buffering package")
	if c.onBuffered != nil {
		c.onBuffered(content.Kind().Phase())
	}
	return nil
}

func (c *Coordinator) handleRound1(from party.ID, body *protocol.Round1Package) error {
	if _, ok := c.round1[body.Sender]; ok || c.state != Round1Collecting {
		return protocol.ErrDuplicate
	}
	c.round1[body.Sender] = body.Package
	c.log.Debug().Str("from", string(from)).Int("received", len(c.round1)).Msg("round 1 package")
	return nil
}

func (c *Coordinator) handleRound2(from party.ID, body *protocol.Round2Package) error {
	if _, ok := c.round2[body.Sender]; ok || c.state != Round2Collecting {
		return protocol.ErrDuplicate
	}
	c.round2[body.Sender] = body.Package
	c.log.Debug().Str("from", string(from)).Int("received", len(c.round2)).Msg("round 2 package")
	return nil
}

// advance moves to the next round as long as the completion predicate of the current one holds.
func (c *Coordinator) advance() error {
	expected := len(c.others)
	if c.state == Round1Collecting && len(c.round1) == expected {
		shares, err := c.dkg.Round2(c.round1)
		if err != nil {
			return c.failPrimitive(err)
		}
		for _, l := range c.others {
			id, _ := c.ids.Identifier(l)
			if err = c.out.Send(l, &protocol.Round2Package{Sender: c.selfID, Recipient: id, Package: shares[id]}); err != nil {
				return c.fail("", err)
			}
		}
		c.state = Round2Collecting
		c.log.Info().Int("buffered", c.queue.Len()).Msg("round 2 started")

		for _, msg := range c.queue.Get(protocol.KindRound2Package) {
			if err = c.handleRound2(msg.From, msg.Content.(*protocol.Round2Package)); err != nil && c.state == Failed {
				return err
			}
		}
	}

	if c.state == Round2Collecting && len(c.round2) == expected {
		share, err := c.dkg.Finalize(c.round2)
		if err != nil {
			return c.failPrimitive(err)
		}
		c.result = share
		c.state = Finalized
		c.clear()
		c.log.Info().Hex("public_key", share.PublicKeyBytes()).Msg("key generation finalized")
	}
	return nil
}

// failPrimitive maps the culprit named by the primitive back to its participant.
func (c *Coordinator) failPrimitive(err error) error {
	var frostErr *frost.Error
	if errors.As(err, &frostErr) {
		culprit, _ := c.ids.Participant(frostErr.Culprit)
		return c.fail(culprit, err)
	}
	return c.fail("", err)
}

func (c *Coordinator) fail(culprit party.ID, err error) error {
	phase := c.state.Phase()
	c.Fail(protocol.NewError(protocol.ErrorProtocol, phase, culprit, err))
	c.log.Error().Err(c.err).Msg("key generation failed")
	return c.err
}

func (c *Coordinator) clear() {
	c.queue.Reset()
	c.round1 = nil
	c.round2 = nil
}

// State returns the current state.
func (c *Coordinator) State() State { return c.state }

// Result returns the key share once Finalized.
func (c *Coordinator) Result() *frost.KeyShare { return c.result }

// Err returns the reason of the failure once Failed.
func (c *Coordinator) Err() error { return c.err }

// Buffered returns the number of packages held for a later round.
func (c *Coordinator) Buffered() int { return c.queue.Len() }

// Received returns the number of packages accepted for the current round.
func (c *Coordinator) Received() int {
	switch c.state {
	case Round1Collecting:
		return len(c.round1)
	case Round2Collecting:
		return len(c.round2)
	default:
		return 0
	}
}

// Identifiers returns the identifier map of the session.
func (c *Coordinator) Identifiers() *party.IdentifierMap { return c.ids }
