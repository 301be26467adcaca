package engine

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/taurusgroup/tss-mesh/pkg/metrics"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/pkg/session"
)

// Decision is what a policy answers to an invitation.
type Decision uint8

const (
	// Accept answers the invitation right away.
	Accept Decision = iota
	// Decline refuses the invitation right away.
	Decline
	// Defer leaves the answer to a later call to the node, such as AcceptSigning.
	Defer
)

// SigningRequest is a request to sign, as seen by the members asked to take part.
type SigningRequest struct {
	SessionID string
	RequestID string
	Initiator party.ID
	Message   []byte
	// GroupPublicKey is the key the message would be signed with.
	GroupPublicKey []byte
}

// Config holds the settings of a Node.
type Config struct {
	// NegotiationTimeout bounds the time from a proposal to its finalization.
	NegotiationTimeout time.Duration
	// MeshTimeout bounds the time from finalization until every link is up.
	MeshTimeout time.Duration
	// RoundTimeout bounds each round of key generation.
	RoundTimeout time.Duration
	// SigningTimeout bounds each phase of a signing request.
	SigningTimeout time.Duration

	// Workers is the number of concurrent sends.
	Workers int
	// MaxRetries bounds the attempts to send a frame before it waits for its link to come back.
	MaxRetries uint64
	// RetryBase is the first delay between attempts.
	RetryBase time.Duration

	// Tombstones is the number of finished sessions remembered, so that late messages for
	// them are dropped quietly.
	Tombstones int
	// MaxPending bounds the packages a session keeps before it knows what to do with them.
	MaxPending int

	// AcceptSession decides whether to take part in a proposed session.
	// Signing proposals for a key without a local share are declined before it is called.
	AcceptSession func(*session.Proposal) Decision
	// AcceptSigning decides whether to sign a requested message.
	AcceptSigning func(SigningRequest) Decision

	// Clock drives every deadline.
	Clock clock.Clock
	// Rand is the source of all secret randomness.
	Rand io.Reader
	// Logger defaults to zerolog.Nop().
	Logger *zerolog.Logger
	// Metrics defaults to metrics.Noop.
	Metrics metrics.Metrics
}

// DefaultConfig returns a Config accepting every invitation.
func DefaultConfig() Config {
	return Config{
		NegotiationTimeout: 30 * time.Second,
		MeshTimeout:        30 * time.Second,
		RoundTimeout:       60 * time.Second,
		SigningTimeout:     60 * time.Second,
		Workers:            4,
		MaxRetries:         5,
		RetryBase:          50 * time.Millisecond,
		Tombstones:         1024,
		MaxPending:         256,
		AcceptSession:      func(*session.Proposal) Decision { return Accept },
		AcceptSigning:      func(SigningRequest) Decision { return Accept },
		Clock:              clock.New(),
		Rand:               rand.Reader,
		Metrics:            metrics.Noop{},
	}
}

// withDefaults fills the zero fields of cfg.
func (cfg Config) withDefaults() Config {
	d := DefaultConfig()
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = d.NegotiationTimeout
	}
	if cfg.MeshTimeout <= 0 {
		cfg.MeshTimeout = d.MeshTimeout
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = d.RoundTimeout
	}
	if cfg.SigningTimeout <= 0 {
		cfg.SigningTimeout = d.SigningTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = d.RetryBase
	}
	if cfg.Tombstones <= 0 {
		cfg.Tombstones = d.Tombstones
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = d.MaxPending
	}
	if cfg.AcceptSession == nil {
		cfg.AcceptSession = d.AcceptSession
	}
	if cfg.AcceptSigning == nil {
		cfg.AcceptSigning = d.AcceptSigning
	}
	if cfg.Clock == nil {
		cfg.Clock = d.Clock
	}
	if cfg.Rand == nil {
		cfg.Rand = d.Rand
	}
	if cfg.Metrics == nil {
		cfg.Metrics = d.Metrics
	}
	return cfg
}

// longestTimeout bounds the time a frame waits for its link: no session waits longer for it.
func (cfg Config) longestTimeout() time.Duration {
	longest := cfg.NegotiationTimeout
	for _, d := range []time.Duration{cfg.MeshTimeout, cfg.RoundTimeout, cfg.SigningTimeout} {
		if d > longest {
			longest = d
		}
	}
	return longest
}
