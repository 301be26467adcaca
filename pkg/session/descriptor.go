package session

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/taurusgroup/tss-mesh/pkg/hash"
	"github.com/taurusgroup/tss-mesh/pkg/party"
)

// PurposeKind distinguishes the sub-protocols a session can run.
type PurposeKind uint8

const (
	KindKeyGeneration PurposeKind = iota + 1
	KindSigning
)

func (k PurposeKind) String() string {
	switch k {
	case KindKeyGeneration:
		return "keygen"
	case KindSigning:
		return "signing"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(k))
	}
}

// Purpose is either KeyGeneration, or Signing against an existing group public key.
type Purpose struct {
	Kind PurposeKind `cbor:"1,keyasint"`
	// GroupPublicKey is the compressed key of the existing share, only set when Kind is KindSigning.
	GroupPublicKey []byte `cbor:"2,keyasint,omitempty"`
}

// KeyGeneration returns the Purpose of a session running a DKG.
func KeyGeneration() Purpose {
	return Purpose{Kind: KindKeyGeneration}
}

// Signing returns the Purpose of a session signing with the share of groupPublicKey.
func Signing(groupPublicKey []byte) Purpose {
	return Purpose{Kind: KindSigning, GroupPublicKey: append([]byte(nil), groupPublicKey...)}
}

// String implements fmt.Stringer.
func (p Purpose) String() string {
	if p.Kind == KindSigning {
		return fmt.Sprintf("signing(%s)", hex.EncodeToString(p.GroupPublicKey))
	}
	return p.Kind.String()
}

// Equal returns true if both purposes are identical.
func (p Purpose) Equal(other Purpose) bool {
	return p.Kind == other.Kind && bytes.Equal(p.GroupPublicKey, other.GroupPublicKey)
}

// WriteTo implements io.WriterTo and should be used within the hash.Hash function.
func (p Purpose) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(append([]byte{byte(p.Kind)}, p.GroupPublicKey...))
	return int64(n), err
}

// Domain implements hash.WriterToWithDomain, and separates this type within hash.Hash.
func (Purpose) Domain() string {
	return "Purpose"
}

func (p Purpose) validate() error {
	switch p.Kind {
	case KindKeyGeneration:
		if len(p.GroupPublicKey) != 0 {
			return errors.New("session: key generation with a group public key")
		}
	case KindSigning:
		if len(p.GroupPublicKey) == 0 {
			return errors.New("session: signing without a group public key")
		}
	default:
		return fmt.Errorf("session: unknown purpose %d", p.Kind)
	}
	return nil
}

// NewSessionID returns a fresh globally unique session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Descriptor is the agreed, immutable description of a session.
//
// Every node in the session computes the same Descriptor.
// For signing sessions, Participants are all holders of a share of the key,
// so that the identifiers they are assigned are those of the key generation.
type Descriptor struct {
	SessionID    string        `cbor:"1,keyasint"`
	Threshold    int           `cbor:"2,keyasint"`
	Total        int           `cbor:"3,keyasint"`
	Participants party.IDSlice `cbor:"4,keyasint"`
	Purpose      Purpose       `cbor:"5,keyasint"`
	Initiator    party.ID      `cbor:"6,keyasint"`
}

// Validate performs a thorough validation of all data contained in the descriptor.
func (d *Descriptor) Validate() error {
	if d == nil {
		return errors.New("session: nil descriptor")
	}
	if d.SessionID == "" {
		return errors.New("session: empty session id")
	}
	if d.Threshold < 1 || d.Threshold > d.Total {
		return fmt.Errorf("session: threshold %d out of range for total %d", d.Threshold, d.Total)
	}
	if !d.Participants.Valid() {
		return errors.New("session: participants must be sorted, unique and non-empty")
	}
	if len(d.Participants) != d.Total {
		return fmt.Errorf("session: %d participants for total %d", len(d.Participants), d.Total)
	}
	if !d.Participants.Contains(d.Initiator) {
		return fmt.Errorf("session: initiator %s is not a participant", d.Initiator)
	}
	return d.Purpose.validate()
}

// IdentifierMap numbers the participants of the session.
func (d *Descriptor) IdentifierMap() (*party.IdentifierMap, error) {
	return party.Assign(d.Participants)
}

// Others returns every participant except self.
func (d *Descriptor) Others(self party.ID) party.IDSlice {
	return d.Participants.Remove(self)
}

// Digest returns a hash of every field of the descriptor.
//
// Two nodes agree on the session if and only if their digests are equal.
// It is also used as the context of the key generation.
func (d *Descriptor) Digest() []byte {
	var params [16]byte
	binary.BigEndian.PutUint64(params[:8], uint64(d.Threshold))
	binary.BigEndian.PutUint64(params[8:], uint64(d.Total))
	h := hash.New()
	_ = h.WriteAny(
		hash.Bytes("SessionID", []byte(d.SessionID)),
		hash.Bytes("Parameters", params[:]),
		d.Participants,
		d.Purpose,
		d.Initiator,
	)
	return h.Sum()
}

// Equal returns true if both descriptors are identical.
func (d *Descriptor) Equal(other *Descriptor) bool {
	return bytes.Equal(d.Digest(), other.Digest())
}
