// Package keystore persists the key shares produced by key generation, indexed by group public key.
package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/taurusgroup/tss-mesh/pkg/party"
	"github.com/taurusgroup/tss-mesh/protocols/frost"
)

// ErrNotFound is returned by Load when no share is stored for a group public key.
var ErrNotFound = errors.New("keystore: key share not found")

// Store holds key shares.
type Store interface {
	// Save stores r, replacing any previous record for the same group public key.
	Save(ctx context.Context, r *Record) error
	// Load returns the record of the share of groupPublicKey, or ErrNotFound.
	Load(ctx context.Context, groupPublicKey []byte) (*Record, error)
}

// Record is a key share along with the key generation it came from.
type Record struct {
	// SessionID is the key generation session that produced the share.
	SessionID string `cbor:"1,keyasint"`
	// Participants are all the holders of a share of the key.
	Participants party.IDSlice `cbor:"2,keyasint"`
	// Share is the share of the local participant.
	Share *frost.KeyShare `cbor:"3,keyasint"`
}

// Validate checks that the share is consistent with the participants.
func (r *Record) Validate() error {
	if r.Share == nil {
		return errors.New("keystore: empty record")
	}
	if err := r.Share.Validate(); err != nil {
		return err
	}
	if !r.Participants.Valid() || len(r.Participants) != len(r.Share.VerificationShares) {
		return fmt.Errorf("keystore: %d participants for %d verification shares", len(r.Participants), len(r.Share.VerificationShares))
	}
	ids, err := r.Identifiers()
	if err != nil {
		return err
	}
	for _, i := range ids.Identifiers() {
		if _, ok := r.Share.VerificationShares[i]; !ok {
			return fmt.Errorf("keystore: no verification share for identifier %d", i)
		}
	}
	return nil
}

// Identifiers returns the identifier map of the key generation.
func (r *Record) Identifiers() (*party.IdentifierMap, error) {
	return party.Assign(r.Participants)
}

// Owner returns the participant holding Share.
func (r *Record) Owner() party.ID {
	ids, err := r.Identifiers()
	if err != nil {
		return ""
	}
	id, _ := ids.Participant(r.Share.ID)
	return id
}

// GroupPublicKey returns the compressed group public key the record is indexed by.
func (r *Record) GroupPublicKey() []byte {
	return r.Share.PublicKeyBytes()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *Record) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(recordMarshal(*r))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *Record) UnmarshalBinary(data []byte) error {
	var m recordMarshal
	if err := cbor.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("keystore: failed to decode record: %w", err)
	}
	*r = Record(m)
	return r.Validate()
}

// recordMarshal drops the methods of Record, so that cbor does not call them recursively.
type recordMarshal Record
