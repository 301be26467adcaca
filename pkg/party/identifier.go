package party

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/taurusgroup/tss-mesh/pkg/math/curve"
)

// MaxParties is the largest number of participants an IdentifierMap can number.
const MaxParties = 1<<16 - 1

var (
	ErrNoParticipants       = errors.New("party: no participants")
	ErrDuplicateParticipant = errors.New("party: duplicate participant")
	ErrEmptyParticipant     = errors.New("party: empty participant ID")
	ErrTooManyParticipants  = fmt.Errorf("party: more than %d participants", MaxParties)
)

// Identifier is the small positive integer naming a participant inside the cryptographic primitive.
// It is distinct from the participant's transport-level ID; 0 is never assigned.
type Identifier uint16

// Scalar returns the corresponding curve.Scalar.
func (i Identifier) Scalar() *curve.Scalar {
	return curve.NewScalarUInt32(uint32(i))
}

// String returns a base 10 representation of the Identifier.
func (i Identifier) String() string {
	return strconv.FormatUint(uint64(i), 10)
}

// WriteTo makes Identifier implement the io.WriterTo interface.
func (i Identifier) WriteTo(w io.Writer) (int64, error) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(i))
	n, err := w.Write(buf[:])
	return int64(n), err
}

// Domain implements hash.WriterToWithDomain, and separates this type within hash.Hash.
func (Identifier) Domain() string {
	return "Identifier"
}

// IdentifierMap numbers the participants of a session.
//
// Participants are sorted by their ID, and assigned 1, 2, 3, … in that order.
// The map is immutable once built, and may be read concurrently without locking.
type IdentifierMap struct {
	participants IDSlice
	identifiers  map[ID]Identifier
}

// Assign computes the IdentifierMap for a set of participants.
//
// The result depends only on the set itself, never on the order of participants,
// so every node computing it from the same set obtains the same map.
// It fails if participants is empty, or contains duplicates or empty IDs.
func Assign(participants []ID) (*IdentifierMap, error) {
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}
	if len(participants) > MaxParties {
		return nil, ErrTooManyParticipants
	}
	sorted := NewIDSlice(participants)
	identifiers := make(map[ID]Identifier, len(sorted))
	for i, id := range sorted {
		if id == "" {
			return nil, ErrEmptyParticipant
		}
		if _, ok := identifiers[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParticipant, id)
		}
		identifiers[id] = Identifier(i + 1)
	}
	return &IdentifierMap{
		participants: sorted,
		identifiers:  identifiers,
	}, nil
}

// Identifier returns the Identifier assigned to id.
func (m *IdentifierMap) Identifier(id ID) (Identifier, bool) {
	i, ok := m.identifiers[id]
	return i, ok
}

// Participant returns the ID to which i was assigned.
func (m *IdentifierMap) Participant(i Identifier) (ID, bool) {
	if i == 0 || int(i) > len(m.participants) {
		return "", false
	}
	return m.participants[i-1], true
}

// Participants returns the sorted participants of the map.
func (m *IdentifierMap) Participants() IDSlice {
	return m.participants.Copy()
}

// Identifiers returns every assigned Identifier, in increasing order.
func (m *IdentifierMap) Identifiers() []Identifier {
	out := make([]Identifier, len(m.participants))
	for i := range out {
		out[i] = Identifier(i + 1)
	}
	return out
}

// Subset returns the Identifiers of ids, in increasing order.
// It fails if one of ids is not part of the map.
func (m *IdentifierMap) Subset(ids []ID) ([]Identifier, error) {
	out := make([]Identifier, 0, len(ids))
	for _, id := range NewIDSlice(ids) {
		i, ok := m.identifiers[id]
		if !ok {
			return nil, fmt.Errorf("party: %s is not a participant", id)
		}
		out = append(out, i)
	}
	return out, nil
}

// Len returns the number of participants.
func (m *IdentifierMap) Len() int {
	return len(m.participants)
}

// Equal returns true if both maps assign the same Identifiers to the same participants.
func (m *IdentifierMap) Equal(other *IdentifierMap) bool {
	return m.participants.Equal(other.participants)
}
