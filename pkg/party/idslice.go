package party

import (
	"encoding/binary"
	"io"
	"sort"
)

// IDSlice is a sorted set of IDs.
type IDSlice []ID

// NewIDSlice returns a sorted copy of partyIDs.
func NewIDSlice(partyIDs []ID) IDSlice {
	ids := IDSlice(append([]ID(nil), partyIDs...))
	ids.sort()
	return ids
}

func (partyIDs IDSlice) Len() int           { return len(partyIDs) }
func (partyIDs IDSlice) Less(i, j int) bool { return partyIDs[i] < partyIDs[j] }
func (partyIDs IDSlice) Swap(i, j int)      { partyIDs[i], partyIDs[j] = partyIDs[j], partyIDs[i] }

func (partyIDs IDSlice) sort() { sort.Sort(partyIDs) }

// Contains returns true if partyIDs contains all of ids.
func (partyIDs IDSlice) Contains(ids ...ID) bool {
	for _, id := range ids {
		if _, found := partyIDs.search(id); !found {
			return false
		}
	}
	return true
}

// Valid returns true if the IDSlice is sorted, non-empty, contains no empty ID and no duplicates.
func (partyIDs IDSlice) Valid() bool {
	if len(partyIDs) == 0 {
		return false
	}
	for i, id := range partyIDs {
		if id == "" {
			return false
		}
		if i > 0 && partyIDs[i-1] >= id {
			return false
		}
	}
	return true
}

// search returns the index of id, assuming partyIDs is sorted.
func (partyIDs IDSlice) search(id ID) (int, bool) {
	index := sort.Search(len(partyIDs), func(i int) bool { return partyIDs[i] >= id })
	if index < len(partyIDs) && partyIDs[index] == id {
		return index, true
	}
	return 0, false
}

// GetIndex returns the index of id in partyIDs.
// If no index was found, return -1.
func (partyIDs IDSlice) GetIndex(id ID) int {
	if idx, ok := partyIDs.search(id); ok {
		return idx
	}
	return -1
}

// Copy returns an identical copy of the received.
func (partyIDs IDSlice) Copy() IDSlice {
	return append(IDSlice(nil), partyIDs...)
}

// Remove finds id in partyIDs and returns a copy of the slice if it was found.
func (partyIDs IDSlice) Remove(id ID) IDSlice {
	out := make(IDSlice, 0, len(partyIDs))
	for _, p := range partyIDs {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

// Equal returns true if both slices contain the same IDs in the same order.
func (partyIDs IDSlice) Equal(other IDSlice) bool {
	if len(partyIDs) != len(other) {
		return false
	}
	for i := range partyIDs {
		if partyIDs[i] != other[i] {
			return false
		}
	}
	return true
}

// WriteTo implements io.WriterTo and should be used within the hash.Hash function.
func (partyIDs IDSlice) WriteTo(w io.Writer) (int64, error) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(partyIDs)))
	n, err := w.Write(length[:])
	nAll := int64(n)
	if err != nil {
		return nAll, err
	}
	for _, id := range partyIDs {
		m, err := id.WriteTo(w)
		nAll += m
		if err != nil {
			return nAll, err
		}
	}
	return nAll, nil
}

// Domain implements hash.WriterToWithDomain, and separates this type within hash.Hash.
func (IDSlice) Domain() string {
	return "IDSlice"
}
