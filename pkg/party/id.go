package party

import (
	"encoding/binary"
	"io"
)

// ID represents the opaque device identifier of a participant, as used by the transport.
// It must be unique within a session, and the empty string is never a valid ID.
type ID string

// WriteTo makes ID implement the io.WriterTo interface.
//
// This writes out the length of the ID, followed by its contents.
func (id ID) WriteTo(w io.Writer) (int64, error) {
	if id == "" {
		return 0, io.ErrUnexpectedEOF
	}
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(id)))
	n, err := w.Write(length[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write([]byte(id))
	return int64(n + m), err
}

// Domain implements hash.WriterToWithDomain, and separates this type within hash.Hash.
func (ID) Domain() string {
	return "ID"
}
