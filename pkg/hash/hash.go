package hash

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// DigestLengthBytes is the size of the output of Sum.
const DigestLengthBytes = 64

// Hash is the hash function we use for generating commitments, challenges and transcript digests.
//
// Every value written with WriteAny is prefixed with its domain and length,
// so that two different sequences of writes never collide.
type Hash struct {
	h *blake3.Hasher
}

// New creates a Hash struct where the internal hash function is initialized with "TSS-MESH".
func New(initialData ...WriterToWithDomain) *Hash {
	hash := &Hash{h: blake3.New()}
	_, _ = hash.h.Write([]byte("TSS-MESH"))
	for _, d := range initialData {
		_ = hash.WriteAny(d)
	}
	return hash
}

// Digest returns a reader for the current output of the function.
//
// This finalizes the current state of the hash, and returns what's
// essentially a stream of random bytes.
func (hash *Hash) Digest() io.Reader {
	return hash.h.Digest()
}

// Sum returns a slice of length DigestLengthBytes resulting from the current hash state.
// If a different length is required, use io.ReadFull(hash.Digest(), out) instead.
func (hash *Hash) Sum() []byte {
	out := make([]byte, DigestLengthBytes)
	if _, err := io.ReadFull(hash.Digest(), out); err != nil {
		panic(fmt.Sprintf("hash.Sum: internal hash failure: %v", err))
	}
	return out
}

// WriteAny takes many different data types and writes them to the hash state.
//
// Currently supported types:
//
//   - []byte
//   - string
//   - WriterToWithDomain
//
// This function will apply its own domain separation for the first two types.
// The last type already suggests which domain to use, and this function respects it.
func (hash *Hash) WriteAny(data ...interface{}) error {
	var toBeWritten WriterToWithDomain
	for _, d := range data {
		switch t := d.(type) {
		case []byte:
			if t == nil {
				return fmt.Errorf("hash.WriteAny: nil []byte")
			}
			toBeWritten = Bytes("[]byte", t)
		case string:
			toBeWritten = Bytes("string", []byte(t))
		case WriterToWithDomain:
			toBeWritten = t
		default:
			return fmt.Errorf("hash.WriteAny: invalid type provided as input: %T", d)
		}

		if err := hash.writeDomain(toBeWritten); err != nil {
			return err
		}
	}
	return nil
}

func (hash *Hash) writeDomain(w WriterToWithDomain) error {
	domain := w.Domain()
	var lengths [16]byte
	binary.BigEndian.PutUint64(lengths[:8], uint64(len(domain)))
	// the content length is appended after the content
	_, _ = hash.h.Write(lengths[:8])
	_, _ = hash.h.Write([]byte(domain))

	counter := &countingWriter{w: hash.h}
	if _, err := w.WriteTo(counter); err != nil {
		return fmt.Errorf("hash.WriteAny: %s: %w", domain, err)
	}
	binary.BigEndian.PutUint64(lengths[8:], counter.n)
	_, _ = hash.h.Write(lengths[8:])
	return nil
}

// Clone returns a copy of the Hash in its current state.
func (hash *Hash) Clone() *Hash {
	return &Hash{h: hash.h.Clone()}
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
