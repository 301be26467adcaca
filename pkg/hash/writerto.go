package hash

import "io"

// WriterToWithDomain is a value that writes itself to a Hash under its own domain.
type WriterToWithDomain interface {
	io.WriterTo
	Domain() string
}

// Tagged is a chunk of bytes written under an explicit domain.
type Tagged struct {
	Tag  string
	Data []byte
}

// Bytes tags data with domain.
func Bytes(domain string, data []byte) Tagged {
	return Tagged{Tag: domain, Data: data}
}

// WriteTo implements io.WriterTo. Nil data is refused, empty data is not.
func (t Tagged) WriteTo(w io.Writer) (int64, error) {
	if t.Data == nil {
		return 0, io.ErrUnexpectedEOF
	}
	n, err := w.Write(t.Data)
	return int64(n), err
}

func (t Tagged) Domain() string { return t.Tag }
