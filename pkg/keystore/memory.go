package keystore

import (
	"context"
	"encoding/hex"
	"sync"
)

// Memory is a Store kept in memory. Records are stored encoded, so callers never share them.
type Memory struct {
	mtx     sync.RWMutex
	records map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.records[hex.EncodeToString(r.GroupPublicKey())] = data
	return nil
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, groupPublicKey []byte) (*Record, error) {
	m.mtx.RLock()
	data, ok := m.records[hex.EncodeToString(groupPublicKey)]
	m.mtx.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var r Record
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &r, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return len(m.records)
}
