// Package ledgertest provides an in-memory ledger.Storage for tests and
// simulations.
package ledgertest

import (
	"encoding/json"
	"sync"

	"dvpn.mini/dvr/internal/ledger"
)

// MemStorage is an in-memory ledger.Storage. It
// encodes values the same way the SQLite store does so that round trips
// behave identically.
type MemStorage struct {
	mu        sync.RWMutex
	entries   map[ledger.Key][]byte
	sequence  uint32
	liveUntil uint32
}

var _ ledger.Storage = (*MemStorage)(nil)

// NewMemStorage returns empty storage positioned at ledger sequence seq.
func NewMemStorage(seq uint32) *MemStorage {
	return &MemStorage{
		entries:  make(map[ledger.Key][]byte),
		sequence: seq,
	}
}

func (m *MemStorage) Get(key ledger.Key, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *MemStorage) Set(key ledger.Key, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemStorage) ExtendTTL(threshold, extendTo uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveUntil = ledger.RenewLiveUntil(m.sequence, m.liveUntil, threshold, extendTo)
	return nil
}

// SetSequence moves the storage to ledger sequence seq.
func (m *MemStorage) SetSequence(seq uint32) {
	m.mu.Lock()
	m.sequence = seq
	m.mu.Unlock()
}

// LiveUntil returns the last ledger sequence the entries are kept alive for.
func (m *MemStorage) LiveUntil() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.liveUntil
}

// Snapshot returns a copy of the raw entries.
func (m *MemStorage) Snapshot() map[ledger.Key]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[ledger.Key]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = string(v)
	}
	return out
}

// Clone returns an independent copy, useful for trying a call and
// discarding its writes.
func (m *MemStorage) Clone() *MemStorage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := &MemStorage{
		entries:   make(map[ledger.Key][]byte, len(m.entries)),
		sequence:  m.sequence,
		liveUntil: m.liveUntil,
	}
	for k, v := range m.entries {
		c.entries[k] = append([]byte(nil), v...)
	}
	return c
}
