package audit

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// MemStore is an in-memory Store. Service tests across the module use it to
// assert which audit events a command appended; it ignores the transaction
// argument.
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	chains map[string][]Entry
	frozen map[string]bool
}

func NewMemStore() *MemStore {
	return &MemStore{chains: map[string][]Entry{}, frozen: map[string]bool{}}
}

func (m *MemStore) Head(_ context.Context, _ pgx.Tx, tenderID string) (Head, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.chains[tenderID]
	h := Head{Frozen: m.frozen[tenderID]}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		h.Seq = last.Seq
		h.Hash = last.Hash
		h.HasEntry = true
	}
	return h, nil
}

func (m *MemStore) Insert(_ context.Context, _ pgx.Tx, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.chains[e.TenderID] = append(m.chains[e.TenderID], e)
	return e, nil
}

func (m *MemStore) Freeze(_ context.Context, tenderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen[tenderID] = true
	return nil
}

func (m *MemStore) Range(_ context.Context, tenderID string, fromSeq, toSeq int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.chains[tenderID]))
	for _, e := range m.chains[tenderID] {
		if e.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && e.Seq > toSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Entries returns a copy of the tender's chain in append order.
func (m *MemStore) Entries(tenderID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.chains[tenderID]))
	copy(out, m.chains[tenderID])
	return out
}

// Tamper overwrites the payload of the entry at seq, for integrity tests.
func (m *MemStore) Tamper(tenderID string, seq int, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.chains[tenderID] {
		if e.Seq == seq {
			e.Payload = payload
			m.chains[tenderID][i] = e
		}
	}
}
