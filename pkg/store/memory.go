package store

import (
	"sync"

	"github.com/polyepoxide/polyepoxide/pkg/hash"
)

// Memory is the in-memory reference store. It is used by tests, by the
// sync engine's scratch state, and as the backing store when no data path
// is configured.
type Memory struct {
	mu   sync.RWMutex
	data map[hash.Hash][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[hash.Hash][]byte)}
}

func (m *Memory) Has(h hash.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[h]
	return ok, nil
}

func (m *Memory) Get(h hash.Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[h]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (m *Memory) PutBatch(batch []Node) error {
	if err := VerifyBatch(batch); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := CheckClosure(batch, func(h hash.Hash) (bool, error) {
		_, ok := m.data[h]
		return ok, nil
	})
	if err != nil {
		return err
	}

	for _, n := range batch {
		if _, ok := m.data[n.Hash]; ok {
			continue // write-once
		}
		b := make([]byte, len(n.Bytes))
		copy(b, n.Bytes)
		m.data[n.Hash] = b
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Len returns the number of stored nodes.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Hashes returns the set of stored hashes. Used by the schema pack
// exporter and by tests asserting closure invariants.
func (m *Memory) Hashes() []hash.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]hash.Hash, 0, len(m.data))
	for h := range m.data {
		out = append(out, h)
	}
	return out
}
