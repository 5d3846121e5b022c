package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/escrowerr"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.escrows[e.Address]; exists {
		return escrowerr.New(escrowerr.DuplicateTransactionId)
	}
	cp := *e
	m.escrows[e.Address] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, addr string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[addr]
	if !ok {
		return nil, escrowerr.ErrNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.Address]; !ok {
		return escrowerr.ErrNotFound
	}
	cp := *e
	m.escrows[e.Address] = &cp
	return nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, agent string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Agent == agent {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt > result[j].CreatedAt })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredActive(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := before.Unix()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusActive && e.ExpiresAt < cutoff {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
