// Package ledger tracks the accounts the settlement core transfers
// between: agent and API balances, and the custody account each escrow
// holds while Active or Disputed. Only the program may debit an escrow's
// custody account; every debit is checked against the runtime's
// storage-reserve minimum before it is allowed.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/escrowerr"
)

// Transfer is one leg of a settlement: move amount out of the triggering
// escrow's custody account into To's available balance. Release produces
// one Transfer; a dispute resolution produces two (agent refund, api
// payment) — the same SettleEscrow call handles both uniformly.
type Transfer struct {
	To string
	Amount uint64
}

// Entry is an append-only record of a single balance mutation, kept for
// audit purposes alongside the event stream.
type Entry struct {
	ID string
	Account string
	Delta int64 // positive credit, negative debit
	Reference string
	CreatedAt time.Time
}

// Store persists account balances and the custody accounts escrows hold.
type Store interface {
	// GetBalance returns an entity's available balance (0 if it has never
	// been credited).
	GetBalance(ctx context.Context, entity string) (uint64, error)

	// Credit adds amount to entity's available balance. Used to fund
	// agents in tests and onboarding; never called by the settlement core
	// itself.
	Credit(ctx context.Context, entity string, amount uint64, reference string) error

	// LockEscrow debits agent's available balance by principal+reserve and
	// credits escrowAddr's custody balance by the same amount, atomically.
	// Fails with escrowerr.ErrInsufficientFunds if agent's balance is below
	// principal+reserve.
	LockEscrow(ctx context.Context, agent, escrowAddr string, principal, reserve uint64) error

	// SettleEscrow debits escrowAddr's custody balance by the sum of
	// transfers and credits each recipient's available balance, atomically.
	// After the debit, escrowAddr's remaining custody balance must be >=
	// reserveMinimum or the whole settlement fails with
	// escrowerr.InsufficientRentReserve and no balance is mutated.
	SettleEscrow(ctx context.Context, escrowAddr string, transfers []Transfer, reserveMinimum uint64) error

	// CustodyBalance returns the current custody balance held at
	// escrowAddr (principal plus any unswept reserve).
	CustodyBalance(ctx context.Context, escrowAddr string) (uint64, error)
}

// custodyPrefix namespaces escrow custody accounts from ordinary entity
// balances inside the same balance map, so an escrow address can never be
// confused with an agent/api identity even if they happen to collide as
// strings.
const custodyPrefix = "custody:"

// MemoryStore is an in-memory ledger for demo/development mode.
type MemoryStore struct {
	mu sync.Mutex
	balances map[string]uint64
	entries []Entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]uint64)}
}

func (m *MemoryStore) GetBalance(_ context.Context, entity string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[entity], nil
}

func (m *MemoryStore) Credit(_ context.Context, entity string, amount uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[entity] += amount
	m.record(entity, int64(amount), reference)
	return nil
}

func (m *MemoryStore) LockEscrow(_ context.Context, agent, escrowAddr string, principal, reserve uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := principal + reserve
	if m.balances[agent] < total {
		return escrowerr.ErrInsufficientFunds
	}
	m.balances[agent] -= total
	m.balances[custodyPrefix+escrowAddr] += total
	m.record(agent, -int64(total), escrowAddr)
	m.record(custodyPrefix+escrowAddr, int64(total), agent)
	return nil
}

func (m *MemoryStore) SettleEscrow(_ context.Context, escrowAddr string, transfers []Transfer, reserveMinimum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total uint64
	for _, t := range transfers {
		total += t.Amount
	}

	custodyKey := custodyPrefix + escrowAddr
	custody := m.balances[custodyKey]
	if total > custody {
		return escrowerr.New(escrowerr.ArithmeticOverflow)
	}
	remaining := custody - total
	if remaining < reserveMinimum {
		return escrowerr.New(escrowerr.InsufficientRentReserve)
	}

	m.balances[custodyKey] = remaining
	m.record(custodyKey, -int64(total), escrowAddr)
	for _, t := range transfers {
		m.balances[t.To] += t.Amount
		m.record(t.To, int64(t.Amount), escrowAddr)
	}
	return nil
}

func (m *MemoryStore) CustodyBalance(_ context.Context, escrowAddr string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[custodyPrefix+escrowAddr], nil
}

func (m *MemoryStore) record(account string, delta int64, reference string) {
	m.entries = append(m.entries, Entry{
		Account: account,
		Delta: delta,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

// Entries returns a copy of the audit log, oldest first. Intended for tests
// and administrative inspection, not the settlement hot path.
func (m *MemoryStore) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
