// Package events defines the four tagged records the escrow state machine
// emits on every transition and the stores that persist them for
// downstream observers. Events are the only integration surface callers may
// rely on; nothing reads escrow account state directly.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
)

// Tag is a closed set of event kinds, one per escrow transition.
type Tag string

const (
	TagEscrowInitialized Tag = "escrow_initialized"
	TagDisputeMarked Tag = "dispute_marked"
	TagDisputeResolved Tag = "dispute_resolved"
	TagFundsReleased Tag = "funds_released"
)

// Event is a single emitted record. Data carries the tag-specific fields;
// its shape is fixed per tag even though Go represents it generically.
type Event struct {
	ID string `json:"id"`
	Tag Tag `json:"tag"`
	Escrow string `json:"escrow"`
	Timestamp time.Time `json:"timestamp"`
	Data map[string]interface{} `json:"data"`
}

// EscrowInitialized builds the event emitted by create.
func EscrowInitialized(escrow, agent, api string, amount uint64, transactionID string, expiresAt time.Time) Event {
	return Event{
		Tag: TagEscrowInitialized,
		Escrow: escrow,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"agent": agent,
			"api": api,
			"amount": amount,
			"transaction_id": transactionID,
			"expires_at": expiresAt,
		},
	}
}

// DisputeMarked builds the event emitted by mark_disputed.
func DisputeMarked(escrow, agent string) Event {
	return Event{
		Tag: TagDisputeMarked,
		Escrow: escrow,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"agent": agent,
		},
	}
}

// DisputeResolved builds the event emitted by resolve_dispute_signed and
// resolve_dispute_quorum alike.
func DisputeResolved(escrow string, qualityScore, refundPercentage uint8, refundAmount, paymentAmount uint64) Event {
	return Event{
		Tag: TagDisputeResolved,
		Escrow: escrow,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"quality_score": qualityScore,
			"refund_percentage": refundPercentage,
			"refund_amount": refundAmount,
			"payment_amount": paymentAmount,
		},
	}
}

// FundsReleased builds the event emitted by release.
func FundsReleased(escrow, api string, amount uint64) Event {
	return Event{
		Tag: TagFundsReleased,
		Escrow: escrow,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"api": api,
			"amount": amount,
		},
	}
}

// Store persists the event log for an escrow and supports replay.
type Store interface {
	Append(ctx context.Context, e Event) error
	ListByEscrow(ctx context.Context, escrow string, limit int) ([]Event, error)
}

// MemoryStore is an in-memory event log for demo/development mode.
type MemoryStore struct {
	mu sync.Mutex
	events map[string][]Event
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event)}
}

func (m *MemoryStore) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	m.events[e.Escrow] = append(m.events[e.Escrow], e)
	return nil
}

func (m *MemoryStore) ListByEscrow(_ context.Context, escrow string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.events[escrow]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]Event, limit)
	copy(out, all[:limit])
	return out, nil
}
