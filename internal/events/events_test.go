package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_AppendThenListByEscrow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	e1 := EscrowInitialized("esc_1", "agent-1", "api-1", 1_000_000, "tx_1", time.Now().Add(24*time.Hour))
	e2 := DisputeMarked("esc_1", "agent-1")
	e3 := FundsReleased("esc_2", "api-2", 500)

	for _, e := range []Event{e1, e2, e3} {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.ListByEscrow(ctx, "esc_1", 10)
	if err != nil {
		t.Fatalf("ListByEscrow: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Tag != TagEscrowInitialized || got[1].Tag != TagDisputeMarked {
		t.Fatalf("unexpected tags: %v, %v", got[0].Tag, got[1].Tag)
	}
	for _, e := range got {
		if e.ID == "" {
			t.Error("Append should assign an ID when none is set")
		}
	}
}

func TestMemoryStore_ListByEscrow_Empty(t *testing.T) {
	s := NewMemoryStore()
	got, err := s.ListByEscrow(context.Background(), "nonexistent", 10)
	if err != nil {
		t.Fatalf("ListByEscrow: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("len(got) = %d, want 0", len(got))
	}
}

func TestDisputeResolved_CarriesConservationFields(t *testing.T) {
	e := DisputeResolved("esc_1", 60, 25, 250_000, 750_000)
	if e.Data["refund_amount"].(uint64)+e.Data["payment_amount"].(uint64) != 1_000_000 {
		t.Fatal("refund + payment should reconstruct the principal")
	}
}

