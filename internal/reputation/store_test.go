package reputation

import (
	"context"
	"testing"
)

func TestMemoryStore_GetCreatesLazily(t *testing.T) {
	store := NewMemoryStore()
	rec, err := store.Get(context.Background(), "agent-1", EntityAgent)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Entity != "agent-1" || rec.Counters.TotalTransactions != 0 {
		t.Fatalf("unexpected lazily-created record: %+v", rec)
	}
}

func TestMemoryStore_UpdateThenGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, _ := store.Get(ctx, "agent-1", EntityAgent)
	rec.Counters.RecordDispute(100)
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, "agent-1", EntityAgent)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Counters.DisputesWon != 1 {
		t.Fatalf("DisputesWon = %d, want 1", got.Counters.DisputesWon)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, _ := store.Get(ctx, "agent-1", EntityAgent)
	rec.Counters.RecordDispute(100)
	_ = store.Update(ctx, rec)

	mutated, _ := store.Get(ctx, "agent-1", EntityAgent)
	mutated.Counters.RecordDispute(0)

	unaffected, _ := store.Get(ctx, "agent-1", EntityAgent)
	if unaffected.Counters.DisputesLost != 0 {
		t.Fatalf("mutating a returned record leaked into the store: %+v", unaffected.Counters)
	}
}
