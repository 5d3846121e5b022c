package events

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestShouldSend_AllEvents(t *testing.T) {
	c := &client{sub: Subscription{AllEvents: true}}
	e := Event{Tag: TagFundsReleased, Escrow: "esc_1"}
	if !shouldSend(c, e) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_TagFilter(t *testing.T) {
	c := &client{sub: Subscription{Tags: []Tag{TagDisputeMarked, TagDisputeResolved}}}

	if !shouldSend(c, Event{Tag: TagDisputeMarked}) {
		t.Error("should receive dispute_marked")
	}
	if !shouldSend(c, Event{Tag: TagDisputeResolved}) {
		t.Error("should receive dispute_resolved")
	}
	if shouldSend(c, Event{Tag: TagFundsReleased}) {
		t.Error("should NOT receive funds_released")
	}
}

func TestShouldSend_EscrowFilter(t *testing.T) {
	c := &client{sub: Subscription{Escrow: "esc_1"}}

	if !shouldSend(c, Event{Tag: TagFundsReleased, Escrow: "esc_1"}) {
		t.Error("should match subscribed escrow")
	}
	if shouldSend(c, Event{Tag: TagFundsReleased, Escrow: "esc_2"}) {
		t.Error("should NOT match a different escrow")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	c := &client{sub: Subscription{}}
	if !shouldSend(c, Event{Tag: TagFundsReleased}) {
		t.Error("empty subscription (no filters) should receive events")
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()
	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("connectedClients = %v, want 0", stats["connectedClients"])
	}
}

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	c := &client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}
	h.register <- c
	time.Sleep(20 * time.Millisecond)

	if stats := h.Stats(); stats["connectedClients"].(int) != 1 {
		t.Fatalf("connectedClients = %v, want 1", stats["connectedClients"])
	}

	h.Broadcast(FundsReleased("esc_1", "api-1", 500_000))

	select {
	case msg := <-c.send:
		if len(msg) == 0 {
			t.Error("expected non-empty broadcast payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	h.unregister <- c
	time.Sleep(20 * time.Millisecond)
	if stats := h.Stats(); stats["connectedClients"].(int) != 0 {
		t.Fatalf("connectedClients after unregister = %v, want 0", stats["connectedClients"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	c := &client{hub: h, send: make(chan []byte, 256), sub: Subscription{Tags: []Tag{TagDisputeMarked}}}
	h.register <- c
	time.Sleep(20 * time.Millisecond)

	h.Broadcast(FundsReleased("esc_1", "api-1", 1))
	time.Sleep(50 * time.Millisecond)
	select {
	case <-c.send:
		t.Error("client should not receive funds_released")
	default:
	}

	h.Broadcast(DisputeMarked("esc_1", "agent-1"))
	select {
	case <-c.send:
	case <-time.After(time.Second):
		t.Fatal("client should receive dispute_marked")
	}
}

func TestHub_ContextCancellationStops(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}
