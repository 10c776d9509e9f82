package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventPurchase, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventPurchase, EventTopUpSettled},
	}}

	purchase := &Event{Type: EventPurchase}
	settled := &Event{Type: EventTopUpSettled}
	reservation := &Event{Type: EventReservationConfirmed}

	if !h.shouldSend(client, purchase) {
		t.Error("Should receive purchase events")
	}
	if !h.shouldSend(client, settled) {
		t.Error("Should receive settled top-up events")
	}
	if h.shouldSend(client, reservation) {
		t.Error("Should NOT receive reservation events")
	}
}

func TestShouldSend_MemberFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Members: []string{"ada@example.com"},
	}}

	matching := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"member": "ada@example.com", "tokens": int64(500)},
	}
	notMatching := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"member": "bob@example.com", "tokens": int64(500)},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match the watched member")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other members")
	}
}

func TestShouldSend_MinTokensFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinTokens: 1000,
	}}

	large := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"tokens": int64(1500)},
	}
	small := &Event{
		Type: EventPurchase,
		Data: map[string]interface{}{"tokens": int64(500)},
	}
	// JSON round trips turn numbers into float64
	smallFloat := &Event{
		Type: EventTopUpSettled,
		Data: map[string]interface{}{"tokens": float64(500)},
	}
	reservation := &Event{
		Type: EventReservationCreated,
		Data: map[string]interface{}{"reservationId": "res_1"},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive large movement")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive small movement")
	}
	if h.shouldSend(client, smallFloat) {
		t.Error("Should NOT receive small float movement")
	}
	if !h.shouldSend(client, reservation) {
		t.Error("MinTokens filter should only apply to token movements")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventPurchase}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Members: []string{"ada@example.com"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventReservationConfirmed,
		Data: "string data not a map",
	}

	// Member filter skips non-map data (can't extract the member), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when member filter can't extract a member")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventPurchase, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventPurchase,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"member": "ada@example.com", "tokens": int64(500)},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_EmitAdaptsSettlementEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventTopUpSettled}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// The settlement service hands the hub dotted event names
	h.Emit("topup.settled", map[string]any{
		"member": "ada@example.com", "tokens": int64(4000), "intentId": "pur_1",
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive emitted settlement event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants reservation confirmations
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventReservationConfirmed}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a purchase event (should be filtered out)
	h.Broadcast(&Event{Type: EventPurchase, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive purchase event")
	default:
		// Good - filtered out
	}

	// Send a reservation confirmation (should be received)
	h.Broadcast(&Event{Type: EventReservationConfirmed, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive reservation event")
	}
}
