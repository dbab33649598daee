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

	event := &Event{Type: EventCommitment, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventCommitment, EventRelay},
	}}

	commitmentEvent := &Event{Type: EventCommitment}
	relayEvent := &Event{Type: EventRelay}
	alertEvent := &Event{Type: EventReserveAlert}

	if !h.shouldSend(client, commitmentEvent) {
		t.Error("Should receive commitment events")
	}
	if !h.shouldSend(client, relayEvent) {
		t.Error("Should receive relay events")
	}
	if h.shouldSend(client, alertEvent) {
		t.Error("Should NOT receive reserve alert events")
	}
}

func TestShouldSend_ChainFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Chains: []string{"polygon"},
	}}

	matchingTarget := &Event{
		Type: EventCommitment,
		Data: map[string]interface{}{"sourceChain": "ethereum", "targetChain": "polygon"},
	}
	notMatching := &Event{
		Type: EventCommitment,
		Data: map[string]interface{}{"sourceChain": "ethereum", "targetChain": "bsc"},
	}
	matchingAlert := &Event{
		Type: EventReserveAlert,
		Data: map[string]interface{}{"chain": "polygon"},
	}

	if !h.shouldSend(client, matchingTarget) {
		t.Error("Should match on target chain")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated chains")
	}
	if !h.shouldSend(client, matchingAlert) {
		t.Error("Should match on alert chain field")
	}
}

func TestShouldSend_CommitmentFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Commitments: []string{"cmt_abc"},
	}}

	matching := &Event{
		Type: EventCommitment,
		Data: map[string]interface{}{"id": "cmt_abc", "status": "settled"},
	}
	notMatching := &Event{
		Type: EventCommitment,
		Data: map[string]interface{}{"id": "cmt_def", "status": "settled"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match watched commitment")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match other commitments")
	}
}

func TestShouldSend_TerminalOnlyFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		TerminalOnly: true,
	}}

	terminal := &Event{
		Type: EventCommitment,
		Data: map[string]interface{}{"id": "cmt_abc", "terminal": true},
	}
	intermediate := &Event{
		Type: EventCommitment,
		Data: map[string]interface{}{"id": "cmt_abc", "terminal": false},
	}
	alert := &Event{
		Type: EventReserveAlert,
		Data: map[string]interface{}{"chain": "polygon"},
	}

	if !h.shouldSend(client, terminal) {
		t.Error("Should receive terminal transitions")
	}
	if h.shouldSend(client, intermediate) {
		t.Error("Should NOT receive intermediate transitions")
	}
	if !h.shouldSend(client, alert) {
		t.Error("TerminalOnly filter should only apply to commitment events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventCommitment}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Chains: []string{"polygon"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventCommitment,
		Data: "string data not a map",
	}

	// Chain filter skips non-map data (can't extract chains), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when chain filter can't extract chains")
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
	h.Broadcast(&Event{Type: EventCommitment, Timestamp: time.Now()})
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
		Type:      EventCommitment,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"id": "cmt_abc", "status": "settled"},
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

func TestHub_BroadcastCommitment(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.BroadcastCommitment(map[string]interface{}{
		"id": "cmt_abc", "status": "lock_confirmed", "terminal": false,
	})
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

	// Client only wants reserve alerts
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventReserveAlert}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a commitment event (should be filtered out)
	h.Broadcast(&Event{Type: EventCommitment, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive commitment event")
	default:
		// Good - filtered out
	}

	// Send a reserve alert (should be received)
	h.Broadcast(&Event{Type: EventReserveAlert, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive reserve alert event")
	}
}
