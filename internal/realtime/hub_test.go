package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/agentshield/internal/decisions"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func blockedDecision(principal string) *decisions.Decision {
	return &decisions.Decision{
		ID:        "dec_1",
		Principal: principal,
		Outcome:   decisions.OutcomeBlocked,
		Stages: []decisions.StageResult{
			{Stage: decisions.StageHoneypot, Outcome: decisions.StageBlock, Reason: "sell simulation reverted"},
		},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventDecision, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventHoneypot},
	}}

	honeypotEvent := &Event{Type: EventHoneypot}
	decisionEvent := &Event{Type: EventDecision}

	if !h.shouldSend(client, honeypotEvent) {
		t.Error("Should receive honeypot_detected events")
	}
	if h.shouldSend(client, decisionEvent) {
		t.Error("Should NOT receive decision events")
	}
}

func TestShouldSend_PrincipalFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Principals: []string{"0xaaa"},
	}}

	matching := &Event{
		Type: EventDecision,
		Data: &decisions.Decision{Principal: "0xaaa", Outcome: decisions.OutcomeApproved},
	}
	notMatching := &Event{
		Type: EventDecision,
		Data: &decisions.Decision{Principal: "0xbbb", Outcome: decisions.OutcomeApproved},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on principal address")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated principals")
	}
}

func TestShouldSend_OutcomeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Outcomes: []string{"blocked"},
	}}

	blocked := &Event{
		Type: EventDecision,
		Data: &decisions.Decision{Principal: "0xaaa", Outcome: decisions.OutcomeBlocked},
	}
	approved := &Event{
		Type: EventDecision,
		Data: &decisions.Decision{Principal: "0xaaa", Outcome: decisions.OutcomeApproved},
	}

	if !h.shouldSend(client, blocked) {
		t.Error("Should receive blocked decisions")
	}
	if h.shouldSend(client, approved) {
		t.Error("Should NOT receive approved decisions")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventDecision}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonDecisionData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Principals: []string{"0xaaa"},
	}}

	// Principal filter requires decision data to match against.
	event := &Event{
		Type: EventDecision,
		Data: "string data not a decision",
	}

	if h.shouldSend(client, event) {
		t.Error("Principal filter should reject events without decision data")
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
	h.Broadcast(&Event{Type: EventDecision, Timestamp: time.Now()})
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
		Type:      EventDecision,
		Timestamp: time.Now(),
		Data:      blockedDecision("0xaaa"),
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

func TestHub_BroadcastDecision_HoneypotDouble(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Subscriber only watching honeypot detections.
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventHoneypot}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// A honeypot-blocked decision publishes both a decision event and a
	// honeypot_detected event; this client sees only the latter.
	h.BroadcastDecision(blockedDecision("0xaaa"))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Honeypot subscriber should receive honeypot_detected event")
	}

	// A plain approved decision yields nothing for this subscriber.
	h.BroadcastDecision(&decisions.Decision{ID: "dec_2", Outcome: decisions.OutcomeApproved})
	time.Sleep(100 * time.Millisecond)
	select {
	case <-client.send:
		t.Error("Honeypot subscriber should NOT receive plain decisions")
	default:
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

	// Client only wants honeypot detections
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventHoneypot}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a decision event (should be filtered out)
	h.Broadcast(&Event{Type: EventDecision, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive decision event")
	default:
		// Good - filtered out
	}

	// Send a honeypot event (should be received)
	h.Broadcast(&Event{Type: EventHoneypot, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive honeypot event")
	}
}
