package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/callshield/internal/classify"
	"github.com/mbd888/callshield/internal/session"
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

	event := &Event{Type: EventWarning, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventWarning, EventSessionClosed},
	}}

	warningEvent := &Event{Type: EventWarning}
	closedEvent := &Event{Type: EventSessionClosed}
	createdEvent := &Event{Type: EventSessionCreated}

	if !h.shouldSend(client, warningEvent) {
		t.Error("Should receive warning events")
	}
	if !h.shouldSend(client, closedEvent) {
		t.Error("Should receive session_closed events")
	}
	if h.shouldSend(client, createdEvent) {
		t.Error("Should NOT receive session_created events")
	}
}

func TestShouldSend_SessionFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		SessionIDs: []string{"sess_watch"},
	}}

	matching := &Event{
		Type: EventWarning,
		Data: map[string]interface{}{"sessionId": "sess_watch", "level": "SCAM"},
	}
	notMatching := &Event{
		Type: EventWarning,
		Data: map[string]interface{}{"sessionId": "sess_other", "level": "SCAM"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on sessionId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated sessions")
	}
}

func TestShouldSend_LevelFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Levels: []string{"SCAM"},
	}}

	scam := &Event{
		Type: EventWarning,
		Data: map[string]interface{}{"sessionId": "sess_1", "level": "SCAM"},
	}
	privacy := &Event{
		Type: EventWarning,
		Data: map[string]interface{}{"sessionId": "sess_1", "level": "PRIVACY"},
	}
	closed := &Event{
		Type: EventSessionClosed,
		Data: map[string]interface{}{"sessionId": "sess_1", "cause": "client_close"},
	}

	if !h.shouldSend(client, scam) {
		t.Error("Should receive SCAM warnings")
	}
	if h.shouldSend(client, privacy) {
		t.Error("Should NOT receive PRIVACY warnings")
	}
	if !h.shouldSend(client, closed) {
		t.Error("Level filter should only apply to warnings")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventWarning}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		SessionIDs: []string{"sess_watch"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventSweep,
		Data: "string data not a map",
	}

	// Session filter skips non-map data (can't extract the id), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when session filter can't extract an id")
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
	h.Broadcast(&Event{Type: EventSessionCreated, Timestamp: time.Now()})
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

func TestHub_EmitWarningReachesClient(t *testing.T) {
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

	h.EmitWarning("sess_1", classify.Warning{
		Type:        classify.WarningScam,
		Level:       classify.LevelScam,
		Title:       "Scam call blocked",
		AutoBlocked: true,
	})

	select {
	case msg := <-client.send:
		var event Event
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.Type != EventWarning {
			t.Errorf("event type = %s", event.Type)
		}
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			t.Fatalf("event data = %T", event.Data)
		}
		if data["sessionId"] != "sess_1" || data["level"] != "SCAM" || data["autoBlocked"] != true {
			t.Errorf("event data = %v", data)
		}
		if _, hasNumber := data["number"]; hasNumber {
			t.Error("warning events must not carry a phone number")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for warning event")
	}
}

func TestHub_EmitSessionLifecycle(t *testing.T) {
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

	h.EmitSessionConnected("sess_1", "****4567")
	h.EmitSessionClosed("sess_1", session.CauseClientClose)

	for _, want := range []EventType{EventSessionConnected, EventSessionClosed} {
		select {
		case msg := <-client.send:
			var event Event
			if err := json.Unmarshal(msg, &event); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if event.Type != want {
				t.Errorf("event type = %s, want %s", event.Type, want)
			}
			data, _ := event.Data.(map[string]interface{})
			if data["sessionId"] != "sess_1" {
				t.Errorf("event data = %v", data)
			}
			if want == EventSessionConnected && data["number"] != "****4567" {
				t.Errorf("connected event number = %v, want masked", data["number"])
			}
			if want == EventSessionClosed && data["cause"] != "client_close" {
				t.Errorf("closed event cause = %v", data["cause"])
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for %s event", want)
		}
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

	// Client only wants warnings
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventWarning}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a lifecycle event (should be filtered out)
	h.EmitSessionCreated("sess_1", "****4567")
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive session_created event")
	default:
		// Good - filtered out
	}

	// Send a warning event (should be received)
	h.EmitWarning("sess_1", classify.Warning{Level: classify.LevelPrivacy})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive warning event")
	}
}
