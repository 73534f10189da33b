package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chorus-dev/chorus/internal/common/logger"
	"github.com/chorus-dev/chorus/internal/events"
	"github.com/chorus-dev/chorus/internal/events/bus"
	ws "github.com/chorus-dev/chorus/pkg/websocket"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(ws.NewDispatcher(), newTestLogger(t))
}

// newHubClient builds a client without a real connection. The read and
// write pumps are never started, so tests drain the send channel directly.
func newHubClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	c := NewClient(hub, nil, newTestLogger(t))
	hub.mu.Lock()
	hub.clients[c] = true
	hub.mu.Unlock()
	return c
}

func receiveNotification(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to parse notification: %v", err)
		}
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return nil
	}
}

func TestBroadcaster_RoutesStreamMessages(t *testing.T) {
	hub := newTestHub(t)
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	b, err := RegisterSessionStreamNotifications(hub, eventBus, newTestLogger(t))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	defer b.Close()

	subscribed := newHubClient(t, hub)
	bystander := newHubClient(t, hub)
	hub.SubscribeToSession(subscribed, "sess-1")

	event := bus.NewEvent(events.StreamMessage, "orchestrator", map[string]interface{}{
		"session_id": "sess-1",
		"content":    "hello",
	})
	if err := eventBus.Publish(context.Background(), events.BuildStreamMessageSubject("sess-1"), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg := receiveNotification(t, subscribed)
	if msg.Type != ws.MessageTypeNotification || msg.Action != ws.ActionStreamMessage {
		t.Errorf("unexpected notification %+v", msg)
	}
	var payload map[string]interface{}
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	if payload["session_id"] != "sess-1" || payload["content"] != "hello" {
		t.Errorf("unexpected payload %v", payload)
	}

	select {
	case data := <-bystander.send:
		t.Errorf("unsubscribed client received %s", data)
	default:
	}
}

func TestBroadcaster_WorktreeEventsRouteBySession(t *testing.T) {
	hub := newTestHub(t)
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	b, err := RegisterSessionStreamNotifications(hub, eventBus, newTestLogger(t))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	defer b.Close()

	client := newHubClient(t, hub)
	hub.SubscribeToSession(client, "sess-2")

	// Worktree ids equal session ids, so the session subscription applies
	event := bus.NewEvent(events.WorktreeMerged, "worktree-manager", map[string]interface{}{
		"session_id":  "sess-2",
		"worktree_id": "sess-2",
		"branch":      "chorus/fix-bug_ab12cd34",
	})
	subject := events.BuildWorktreeSubject(events.WorktreeMerged, "sess-2")
	if err := eventBus.Publish(context.Background(), subject, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg := receiveNotification(t, client)
	if msg.Action != ws.ActionWorktreeMerged {
		t.Errorf("expected worktree merged notification, got %s", msg.Action)
	}
}

func TestBroadcaster_DropsEventsWithoutSessionID(t *testing.T) {
	hub := newTestHub(t)
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	b, err := RegisterSessionStreamNotifications(hub, eventBus, newTestLogger(t))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	defer b.Close()

	client := newHubClient(t, hub)
	hub.SubscribeToSession(client, "sess-3")

	event := bus.NewEvent(events.StreamMessage, "orchestrator", map[string]interface{}{
		"content": "orphaned",
	})
	if err := eventBus.Publish(context.Background(), events.BuildStreamMessageSubject("sess-3"), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case data := <-client.send:
		t.Errorf("expected event to be dropped, got %s", data)
	default:
	}
}

func TestBroadcaster_CloseUnsubscribes(t *testing.T) {
	hub := newTestHub(t)
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()

	b, err := RegisterSessionStreamNotifications(hub, eventBus, newTestLogger(t))
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	client := newHubClient(t, hub)
	hub.SubscribeToSession(client, "sess-4")

	b.Close()

	event := bus.NewEvent(events.StreamMessage, "orchestrator", map[string]interface{}{
		"session_id": "sess-4",
	})
	if err := eventBus.Publish(context.Background(), events.BuildStreamMessageSubject("sess-4"), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case data := <-client.send:
		t.Errorf("expected no delivery after close, got %s", data)
	default:
	}
}

func TestHub_BroadcastRacesClientRemoval(t *testing.T) {
	hub := newTestHub(t)

	msg, err := ws.NewNotification(ws.ActionSessionStatus, map[string]string{"session_id": "sess-6"})
	if err != nil {
		t.Fatalf("failed to build notification: %v", err)
	}

	// Broadcasting while clients disconnect must never send on a closed
	// channel, the run is a panic check under the race detector.
	for i := 0; i < 50; i++ {
		client := newHubClient(t, hub)
		hub.SubscribeToSession(client, "sess-6")

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 20; j++ {
				hub.BroadcastToSession("sess-6", msg)
			}
		}()
		hub.removeClient(client)
		<-done
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := newTestHub(t)

	client := newHubClient(t, hub)
	hub.SubscribeToSession(client, "sess-5")
	hub.UnsubscribeFromSession(client, "sess-5")

	msg, err := ws.NewNotification(ws.ActionSessionStatus, map[string]string{"session_id": "sess-5"})
	if err != nil {
		t.Fatalf("failed to build notification: %v", err)
	}
	hub.BroadcastToSession("sess-5", msg)

	select {
	case data := <-client.send:
		t.Errorf("expected no delivery after unsubscribe, got %s", data)
	default:
	}
}
