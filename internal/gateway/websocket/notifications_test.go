package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redpilot/redpilot/internal/common/logger"
	"github.com/redpilot/redpilot/internal/events"
	"github.com/redpilot/redpilot/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return log
}

func newTestClient(id string) *Client {
	return &Client{
		ID:            id,
		send:          make(chan []byte, 16),
		subscriptions: make(map[string]bool),
	}
}

func recvMessage(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("failed to unmarshal message: %v", err)
		}
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBroadcasterForwardsTaskEvents(t *testing.T) {
	log := testLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(log)
	go hub.Run(ctx)

	client := newTestClient("client-1")
	hub.Register(client)

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	b := RegisterNotifications(ctx, eventBus, hub, log)
	defer b.Close()

	ev := bus.NewEvent(events.TaskCreated, "scheduler", map[string]interface{}{
		"task_id": "task-1",
		"status":  "pending",
	})
	if err := eventBus.Publish(ctx, events.TaskCreated, ev); err != nil {
		t.Fatalf("failed to publish event: %v", err)
	}

	msg := recvMessage(t, client)
	if msg.Type != TypeNotification {
		t.Errorf("expected type notification, got %s", msg.Type)
	}
	if msg.Action != events.TaskCreated {
		t.Errorf("expected action %s, got %s", events.TaskCreated, msg.Action)
	}

	var payload map[string]interface{}
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	if payload["task_id"] != "task-1" {
		t.Errorf("expected task_id task-1, got %v", payload["task_id"])
	}
}

func TestBroadcasterForwardsDispatcherEvents(t *testing.T) {
	log := testLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(log)
	go hub.Run(ctx)

	client := newTestClient("client-1")
	hub.Register(client)

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	b := RegisterNotifications(ctx, eventBus, hub, log)
	defer b.Close()

	ev := bus.NewEvent(events.DispatcherStarted, "scheduler", map[string]interface{}{})
	if err := eventBus.Publish(ctx, events.DispatcherStarted, ev); err != nil {
		t.Fatalf("failed to publish event: %v", err)
	}

	msg := recvMessage(t, client)
	if msg.Action != events.DispatcherStarted {
		t.Errorf("expected action %s, got %s", events.DispatcherStarted, msg.Action)
	}
}

func TestHubNarrowsTaskSubscriptions(t *testing.T) {
	log := testLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(log)
	go hub.Run(ctx)

	narrowed := newTestClient("narrowed")
	open := newTestClient("open")
	hub.Register(narrowed)
	hub.Register(open)
	hub.SubscribeToTask(narrowed, "task-1")

	other, err := NewNotification(events.TaskUpdated, map[string]interface{}{"task_id": "task-2"})
	if err != nil {
		t.Fatalf("failed to build notification: %v", err)
	}
	hub.Broadcast(other)

	// The open client sees everything
	msg := recvMessage(t, open)
	if msg.Action != events.TaskUpdated {
		t.Errorf("expected action %s, got %s", events.TaskUpdated, msg.Action)
	}

	// The narrowed client only sees its task
	mine, err := NewNotification(events.TaskUpdated, map[string]interface{}{"task_id": "task-1"})
	if err != nil {
		t.Fatalf("failed to build notification: %v", err)
	}
	hub.Broadcast(mine)

	msg = recvMessage(t, narrowed)
	var payload map[string]interface{}
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("failed to parse payload: %v", err)
	}
	if payload["task_id"] != "task-1" {
		t.Errorf("expected only task-1 notifications, got %v", payload["task_id"])
	}
	if len(narrowed.send) != 0 {
		t.Errorf("expected no further messages for narrowed client, got %d queued", len(narrowed.send))
	}
}
