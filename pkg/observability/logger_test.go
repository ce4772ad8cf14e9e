package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestJSONLoggerEmitsEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf)
	logger.now = func() time.Time { return time.Unix(100, 0).UTC() }

	event := Event{
		Level:   LevelWarn,
		Service: "demo-service",
		Event:   "stale_tracker",
		Message: "tracker exceeded its silence budget",
		Fields: map[string]interface{}{
			"tracker": "worker",
			"budget":  "2s",
		},
	}

	if err := logger.Log(context.Background(), event); err != nil {
		t.Fatalf("log event: %v", err)
	}

	var payload Event
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Timestamp.Unix() != 100 {
		t.Fatalf("expected timestamp to be set, got %v", payload.Timestamp)
	}
	if payload.Level != LevelWarn {
		t.Fatalf("unexpected level: %s", payload.Level)
	}
	if payload.Service != "demo-service" {
		t.Fatalf("unexpected service: %s", payload.Service)
	}
	if payload.Fields["tracker"] != "worker" {
		t.Fatalf("expected tracker field preserved, got %v", payload.Fields)
	}
}

func TestJSONLoggerRequiresWriter(t *testing.T) {
	logger := NewJSONLogger(nil)
	if err := logger.Log(context.Background(), Event{Event: "test"}); err == nil {
		t.Fatal("expected error when writer is nil")
	}
}

func TestEventCloneCopiesFields(t *testing.T) {
	event := Event{
		Event:  "heartbeat_sent",
		Fields: map[string]interface{}{"cycle": 1},
	}
	clone := event.Clone()
	clone.Fields["cycle"] = 2

	if event.Fields["cycle"] != 1 {
		t.Fatalf("expected original fields untouched, got %v", event.Fields)
	}
}
