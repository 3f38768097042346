package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/openmohaa/telemetryd/internal/apperrors"
	"github.com/openmohaa/telemetryd/internal/bus"
	"github.com/openmohaa/telemetryd/internal/models"
)

func makeMsg(t *testing.T, event models.Event) *message.Message {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return message.NewMessage("test-id", payload)
}

func validEvent(eventType models.EventType, eventID string) models.Event {
	return models.Event{
		EventType: eventType,
		Timestamp: time.Now(),
		ServerID:  "srv1",
		EventID:   eventID,
		Data:      json.RawMessage(`{}`),
	}
}

func TestHandle_RoutesQueueOnlyEventDirectly(t *testing.T) {
	called := false
	direct := map[models.EventType]bus.HandlerFunc{
		models.EventPlayerKill: func(ctx context.Context, e *models.Event) error {
			called = true
			return nil
		},
	}
	b := bus.New(zap.NewNop())
	c, err := NewConsumer(b, direct, 1024, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}

	msg := makeMsg(t, validEvent(models.EventPlayerKill, "msg_abc_0123456789abcdef"))
	if _, err := c.Handle(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected direct handler to be invoked for queue-only event")
	}
}

func TestHandle_RoutesNonQueueOnlyEventThroughBus(t *testing.T) {
	called := false
	b := bus.New(zap.NewNop())
	b.On(models.EventPlayerConnect, 0, func(ctx context.Context, e *models.Event) error {
		called = true
		return nil
	})
	c, err := NewConsumer(b, nil, 1024, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}

	msg := makeMsg(t, validEvent(models.EventPlayerConnect, "msg_abc_0123456789abcdef"))
	if _, err := c.Handle(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected bus handler to be invoked")
	}
}

func TestHandle_DedupesRepeatedEventID(t *testing.T) {
	calls := 0
	b := bus.New(zap.NewNop())
	b.On(models.EventPlayerConnect, 0, func(ctx context.Context, e *models.Event) error {
		calls++
		return nil
	})
	c, err := NewConsumer(b, nil, 1024, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}

	event := validEvent(models.EventPlayerConnect, "msg_abc_0123456789abcdef")
	if _, err := c.Handle(makeMsg(t, event)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Handle(makeMsg(t, event)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls != 1 {
		t.Errorf("expected handler invoked once despite duplicate eventId, got %d", calls)
	}
}

func TestHandle_TransientErrorIsNacked(t *testing.T) {
	b := bus.New(zap.NewNop())
	b.On(models.EventPlayerConnect, 0, func(ctx context.Context, e *models.Event) error {
		return apperrors.Transient("op", errors.New("db down"))
	})
	c, err := NewConsumer(b, nil, 1024, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}

	msg := makeMsg(t, validEvent(models.EventPlayerConnect, "msg_abc_0123456789abcdef"))
	if _, err := c.Handle(msg); err == nil {
		t.Error("expected transient error to be returned for nack")
	}
}

func TestHandle_ValidationErrorIsAcked(t *testing.T) {
	b := bus.New(zap.NewNop())
	b.On(models.EventPlayerConnect, 0, func(ctx context.Context, e *models.Event) error {
		return apperrors.Validation("op", errors.New("bad steam id"))
	})
	c, err := NewConsumer(b, nil, 1024, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}

	msg := makeMsg(t, validEvent(models.EventPlayerConnect, "msg_abc_0123456789abcdef"))
	if _, err := c.Handle(msg); err != nil {
		t.Errorf("expected validation error to be acked (nil), got %v", err)
	}
}

func TestHandle_MalformedPayloadIsAcked(t *testing.T) {
	b := bus.New(zap.NewNop())
	c, err := NewConsumer(b, nil, 1024, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}

	msg := message.NewMessage("bad", []byte("not json"))
	if _, err := c.Handle(msg); err != nil {
		t.Errorf("expected malformed payload to be acked, got %v", err)
	}
}
