// Package queue implements the queue consumer (C3): a watermill-backed
// subscriber that decodes events off the wire format, deduplicates by
// eventId, and routes each event either straight to its handler (the
// high-volume queue-only path) or through the event bus.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/openmohaa/telemetryd/internal/apperrors"
	"github.com/openmohaa/telemetryd/internal/bus"
	"github.com/openmohaa/telemetryd/internal/models"
)

// Consumer bridges a watermill subscriber to the bus/direct-dispatch
// split described in §4.2: PLAYER_KILL/WEAPON_FIRE/WEAPON_HIT bypass the
// bus entirely and go straight to their registered handler.
type Consumer struct {
	bus    *bus.Bus
	direct map[models.EventType]bus.HandlerFunc
	dedupe *lru.Cache[string, struct{}]
	logger *zap.SugaredLogger

	validate *validator.Validate
}

// NewConsumer builds a Consumer with a bounded idempotency-key cache of
// the given size (SPEC_FULL domain-stack: hashicorp/golang-lru).
func NewConsumer(b *bus.Bus, direct map[models.EventType]bus.HandlerFunc, dedupeSize int, logger *zap.Logger) (*Consumer, error) {
	cache, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("queue: build dedupe cache: %w", err)
	}
	v := validator.New()
	if err := models.RegisterCustomValidations(v); err != nil {
		return nil, fmt.Errorf("queue: register validators: %w", err)
	}
	return &Consumer{
		bus:      b,
		direct:   direct,
		dedupe:   cache,
		logger:   logger.Sugar(),
		validate: v,
	}, nil
}

// Handle is a watermill message.HandlerFunc: returning nil acks
// the message, returning an error nacks it for redelivery. Validation and
// not-found failures are logged and acked — retrying them can never
// succeed (§7 propagation policy).
func (c *Consumer) Handle(msg *message.Message) ([]*message.Message, error) {
	ctx := msg.Context()

	var event models.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		c.logger.Warnw("dropping malformed queue message", "messageId", msg.UUID, "error", err)
		return nil, nil
	}

	if err := c.validate.Struct(&event); err != nil {
		c.logger.Warnw("dropping invalid event", "eventId", event.EventID, "error", err)
		return nil, nil
	}

	if event.EventID != "" {
		if _, seen := c.dedupe.Get(event.EventID); seen {
			c.logger.Debugw("dropping duplicate event", "eventId", event.EventID)
			return nil, nil
		}
	}

	if err := c.dispatch(ctx, &event); err != nil {
		return c.classify(&event, err)
	}

	// Record the idempotency key only once the event has been fully and
	// successfully processed, so a nacked (transient-failure) redelivery
	// isn't mistaken for a duplicate and silently dropped (§4.2, §8).
	if event.EventID != "" {
		c.dedupe.Add(event.EventID, struct{}{})
	}
	return nil, nil
}

func (c *Consumer) dispatch(ctx context.Context, event *models.Event) error {
	if event.EventType.IsQueueOnly() {
		handler, ok := c.direct[event.EventType]
		if !ok {
			return fmt.Errorf("queue: no direct handler registered for %s", event.EventType)
		}
		return handler(ctx, event)
	}
	c.bus.Emit(ctx, event)
	return nil
}

func (c *Consumer) classify(event *models.Event, err error) ([]*message.Message, error) {
	switch apperrors.ClassOf(err) {
	case apperrors.CategoryValidation, apperrors.CategoryNotFound:
		c.logger.Warnw("dropping event after permanent handler failure", "eventId", event.EventID, "eventType", event.EventType, "error", err)
		return nil, nil
	default:
		c.logger.Warnw("nacking event for redelivery", "eventId", event.EventID, "eventType", event.EventType, "error", err)
		return nil, err
	}
}
