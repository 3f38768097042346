package queue

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// EventsTopic is the single topic every event type is published to; the
// consumer itself decides bus-vs-direct routing per §4.2, not the
// transport.
const EventsTopic = "telemetry.events"

// zapAdapter satisfies watermill.LoggerAdapter on top of the daemon's own
// *zap.SugaredLogger, so queue transport logs land in the same structured
// stream as everything else.
type zapAdapter struct {
	logger *zap.SugaredLogger
}

func NewZapAdapter(logger *zap.Logger) watermill.LoggerAdapter {
	return &zapAdapter{logger: logger.Sugar()}
}

func (a *zapAdapter) fields(f watermill.LogFields) []any {
	out := make([]any, 0, len(f)*2)
	for k, v := range f {
		out = append(out, k, v)
	}
	return out
}

func (a *zapAdapter) Error(msg string, err error, f watermill.LogFields) {
	a.logger.Errorw(msg, append(a.fields(f), "error", err)...)
}
func (a *zapAdapter) Info(msg string, f watermill.LogFields)  { a.logger.Infow(msg, a.fields(f)...) }
func (a *zapAdapter) Debug(msg string, f watermill.LogFields) { a.logger.Debugw(msg, a.fields(f)...) }
func (a *zapAdapter) Trace(msg string, f watermill.LogFields) { a.logger.Debugw(msg, a.fields(f)...) }
func (a *zapAdapter) With(f watermill.LogFields) watermill.LoggerAdapter {
	return &zapAdapter{logger: a.logger.With(a.fields(f)...)}
}

// NewPubSub builds either an AMQP-backed or an in-process pub/sub pair,
// depending on useAMQP — the daemon runs against RabbitMQ in production
// and against watermill's in-memory gochannel for local/dev runs with no
// broker available.
func NewPubSub(useAMQP bool, amqpURI string, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	if !useAMQP {
		pubsub := gochannel.NewGoChannel(gochannel.Config{}, logger)
		return pubsub, pubsub, nil
	}

	cfg := amqp.NewDurablePubSubConfig(amqpURI, nil)
	publisher, err := amqp.NewPublisher(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: build amqp publisher: %w", err)
	}
	subscriber, err := amqp.NewSubscriber(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("queue: build amqp subscriber: %w", err)
	}
	return publisher, subscriber, nil
}
