package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrMalformedEvent marks a message that can never be handled
var ErrMalformedEvent = errors.New("malformed event")

type route func(ctx context.Context, payload []byte) error

// EventHandler dispatches inbound events by event_type. Types without a
// registered route are logged and acknowledged.
type EventHandler struct {
	routes map[string]route
	logger *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{routes: map[string]route{}, logger: util.GetLogger()}
}

// OnPaymentSuccess registers a handler for PAYMENT_SUCCESS events
func (eh *EventHandler) OnPaymentSuccess(handler func(context.Context, *models.PaymentSuccessEvent) error) {
	eh.routes[models.EventTypePaymentSuccess] = decodeInto(handler)
}

// OnPaymentFailed registers a handler for PAYMENT_FAILED events
func (eh *EventHandler) OnPaymentFailed(handler func(context.Context, *models.PaymentFailedEvent) error) {
	eh.routes[models.EventTypePaymentFailed] = decodeInto(handler)
}

func decodeInto[T any](handler func(context.Context, *T) error) route {
	return func(ctx context.Context, payload []byte) error {
		var event T
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("%w: %T: %v", ErrMalformedEvent, event, err)
		}
		return handler(ctx, &event)
	}
}

// HandleMessage decodes the envelope and runs the matching route
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var envelope models.BaseEvent
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if envelope.EventID == "" {
		return fmt.Errorf("%w: missing event_id", ErrMalformedEvent)
	}

	handle, ok := eh.routes[envelope.EventType]
	if !ok {
		eh.logger.Warn("Unhandled event type",
			zap.String("event_type", envelope.EventType),
			zap.String("event_id", envelope.EventID))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", envelope.EventType),
		zap.String("event_id", envelope.EventID))
	return handle(ctx, msg.Value)
}
