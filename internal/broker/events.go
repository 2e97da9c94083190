package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// eventWriter is the part of Producer the publisher needs
type eventWriter interface {
	PublishEvent(ctx context.Context, key, eventType string, event interface{}) error
}

// EventPublisher handles publishing settlement events
type EventPublisher struct {
	producer eventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func schoolKey(schoolID int64) string {
	return fmt.Sprintf("school-%d", schoolID)
}

// PublishSaleSettled publishes SaleSettled event
func (ep *EventPublisher) PublishSaleSettled(ctx context.Context, event *models.SaleSettledEvent) error {
	return ep.producer.PublishEvent(ctx, schoolKey(event.SchoolID), event.EventType, event)
}

// PublishSaleRefunded publishes SaleRefunded event
func (ep *EventPublisher) PublishSaleRefunded(ctx context.Context, event *models.SaleRefundedEvent) error {
	return ep.producer.PublishEvent(ctx, schoolKey(event.SchoolID), event.EventType, event)
}

// PublishDepositRecorded publishes DepositRecorded event
func (ep *EventPublisher) PublishDepositRecorded(ctx context.Context, event *models.DepositRecordedEvent) error {
	return ep.producer.PublishEvent(ctx, schoolKey(event.SchoolID), event.EventType, event)
}

// PublishCommissionShortfall publishes CommissionShortfall event
func (ep *EventPublisher) PublishCommissionShortfall(ctx context.Context, event *models.CommissionShortfallEvent) error {
	return ep.producer.PublishEvent(ctx, schoolKey(event.SchoolID), event.EventType, event)
}

// EventHandler routes incoming events to registered handlers
type EventHandler struct {
	onCommissionShortfall func(context.Context, *models.CommissionShortfallEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnCommissionShortfall registers a handler for CommissionShortfall events
func (eh *EventHandler) OnCommissionShortfall(handler func(context.Context, *models.CommissionShortfallEvent) error) {
	eh.onCommissionShortfall = handler
}

// HandleMessage routes messages to appropriate handlers. Event types with no
// registered handler are skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	logger := util.GetLogger()
	logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeCommissionShortfall:
		if eh.onCommissionShortfall != nil {
			var event models.CommissionShortfallEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CommissionShortfall event: %w", err)
			}
			return eh.onCommissionShortfall(ctx, &event)
		}

	case models.EventTypeSaleSettled, models.EventTypeSaleRefunded, models.EventTypeDepositRecorded:
		// consumed by downstream services

	default:
		logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
