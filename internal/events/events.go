package events

import (
	"context"
	"time"

	"agora/internal/observability"

	"github.com/google/uuid"
)

// Routing keys on the domain event exchange.
const (
	MessageSent         = "message.sent"
	CommentAdded        = "comment.added"
	CommentDeleted      = "comment.deleted"
	NotificationCreated = "notification.created"
	CallStarted         = "call.started"
	CallEnded           = "call.ended"
)

// Envelope wraps every published domain event.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Data          any       `json:"data"`
}

// NewEnvelope stamps data with a fresh id and the request's correlation id.
func NewEnvelope(ctx context.Context, eventType string, data any) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: observability.ExtractCorrelationID(ctx),
		Data:          data,
	}
}

// Emit publishes data under routingKey. Failures are logged and counted,
// never returned: the broker is a side channel.
func Emit(ctx context.Context, p Publisher, routingKey string, data any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, routingKey, NewEnvelope(ctx, routingKey, data)); err != nil {
		observability.EventsPublished.WithLabelValues(routingKey, "error").Inc()
		observability.LogAsyncOperationError(ctx, "publish_event", err, map[string]interface{}{
			"routing_key": routingKey,
		})
		return
	}
	observability.EventsPublished.WithLabelValues(routingKey, "ok").Inc()
}
