package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts Redis errors by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_redis_errors_total",
		Help: "Total number of Redis errors by operation",
	}, []string{"operation"})

	// DatabaseQueryLatency records repository latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agora_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// WebSocketConnections is the number of registered live connections.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_websocket_connections",
		Help: "Number of registered WebSocket connections",
	})

	// WebSocketEventsTotal counts outbound events by name.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_websocket_events_total",
		Help: "Total outbound realtime events by type",
	}, []string{"event_type"})

	// DeliveryFailures counts events that could not be handed to a live connection.
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_delivery_failures_total",
		Help: "Total realtime deliveries dropped by event type and reason",
	}, []string{"event_type", "reason"})

	// MessagesSent counts persisted messages.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_messages_sent_total",
		Help: "Total messages persisted by conversation kind and message type",
	}, []string{"kind", "message_type"})

	// NotificationsCreated counts persisted notifications by type.
	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_notifications_created_total",
		Help: "Total notifications created by type",
	}, []string{"type"})

	// NotificationsDeduplicated counts message notifications collapsed into an unread one.
	NotificationsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_notifications_deduplicated_total",
		Help: "Total message notifications skipped because an unread one exists",
	})

	// TypingUsers is the number of (conversation, user) pairs currently typing.
	TypingUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_typing_users",
		Help: "Number of users currently marked as typing",
	})

	// CommentCascadeSize records how many comments a single delete touched.
	CommentCascadeSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agora_comment_cascade_size",
		Help:    "Comments soft-deleted per delete request",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	// CallTransitions counts call status changes.
	CallTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_call_transitions_total",
		Help: "Total call status transitions by resulting status",
	}, []string{"status"})

	// EventsPublished counts domain events handed to the broker.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_events_published_total",
		Help: "Total domain events published by routing key and result",
	}, []string{"routing_key", "result"})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}

// RecordEvent increments the outbound event counter.
func RecordEvent(eventType string) {
	WebSocketEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDeliveryFailure increments the delivery failure counter.
func RecordDeliveryFailure(eventType, reason string) {
	DeliveryFailures.WithLabelValues(eventType, reason).Inc()
}
