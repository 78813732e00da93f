// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// UpstreamDuration tracks outbound calls to the bot and avatar platforms.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Outbound platform call duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"platform", "operation", "status"},
	)

	// VisitorSessionsActive tracks live visitor sessions.
	VisitorSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "visitor_sessions_active",
			Help: "Number of live visitor sessions",
		},
	)

	// AvatarSessionsActive tracks live avatar streaming sessions.
	AvatarSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "avatar_sessions_active",
			Help: "Number of live avatar streaming sessions",
		},
	)

	// WebhookEventsTotal tracks inbound webhook events by type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound bot platform events",
		},
		[]string{"type", "outcome"},
	)

	// MessagesTotal tracks messages appended to visitor logs.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages relayed",
		},
		[]string{"type", "source"},
	)

	// SpeakTotal tracks speak attempts by outcome.
	SpeakTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatar_speak_total",
			Help: "Avatar speak attempts",
		},
		[]string{"outcome"},
	)

	// WebSocketConnectionsActive tracks active realtime connections.
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Number of active websocket connections",
		},
	)

	// BroadcastsTotal tracks live-update deliveries.
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcasts_total",
			Help: "Live updates pushed to visitor rooms",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordUpstream records metrics for an outbound platform call.
func RecordUpstream(platform, operation, status string, duration float64) {
	UpstreamDuration.WithLabelValues(platform, operation, status).Observe(duration)
}

// RecordWebhookEvent counts an inbound webhook event.
func RecordWebhookEvent(eventType, outcome string) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordSpeak counts a speak attempt.
func RecordSpeak(outcome string) {
	SpeakTotal.WithLabelValues(outcome).Inc()
}

// IncrementWebSocketConnections increments the active websocket count.
func IncrementWebSocketConnections() {
	WebSocketConnectionsActive.Inc()
}

// DecrementWebSocketConnections decrements the active websocket count.
func DecrementWebSocketConnections() {
	WebSocketConnectionsActive.Dec()
}
