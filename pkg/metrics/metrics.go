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
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ActiveStreams tracks upstream chat streams currently in flight.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_active_streams",
			Help: "Number of upstream chat streams in flight",
		},
	)

	// StreamEventsTotal tracks decoded stream events by kind.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stream_events_total",
			Help: "Total decoded stream events",
		},
		[]string{"kind"},
	)

	// StreamDecodeFailures tracks records the decoder could not parse.
	StreamDecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_stream_decode_failures_total",
			Help: "Total malformed stream records skipped",
		},
	)

	// TurnsTotal tracks completed turns by terminal status.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Total completed turns by terminal status",
		},
		[]string{"status"},
	)

	// TurnDuration tracks submit-to-terminal turn duration.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_turn_duration_seconds",
			Help:    "Submit-to-terminal turn duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"status"},
	)

	// SuggestionFailures tracks failed suggested-question fetches.
	SuggestionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_suggestion_failures_total",
			Help: "Total failed suggested-question fetches",
		},
	)

	// SSEConnectionsActive tracks active SSE relay connections to clients.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ArchivedTurnsTotal tracks turns published to the archive stream.
	ArchivedTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_archived_turns_total",
			Help: "Total turns published to the archive stream",
		},
		[]string{"status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTurn records metrics for a turn that reached a terminal status.
func RecordTurn(status string, duration float64) {
	TurnsTotal.WithLabelValues(status).Inc()
	TurnDuration.WithLabelValues(status).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
