// Package observability provides Prometheus metrics for the Relay server.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the server. Create it once
// at startup; instruments register with the default registry and are
// served by the /metrics handler.
type Metrics struct {
	// ToolConnectionsOpen is a gauge of currently open tool-server
	// connections across all sessions.
	ToolConnectionsOpen prometheus.Gauge

	// ConnectionEstablishTotal counts establish attempts.
	// Labels: status (ok|capacity|error)
	ConnectionEstablishTotal *prometheus.CounterVec

	// LLMRequestCounter counts LLM invocations.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// StreamFramesTotal counts frames written to clients.
	// Labels: type (text|finish)
	StreamFramesTotal *prometheus.CounterVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec

	// ActiveSessions is a gauge of live in-memory sessions.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at application startup.
func NewMetrics() *Metrics {
	return newMetrics(nil)
}

// NewMetricsWithRegistry registers the metrics with a private registry;
// used by tests to avoid duplicate registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		ToolConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_tool_connections_open",
			Help: "Number of currently open tool-server connections",
		}),

		ConnectionEstablishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_connection_establish_total",
				Help: "Tool connection establish attempts by outcome",
			},
			[]string{"status"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		StreamFramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_stream_frames_total",
				Help: "Frames written to streaming responses by type",
			},
			[]string{"type"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "HTTP requests by method, path, and status code",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path"},
		),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of live in-memory sessions",
		}),
	}
}
