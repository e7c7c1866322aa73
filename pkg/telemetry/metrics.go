// Package telemetry exposes Prometheus metrics for the gateway: tool call
// outcomes, upstream request status classes, throttling, and live session
// and stream gauges.
package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors on a private registry so tests can
// build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	ToolCalls        *prometheus.CounterVec
	UpstreamRequests *prometheus.CounterVec
	RateLimitWaits   prometheus.Counter
	ActiveSessions   prometheus.Gauge
	SSEStreams       prometheus.Gauge
}

// New builds and registers the collector set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apibridge_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "status"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apibridge_upstream_requests_total",
			Help: "Upstream HTTP responses by status class.",
		}, []string{"status_class"}),
		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apibridge_rate_limit_throttled_total",
			Help: "Requests delayed by the upstream rate limiter.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apibridge_active_sessions",
			Help: "Live MCP sessions.",
		}),
		SSEStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apibridge_sse_streams",
			Help: "Open SSE streams.",
		}),
	}
	m.registry.MustRegister(
		m.ToolCalls,
		m.UpstreamRequests,
		m.RateLimitWaits,
		m.ActiveSessions,
		m.SSEStreams,
	)
	return m
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(tool string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

// ObserveUpstream records one upstream response by status class (2xx, 4xx...).
func (m *Metrics) ObserveUpstream(statusCode int) {
	m.UpstreamRequests.WithLabelValues(fmt.Sprintf("%dxx", statusCode/100)).Inc()
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
