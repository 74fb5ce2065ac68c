// Package metrics holds the Prometheus instruments for the agent. All
// methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes recorded by RecordRequest.
const (
	OutcomeDone      = "done"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
	OutcomeLoopLimit = "loop_limit"
)

type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal        prometheus.Counter
	ToolCallsTotal    *prometheus.CounterVec
	RequestsTotal     *prometheus.CounterVec
	StreamChunksTotal prometheus.Counter
	AugmentationTotal *prometheus.CounterVec
	BridgeOnline      prometheus.Gauge
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TurnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "blenderagent_turns_total",
			Help: "Total number of model turns started",
		}),
		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blenderagent_tool_calls_total",
			Help: "Total number of tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blenderagent_requests_total",
			Help: "Total number of user requests by outcome",
		}, []string{"outcome"}),
		StreamChunksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "blenderagent_stream_chunks_total",
			Help: "Total number of streamed response chunks",
		}),
		AugmentationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "blenderagent_augmentations_total",
			Help: "Knowledge base augmentation attempts by outcome",
		}, []string{"outcome"}),
		BridgeOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blenderagent_bridge_online",
			Help: "1 when the Blender bridge answered the last health check",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTurn() {
	if m == nil || m.TurnsTotal == nil {
		return
	}
	m.TurnsTotal.Inc()
}

func (m *Metrics) RecordToolCall(tool string, success bool) {
	if m == nil || m.ToolCallsTotal == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) RecordRequest(outcome string) {
	if m == nil || m.RequestsTotal == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordChunk() {
	if m == nil || m.StreamChunksTotal == nil {
		return
	}
	m.StreamChunksTotal.Inc()
}

// RecordAugmentation counts an augmentation attempt; outcome is one of
// "hit", "miss", "error" or "disabled".
func (m *Metrics) RecordAugmentation(outcome string) {
	if m == nil || m.AugmentationTotal == nil {
		return
	}
	m.AugmentationTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetBridgeOnline(online bool) {
	if m == nil || m.BridgeOnline == nil {
		return
	}
	if online {
		m.BridgeOnline.Set(1)
		return
	}
	m.BridgeOnline.Set(0)
}
