// Package metrics exposes Prometheus counters for sessions and the events
// they dispatch.
package metrics

import (
	"net/http"
	"time"

	"github.com/mpataki/journey/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	VoiceConnected    prometheus.Gauge
	ToolCallsTotal    *prometheus.CounterVec
	HandoffsTotal     *prometheus.CounterVec
	NavigationsTotal  *prometheus.CounterVec
	CompletionsTotal  *prometheus.CounterVec
	RecordInputsTotal prometheus.Counter
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "journey"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Sessions started, by journey",
			},
			[]string{"journey"},
		),
		SessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
			},
		),
		VoiceConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "voice_sessions_connected",
				Help:      "Voice sessions currently connected",
			},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool calls by tool, source and outcome",
			},
			[]string{"tool", "source", "outcome"},
		),
		HandoffsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handoffs_total",
				Help:      "Agent handoffs",
			},
			[]string{"from", "to"},
		),
		NavigationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "navigations_total",
				Help:      "Screen navigations by outcome",
			},
			[]string{"outcome"},
		),
		CompletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversations_completed_total",
				Help:      "Conversations that reached completion, by agent",
			},
			[]string{"agent"},
		),
		RecordInputsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "record_inputs_total",
				Help:      "Recorded user inputs after deduplication",
			},
		),
	}

	registry.MustRegister(
		m.SessionsTotal,
		m.SessionDuration,
		m.VoiceConnected,
		m.ToolCallsTotal,
		m.HandoffsTotal,
		m.NavigationsTotal,
		m.CompletionsTotal,
		m.RecordInputsTotal,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart(journeyID string) {
	m.SessionsTotal.WithLabelValues(journeyID).Inc()
}

func (m *Metrics) RecordSessionEnd(duration time.Duration) {
	m.SessionDuration.Observe(duration.Seconds())
}

// Observer returns a bus handler that counts one session's events. It
// tracks that session's voice connection so the gauge never goes negative.
func (m *Metrics) Observer() events.Handler {
	connected := false
	return func(e events.Event) {
		switch e.Type {
		case events.ConnectionState:
			switch e.String("state") {
			case "connected":
				if !connected {
					connected = true
					m.VoiceConnected.Inc()
				}
			case "disconnected":
				if connected {
					connected = false
					m.VoiceConnected.Dec()
				}
			}
		case events.ToolCall:
			outcome := "ok"
			if _, failed := e.Payload["error"]; failed {
				outcome = "error"
			}
			m.ToolCallsTotal.WithLabelValues(e.String("tool"), e.String("source"), outcome).Inc()
		case events.AgentHandoff:
			m.HandoffsTotal.WithLabelValues(e.String("from"), e.String("to")).Inc()
		case events.ScreenChanged:
			m.NavigationsTotal.WithLabelValues("ok").Inc()
		case events.NavigationFailed:
			m.NavigationsTotal.WithLabelValues("not_found").Inc()
		case events.ConversationComplete:
			m.CompletionsTotal.WithLabelValues(e.String("agent")).Inc()
		case events.RecordInput:
			m.RecordInputsTotal.Inc()
		}
	}
}
