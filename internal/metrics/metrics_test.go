package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/mpataki/journey/internal/events"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserver(t *testing.T) {
	m := New("")
	observe := m.Observer()

	observe(events.New(events.ConnectionState, map[string]any{"state": "connected"}))
	observe(events.New(events.ConnectionState, map[string]any{"state": "connected"}))
	require.Equal(t, 1.0, testutil.ToFloat64(m.VoiceConnected))

	observe(events.New(events.ToolCall, map[string]any{"tool": "trigger_event", "source": "native"}))
	observe(events.New(events.ToolCall, map[string]any{"tool": "trigger_event", "source": "native", "error": "bad"}))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("trigger_event", "native", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("trigger_event", "native", "error")))

	observe(events.New(events.AgentHandoff, map[string]any{"from": "g", "to": "m"}))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HandoffsTotal.WithLabelValues("g", "m")))

	observe(events.New(events.NavigationFailed, map[string]any{"screen": "x"}))
	require.Equal(t, 1.0, testutil.ToFloat64(m.NavigationsTotal.WithLabelValues("not_found")))

	observe(events.New(events.ConnectionState, map[string]any{"state": "disconnected"}))
	observe(events.New(events.ConnectionState, map[string]any{"state": "disconnected"}))
	require.Equal(t, 0.0, testutil.ToFloat64(m.VoiceConnected))
}

func TestHandler(t *testing.T) {
	m := New("test")
	m.RecordSessionStart("recovery")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), `test_sessions_total{journey="recovery"} 1`)
}
