package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTurn()
		m.RecordToolCall("execute_code", true)
		m.RecordRequest(OutcomeDone)
		m.RecordChunk()
		m.RecordAugmentation("hit")
		m.SetBridgeOnline(true)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolCallsByOutcome(t *testing.T) {
	m := New()
	m.RecordToolCall("execute_code", true)
	m.RecordToolCall("execute_code", false)
	m.RecordToolCall("execute_code", false)

	expected := `
		# HELP blenderagent_tool_calls_total Total number of tool calls by tool and outcome
		# TYPE blenderagent_tool_calls_total counter
		blenderagent_tool_calls_total{outcome="failure",tool="execute_code"} 2
		blenderagent_tool_calls_total{outcome="success",tool="execute_code"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(m.ToolCallsTotal, strings.NewReader(expected)))
}

func TestInstancesAreIsolated(t *testing.T) {
	a, b := New(), New()
	a.RecordTurn()
	a.RecordTurn()
	b.RecordTurn()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.TurnsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.TurnsTotal))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.SetBridgeOnline(true)
	m.RecordRequest(OutcomeLoopLimit)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "blenderagent_bridge_online 1")
	assert.Contains(t, body, `blenderagent_requests_total{outcome="loop_limit"} 1`)
}
