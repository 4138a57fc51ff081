package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistered(t *testing.T) {
	ExecutionsTotal.WithLabelValues("success").Inc()
	ExecutionDuration.Observe(0.01)
	BootstrapDuration.Observe(0.01)
	BootstrapFailuresTotal.Add(0)
	RecyclesTotal.Add(0)
	SetState("ready", []string{"ready", "failed"})

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	expected := map[string]bool{
		"sandcastle_executions_total":           false,
		"sandcastle_execution_duration_seconds": false,
		"sandcastle_bootstrap_duration_seconds": false,
		"sandcastle_bootstrap_failures_total":   false,
		"sandcastle_recycles_total":             false,
		"sandcastle_environment_state":          false,
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "metric %s not registered", name)
	}
}

func TestSetState(t *testing.T) {
	all := []string{"bootstrapping", "ready", "failed"}

	SetState("failed", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(EnvironmentState.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(EnvironmentState.WithLabelValues("ready")))

	SetState("ready", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(EnvironmentState.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(EnvironmentState.WithLabelValues("ready")))
}

func TestHandler(t *testing.T) {
	RecyclesTotal.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "sandcastle_recycles_total"))
}
