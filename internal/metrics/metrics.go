// Package metrics defines the Prometheus collectors exported by sandcastle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ExecutionBuckets covers sub-millisecond snippets up to long-running loops.
var ExecutionBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}

var (
	// ExecutionsTotal counts finished requests by outcome
	// (success, user_error, validation, not_ready, bootstrap, marshalling, internal).
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandcastle_executions_total",
			Help: "Executions by outcome",
		},
		[]string{"outcome"},
	)

	// ExecutionDuration records time spent running user code in seconds.
	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandcastle_execution_duration_seconds",
			Help:    "Code execution duration",
			Buckets: ExecutionBuckets,
		},
	)

	// BootstrapDuration records how long building a fresh environment takes.
	BootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandcastle_bootstrap_duration_seconds",
			Help:    "Environment bootstrap duration",
			Buckets: ExecutionBuckets,
		},
	)

	// BootstrapFailuresTotal counts failed bootstrap attempts, including retries.
	BootstrapFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandcastle_bootstrap_failures_total",
			Help: "Failed bootstrap attempts",
		},
	)

	// RecyclesTotal counts completed teardown and rebuild cycles.
	RecyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandcastle_recycles_total",
			Help: "Environment recycles",
		},
	)

	// EnvironmentState is 1 for the manager's current state and 0 otherwise.
	EnvironmentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandcastle_environment_state",
			Help: "Current lifecycle state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		BootstrapDuration,
		BootstrapFailuresTotal,
		RecyclesTotal,
		EnvironmentState,
	)
}

// SetState marks state as current among all known states.
func SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		EnvironmentState.WithLabelValues(s).Set(v)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
