package container

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrepp/prism-harness/pkg/deployerr"
	"github.com/jrepp/prism-harness/pkg/launcher"
)

// MetricsCollector defines the interface for collecting deployment metrics
type MetricsCollector interface {
	// StateTransition records a state change of an attempt
	StateTransition(from, to State)

	// PhaseDuration records how long a phase (build, launch, await_ready, stop) took
	PhaseDuration(phase string, duration time.Duration, err error)

	// ReadyOutcome records the synchronizer outcome
	ReadyOutcome(kind launcher.OutcomeKind, elapsed time.Duration)

	// AttemptResult records the end of an attempt; code is empty on success
	AttemptResult(code deployerr.Code)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) StateTransition(from, to State)                                {}
func (n *noopMetricsCollector) PhaseDuration(phase string, duration time.Duration, err error) {}
func (n *noopMetricsCollector) ReadyOutcome(kind launcher.OutcomeKind, elapsed time.Duration) {}
func (n *noopMetricsCollector) AttemptResult(code deployerr.Code)                             {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	phaseDuration    *prometheus.HistogramVec
	readyOutcomes    *prometheus.CounterVec
	readyWait        *prometheus.HistogramVec
	attempts         *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector with its own registry
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "prism_harness"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_state_transitions_total",
			Help:      "Total number of deployment state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	pmc.phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_phase_duration_seconds",
			Help:      "Duration of deployment phases",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase", "status"},
	)

	pmc.readyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ready_outcomes_total",
			Help:      "Total number of readiness handshake outcomes",
		},
		[]string{"outcome"},
	)

	// Readiness waits run up to minutes
	pmc.readyWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ready_wait_seconds",
			Help:      "Time spent waiting for a deployment signal",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	pmc.attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_attempts_total",
			Help:      "Total number of deployment attempts by result",
		},
		[]string{"result"},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.phaseDuration,
		pmc.readyOutcomes,
		pmc.readyWait,
		pmc.attempts,
	)

	return pmc
}

// StateTransition records a state transition
func (pmc *PrometheusMetricsCollector) StateTransition(from, to State) {
	pmc.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// PhaseDuration records a phase duration
func (pmc *PrometheusMetricsCollector) PhaseDuration(phase string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pmc.phaseDuration.WithLabelValues(phase, status).Observe(duration.Seconds())
}

// ReadyOutcome records a readiness outcome
func (pmc *PrometheusMetricsCollector) ReadyOutcome(kind launcher.OutcomeKind, elapsed time.Duration) {
	pmc.readyOutcomes.WithLabelValues(kind.String()).Inc()
	pmc.readyWait.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

// AttemptResult records the end of an attempt
func (pmc *PrometheusMetricsCollector) AttemptResult(code deployerr.Code) {
	result := "deployed"
	if code != "" {
		result = string(code)
	}
	pmc.attempts.WithLabelValues(result).Inc()
}

// Registry returns the registry holding the collector's metrics
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}
