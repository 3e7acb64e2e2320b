// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "token_call_verifier"

// Metrics holds all Prometheus metrics for the verifier.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Scheduler metrics
	TicksTotal            *prometheus.CounterVec
	TickDuration          prometheus.Histogram
	CandidatesSelected    prometheus.Counter
	CandidatesUnprocessed prometheus.Counter
	BackoffSkips          prometheus.Counter

	// Verification metrics
	Outcomes    *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Conflicts   prometheus.Counter
	Alerts      *prometheus.CounterVec

	// Collaborator metrics
	SourceErrors       *prometheus.CounterVec
	SourceFetchLatency prometheus.Histogram
	RepositoryErrors   *prometheus.CounterVec
	PublishFailures    prometheus.Counter

	// Health metrics
	LastSuccessfulTick prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Scheduler metrics
		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of scheduler ticks by status",
		}, []string{"status"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		CandidatesSelected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "candidates_selected_total",
			Help:      "Total number of calls selected for checking",
		}),
		CandidatesUnprocessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "candidates_unprocessed_total",
			Help:      "Total number of selected calls left for the next tick when the budget ran out",
		}),
		BackoffSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "backoff_skips_total",
			Help:      "Total number of calls skipped because their token is rate-limit backing off",
		}),

		// Verification metrics
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "outcomes_total",
			Help:      "Total number of evaluator outcomes",
		}, []string{"outcome"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "transitions_total",
			Help:      "Total number of applied status transitions",
		}, []string{"from", "to"}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "conflicts_total",
			Help:      "Total number of rejected conditional updates",
		}),
		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "alerts_total",
			Help:      "Total number of operator alerts by reason",
		}, []string{"reason"}),

		// Collaborator metrics
		SourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "errors_total",
			Help:      "Total number of price source errors by kind",
		}, []string{"kind"}),
		SourceFetchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fetch_latency_seconds",
			Help:      "Price series fetch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		RepositoryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "errors_total",
			Help:      "Total number of call repository errors by operation",
		}, []string{"operation"}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "failures_total",
			Help:      "Total number of outcome events that failed to publish",
		}),

		// Health metrics
		LastSuccessfulTick: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_tick_timestamp",
			Help:      "Unix timestamp of last tick that completed without a listing error",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint serving g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordTick records a finished tick.
func (m *Metrics) RecordTick(start, end time.Time, err error) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(end.Sub(start).Seconds())
	if err != nil {
		m.TicksTotal.WithLabelValues("error").Inc()
		return
	}
	m.TicksTotal.WithLabelValues("ok").Inc()
	m.LastSuccessfulTick.Set(float64(end.Unix()))
}

// RecordCandidates records selected and unprocessed candidate counts.
func (m *Metrics) RecordCandidates(selected, unprocessed int) {
	if m == nil {
		return
	}
	m.CandidatesSelected.Add(float64(selected))
	m.CandidatesUnprocessed.Add(float64(unprocessed))
}

// RecordBackoffSkip records a call skipped for token backoff.
func (m *Metrics) RecordBackoffSkip() {
	if m == nil {
		return
	}
	m.BackoffSkips.Inc()
}

// RecordOutcome records an evaluator outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}

// RecordTransition records an applied status change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// RecordConflict records a rejected conditional update.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

// RecordAlert records an operator-visible alert.
func (m *Metrics) RecordAlert(reason string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(reason).Inc()
}

// RecordSourceFetch records fetch latency and, on failure, the error kind.
func (m *Metrics) RecordSourceFetch(d time.Duration, errKind string) {
	if m == nil {
		return
	}
	m.SourceFetchLatency.Observe(d.Seconds())
	if errKind != "" {
		m.SourceErrors.WithLabelValues(errKind).Inc()
	}
}

// RecordRepositoryError records a failed repository operation.
func (m *Metrics) RecordRepositoryError(operation string) {
	if m == nil {
		return
	}
	m.RepositoryErrors.WithLabelValues(operation).Inc()
}

// RecordPublishFailure records an undelivered outcome event.
func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}
