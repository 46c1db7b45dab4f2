// Package metrics provides Prometheus instrumentation for the unchain client
// and agent.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that several clients in one process never collide and only
// unchain metrics appear on the agent's /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by one client.
// A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	PollsTotal            *prometheus.CounterVec
	PollDuration          prometheus.Histogram
	PollIntervalSeconds   prometheus.Gauge
	StreamConnectsTotal   *prometheus.CounterVec
	StreamBackoffSeconds  *prometheus.GaugeVec
	ActiveStreams         prometheus.Gauge
	FlagUpdatesTotal      *prometheus.CounterVec
	EvaluationsTotal      *prometheus.CounterVec
	MetricReportsTotal    *prometheus.CounterVec
	PendingImpressions    prometheus.Gauge
	ListenerFailuresTotal prometheus.Counter
}

// New creates and registers all unchain metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unchain_polls_total",
			Help: "Total number of feature polls by project and result.",
		}, []string{"project_id", "result"}),

		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unchain_poll_cycle_duration_seconds",
			Help:    "Duration of a full poll cycle over all projects.",
			Buckets: prometheus.DefBuckets,
		}),

		PollIntervalSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unchain_poll_interval_seconds",
			Help: "Current poll interval, possibly adjusted by the server.",
		}),

		StreamConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unchain_stream_connects_total",
			Help: "Total number of feature stream connection attempts by outcome.",
		}, []string{"project_id", "status"}),

		StreamBackoffSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "unchain_stream_backoff_seconds",
			Help: "Current feature stream reconnect backoff by project.",
		}, []string{"project_id"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unchain_active_streams",
			Help: "Number of open feature streams.",
		}),

		FlagUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unchain_flag_updates_total",
			Help: "Total number of flag values that changed in the cache by source.",
		}, []string{"source"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unchain_flag_evaluations_total",
			Help: "Total number of flag evaluations by result and reason.",
		}, []string{"result", "reason"}),

		MetricReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unchain_metric_reports_total",
			Help: "Total number of usage metric reports by result.",
		}, []string{"result"}),

		PendingImpressions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unchain_pending_impressions",
			Help: "Impressions recorded but not yet reported.",
		}),

		ListenerFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unchain_change_listener_failures_total",
			Help: "Total number of change listeners that panicked.",
		}),
	}

	reg.MustRegister(
		m.PollsTotal,
		m.PollDuration,
		m.PollIntervalSeconds,
		m.StreamConnectsTotal,
		m.StreamBackoffSeconds,
		m.ActiveStreams,
		m.FlagUpdatesTotal,
		m.EvaluationsTotal,
		m.MetricReportsTotal,
		m.PendingImpressions,
		m.ListenerFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordPoll counts one project poll. A nil err is a success.
func (m *Metrics) RecordPoll(projectID string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.PollsTotal.WithLabelValues(projectID, result).Inc()
}

func (m *Metrics) ObservePollCycle(duration time.Duration) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(duration.Seconds())
}

func (m *Metrics) SetPollInterval(interval time.Duration) {
	if m == nil {
		return
	}
	m.PollIntervalSeconds.Set(interval.Seconds())
}

// RecordStreamConnect counts a stream attempt. status is the HTTP status, or
// 0 for a transport error.
func (m *Metrics) RecordStreamConnect(projectID string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status != 0 {
		label = strconv.Itoa(status)
	}
	m.StreamConnectsTotal.WithLabelValues(projectID, label).Inc()
}

func (m *Metrics) SetStreamBackoff(projectID string, backoff time.Duration) {
	if m == nil {
		return
	}
	m.StreamBackoffSeconds.WithLabelValues(projectID).Set(backoff.Seconds())
}

// StreamOpened increments the open stream gauge and returns its decrement.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveStreams.Inc()
	return m.ActiveStreams.Dec
}

// AddFlagUpdates counts changed flags written by source ("poll" or "stream").
func (m *Metrics) AddFlagUpdates(source string, changed int) {
	if m == nil || changed == 0 {
		return
	}
	m.FlagUpdatesTotal.WithLabelValues(source).Add(float64(changed))
}

// RecordEvaluation increments the evaluation counter.
func (m *Metrics) RecordEvaluation(enabled bool, reason string) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(enabled), reason).Inc()
}

// RecordMetricReport counts one usage report attempt.
func (m *Metrics) RecordMetricReport(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.MetricReportsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPendingImpressions(n int64) {
	if m == nil {
		return
	}
	m.PendingImpressions.Set(float64(n))
}

func (m *Metrics) IncListenerFailures() {
	if m == nil {
		return
	}
	m.ListenerFailuresTotal.Inc()
}
